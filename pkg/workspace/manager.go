package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"repopilot/pkg/logx"
)

// Workspace is an isolated scratch directory for a single execution.
type Workspace struct {
	// ID is the unique workspace identifier, also the directory name.
	ID string
	// Path is the absolute path of the workspace directory.
	Path string
	// RepoDir is the subdirectory the repository is cloned into.
	RepoDir string
}

// Manager provisions and removes per-execution workspaces under a
// single root directory, enforcing an aggregate disk quota.
type Manager struct {
	logger   *logx.Logger
	root     string
	maxBytes int64

	mu     sync.Mutex
	active map[string]string // workspace ID -> path
}

// NewManager creates a workspace manager rooted at root. maxBytes caps
// the total size of all live workspaces; 0 disables the quota.
func NewManager(root string, maxBytes int64) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Manager{
		logger:   logx.NewLogger("workspace"),
		root:     absRoot,
		maxBytes: maxBytes,
		active:   make(map[string]string),
	}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create provisions a fresh workspace directory. The caller owns the
// workspace until it calls Remove.
func (m *Manager) Create(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.maxBytes > 0 {
		used, err := m.usedBytes()
		if err != nil {
			m.logger.Warn("Failed to measure workspace usage: %v", err)
		} else if used >= m.maxBytes {
			return nil, fmt.Errorf("workspace quota exhausted: %d of %d bytes in use", used, m.maxBytes)
		}
	}

	id := uuid.New().String()
	path := filepath.Join(m.root, id)
	repoDir := filepath.Join(path, "repo")

	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", id, err)
	}

	m.mu.Lock()
	m.active[id] = path
	m.mu.Unlock()

	m.logger.Debug("Created workspace %s at %s", id, path)
	return &Workspace{ID: id, Path: path, RepoDir: repoDir}, nil
}

// Remove deletes the workspace directory. Removal is best effort:
// failures are logged, and a missing directory is not an error, so
// callers can invoke Remove unconditionally on every exit path.
func (m *Manager) Remove(ws *Workspace) {
	if ws == nil {
		return
	}

	m.mu.Lock()
	delete(m.active, ws.ID)
	m.mu.Unlock()

	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("Failed to remove workspace %s: %v", ws.ID, err)
		return
	}
	m.logger.Debug("Removed workspace %s", ws.ID)
}

// RemoveAll deletes every workspace under the root. Used at shutdown
// and on startup to clear leftovers from a previous crash.
func (m *Manager) RemoveAll() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("failed to list workspace root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("Failed to remove stale workspace %s: %v", entry.Name(), err)
		}
	}

	m.mu.Lock()
	m.active = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// ActiveCount reports how many workspaces are currently provisioned.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// usedBytes walks the root and sums file sizes. Entries that vanish
// mid-walk are skipped; a concurrent Remove is normal.
func (m *Manager) usedBytes() (int64, error) {
	return DirSize(m.root)
}

// DirSize returns the total size in bytes of all files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
