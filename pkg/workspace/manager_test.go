package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProvisionsRepoDir(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0)
	require.NoError(t, err)

	ws, err := m.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.Root(), ws.ID), ws.Path)
	assert.Equal(t, filepath.Join(ws.Path, "repo"), ws.RepoDir)
	assert.DirExists(t, ws.RepoDir)
	assert.Equal(t, 1, m.ActiveCount())

	other, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, ws.ID, other.ID)
	assert.Equal(t, 2, m.ActiveCount())
}

func TestRemoveDeletesDirectory(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0)
	require.NoError(t, err)

	ws, err := m.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.RepoDir, "main.py"), []byte("print('hi')\n"), 0o644))

	m.Remove(ws)
	assert.NoDirExists(t, ws.Path)
	assert.Zero(t, m.ActiveCount())

	// Remove is unconditional on every exit path, so repeats and nil
	// must be harmless.
	m.Remove(ws)
	m.Remove(nil)
}

func TestCreateRespectsQuota(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root, 16)
	require.NoError(t, err)

	ws, err := m.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.RepoDir, "blob.bin"), make([]byte, 64), 0o644))

	_, err = m.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace quota exhausted")

	// Freeing the space unblocks provisioning.
	m.Remove(ws)
	_, err = m.Create(context.Background())
	assert.NoError(t, err)
}

func TestCreateHonorsContextCancellation(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Create(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.ActiveCount())
}

func TestRemoveAllClearsLeftovers(t *testing.T) {
	root := t.TempDir()

	// Simulate directories left behind by a previous crash.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stale-1", "repo"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stale-2"), 0o755))

	m, err := NewManager(root, 0)
	require.NoError(t, err)
	_, err = m.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.RemoveAll())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, m.ActiveCount())
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.txt"), make([]byte, 22), 0o644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(32), size)
}
