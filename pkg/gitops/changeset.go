package gitops

import "strings"

// ChangeType describes what happened to a file in the working tree.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// FileChange is a single changed path in a change set.
type FileChange struct {
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
}

// ChangeSet is the set of working-tree changes an execution produced.
type ChangeSet struct {
	Files []FileChange `json:"files"`
}

// Empty reports whether the execution produced no changes.
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.Files) == 0
}

// Paths returns the changed paths in porcelain order.
func (c *ChangeSet) Paths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// parsePorcelain converts `git status --porcelain` output into a
// ChangeSet. Unrecognized status codes fall back to modified.
func parsePorcelain(out string) *ChangeSet {
	cs := &ChangeSet{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		rest := line[3:]

		fc := FileChange{Path: rest}
		switch {
		case strings.Contains(code, "R"):
			// A rename comes back as "old -> new" and is recorded as a
			// deletion of the old path plus an addition of the new one.
			if idx := strings.Index(rest, " -> "); idx >= 0 {
				cs.Files = append(cs.Files,
					FileChange{Path: unquote(rest[:idx]), Type: ChangeDeleted},
					FileChange{Path: unquote(rest[idx+4:]), Type: ChangeAdded})
				continue
			}
			fc.Type = ChangeModified
		case strings.Contains(code, "A") || code == "??":
			fc.Type = ChangeAdded
		case strings.Contains(code, "D"):
			fc.Type = ChangeDeleted
		default:
			fc.Type = ChangeModified
		}

		fc.Path = unquote(fc.Path)
		cs.Files = append(cs.Files, fc)
	}
	return cs
}

// unquote strips the quoting git applies to paths with special
// characters.
func unquote(path string) string {
	return strings.Trim(path, `"`)
}
