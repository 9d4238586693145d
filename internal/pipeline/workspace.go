package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const workspacePrefix = "job-"

// Workspace is a job's private scratch directory.
type Workspace struct {
	dir string
}

// OpenWorkspace creates base/job-<jobID>. It fails if the directory already
// exists, so two jobs can never share one.
func OpenWorkspace(base, jobID string) (*Workspace, error) {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}

	dir := filepath.Join(base, workspacePrefix+jobID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("workspace %s already in use", dir)
		}
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Release deletes the workspace and everything in it. Safe to call twice.
func (w *Workspace) Release() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.dir, err)
	}
	return nil
}

// SweepWorkspaces removes every job workspace left under base by a process
// that exited without releasing it, and returns the removed directories.
// It must only run while no job can be active against base.
func SweepWorkspaces(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace base: %w", err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}
		dir := filepath.Join(base, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove stale workspace %s: %w", dir, err))
			continue
		}
		removed = append(removed, dir)
	}
	return removed, errors.Join(errs...)
}
