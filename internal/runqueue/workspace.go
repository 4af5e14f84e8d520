package runqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ocx/backend/internal/rqerrors"
)

// WorkspaceLock binds the engine to a workspace directory by holding a lock
// file whose content is a human-readable warning: it records hostname and
// pid so an operator inspecting the file understands who holds it.
type WorkspaceLock struct {
	path string
}

const lockFileName = ".runqueue_workspace.lock"

// AcquireWorkspaceLock creates the lock file in dir. If a lock file already
// exists, acquisition fails WorkspaceInUse; callers above the core may
// offer an interactive override, which is a layer above this package's
// scope.
func AcquireWorkspaceLock(dir string) (*WorkspaceLock, error) {
	path := filepath.Join(dir, lockFileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("workspace %s: %w", dir, rqerrors.ErrWorkspaceInUse)
	}

	host, _ := os.Hostname()
	content := fmt.Sprintf("workspace in use by pid %d on host %s since %s\n",
		os.Getpid(), host, time.Now().Format(time.RFC3339))

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("runqueue: acquire workspace lock: %w", err)
	}
	return &WorkspaceLock{path: path}, nil
}

// Release removes the lock file.
func (l *WorkspaceLock) Release() error {
	return os.Remove(l.path)
}
