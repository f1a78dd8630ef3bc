package pdf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type workspace struct {
	id  string
	dir string
}

func createWorkspace(root string) (workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	return workspace{id: id, dir: dir}, nil
}

func (w workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
