package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keepsake-app/keepsake/internal/common"
)

// DirStore maps virtual paths 1:1 onto a filesystem root, typically a local
// folder or a mounted network share.
type DirStore struct {
	root string
}

// NewDirStore roots a store at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create remote root: %w", err)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) TargetID() string { return "dir:" + s.root }

func (s *DirStore) fsPath(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

func (s *DirStore) MkdirAll(_ context.Context, dir string) error {
	if err := os.MkdirAll(s.fsPath(dir), 0o700); err != nil {
		return fmt.Errorf("failed to mkdir %q: %w", dir, err)
	}
	return nil
}

func (s *DirStore) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.fsPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list %q: %w", dir, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirStore) Get(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.fsPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get %q: %w", path, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", path, err)
	}
	return data, nil
}

func (s *DirStore) Put(_ context.Context, path string, data []byte) error {
	fp := s.fsPath(path)
	if err := os.MkdirAll(filepath.Dir(fp), 0o700); err != nil {
		return fmt.Errorf("failed to create parent of %q: %w", path, err)
	}
	if err := os.WriteFile(fp, data, 0o600); err != nil {
		return fmt.Errorf("failed to put %q: %w", path, err)
	}
	return nil
}

func (s *DirStore) Delete(_ context.Context, path string) error {
	clean := strings.Trim(path, "/")
	if clean == "" || clean == "." {
		return fmt.Errorf("refusing to delete remote root")
	}
	fp := s.fsPath(clean)
	info, err := os.Stat(fp)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %q: %w", path, common.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(fp)
	}
	return os.Remove(fp)
}
