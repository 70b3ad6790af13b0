package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/keepsake-app/keepsake/internal/common"
)

// MemStore is the in-memory test double: ordered sets of directory and file
// paths with the same hierarchical semantics as the real backends. Protocol
// tests run against it without any I/O.
type MemStore struct {
	id string

	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	// OnPut, when set, runs before each write and may reject it. Tests use
	// it to simulate concurrency ceilings and flaky transports.
	OnPut func(path string) error

	// Call counters for assertions.
	PutCalls    int
	GetCalls    int
	DeleteCalls int
	ListCalls   int
}

// NewMemStore builds an empty in-memory store with the given identity.
func NewMemStore(id string) *MemStore {
	return &MemStore{
		id:    id,
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (s *MemStore) TargetID() string { return "mem:" + s.id }

func clean(p string) string { return strings.Trim(p, "/") }

func (s *MemStore) addParents(p string) {
	for d := parent(p); d != ""; d = parent(d) {
		s.dirs[d] = true
	}
}

func parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func (s *MemStore) MkdirAll(_ context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := clean(dir)
	if d == "" {
		return nil
	}
	s.dirs[d] = true
	s.addParents(d)
	return nil
}

func (s *MemStore) List(_ context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListCalls++

	d := clean(dir)
	if d != "" && !s.dirs[d] {
		return nil, fmt.Errorf("list %q: %w", dir, common.ErrNotFound)
	}

	prefix := ""
	if d != "" {
		prefix = d + "/"
	}

	seen := map[string]bool{}
	var names []string
	for f := range s.files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		rest := f[len(prefix):]
		if !strings.Contains(rest, "/") && !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	for dd := range s.dirs {
		if !strings.HasPrefix(dd, prefix) || dd == d {
			continue
		}
		rest := dd[len(prefix):]
		if !strings.Contains(rest, "/") && !seen[rest+"/"] {
			seen[rest+"/"] = true
			names = append(names, rest+"/")
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls++

	data, ok := s.files[clean(path)]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", path, common.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemStore) Put(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	hook := s.OnPut
	s.mu.Unlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls++

	p := clean(path)
	if p == "" {
		return fmt.Errorf("put with empty path")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.files[p] = cp
	s.addParents(p)
	return nil
}

func (s *MemStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++

	p := clean(path)
	if p == "" {
		return fmt.Errorf("refusing to delete remote root")
	}
	if _, ok := s.files[p]; ok {
		delete(s.files, p)
		return nil
	}
	if s.dirs[p] {
		delete(s.dirs, p)
		for f := range s.files {
			if strings.HasPrefix(f, p+"/") {
				delete(s.files, f)
			}
		}
		for d := range s.dirs {
			if strings.HasPrefix(d, p+"/") {
				delete(s.dirs, d)
			}
		}
		return nil
	}
	return fmt.Errorf("delete %q: %w", path, common.ErrNotFound)
}
