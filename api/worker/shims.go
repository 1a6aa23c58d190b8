package worker

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

//go:embed shims/node.js shims/python.py
var shimFS embed.FS

// shimSet writes the embedded runtime clients to disk on first use; node
// and python need a real file to execute.
type shimSet struct {
	dir  string
	once sync.Once
	err  error
}

func (s *shimSet) path(name string) (string, error) {
	s.once.Do(func() {
		if s.dir == "" {
			s.dir, s.err = os.MkdirTemp("", "bifrost-shims-")
			if s.err != nil {
				return
			}
		} else if s.err = os.MkdirAll(s.dir, 0755); s.err != nil {
			return
		}
		entries, err := shimFS.ReadDir("shims")
		if err != nil {
			s.err = err
			return
		}
		for _, e := range entries {
			data, err := shimFS.ReadFile("shims/" + e.Name())
			if err != nil {
				s.err = err
				return
			}
			if err := os.WriteFile(filepath.Join(s.dir, e.Name()), data, 0644); err != nil {
				s.err = err
				return
			}
		}
	})
	if s.err != nil {
		return "", fmt.Errorf("install runtime shims: %w", s.err)
	}
	return filepath.Join(s.dir, name), nil
}
