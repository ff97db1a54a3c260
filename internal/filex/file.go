// Package filex holds filesystem helpers for buffering uploads on disk.
package filex

import (
	"fmt"
	"os"
)

// Spool creates temporary files inside one directory.
type Spool struct {
	dir string
}

// NewSpool prepares dir for temporary files, creating it when missing. An
// empty dir selects the system temp directory.
func NewSpool(dir string) (*Spool, error) {
	if dir == "" {
		return &Spool{dir: os.TempDir()}, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) Dir() string { return s.dir }

// Create opens a new temporary file. The returned release func closes and
// removes it.
func (s *Spool) Create(pattern string) (*os.File, func(), error) {
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	release := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	return f, release, nil
}
