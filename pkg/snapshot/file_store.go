package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps snapshots as JSON files in a directory. Each save writes a
// new file; the lexically greatest name is the latest.
type FileStore struct {
	dir  string
	keep int
}

// NewFileStore creates the directory if needed. keep bounds the number of files
// retained; zero keeps everything.
func NewFileStore(dir string, keep int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir, keep: keep}, nil
}

func fileName(doc *Document) string {
	return fmt.Sprintf("snapshot-%020d.json", doc.TakenAt.UnixNano())
}

// Save writes doc atomically (temp file + rename).
func (s *FileStore) Save(_ context.Context, doc *Document) error {
	raw, err := Encode(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, fileName(doc))); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return s.prune()
}

func (s *FileStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snapshot-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) prune() error {
	if s.keep <= 0 {
		return nil
	}
	names, err := s.list()
	if err != nil {
		return err
	}
	for len(names) > s.keep {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// Latest reads the newest snapshot.
func (s *FileStore) Latest(_ context.Context) (*Document, error) {
	names, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoSnapshot
	}
	return ReadFile(filepath.Join(s.dir, names[len(names)-1]))
}

// ReadFile decodes and verifies a snapshot file.
func ReadFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
