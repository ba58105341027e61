// Package keytab stores exported keytabs until hosts fetch them.
package keytab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("keytab: not found")

type fileStore struct {
	dir string
}

// NewFileStore keeps one file per principal under dir, readable by the
// server user only.
func NewFileStore(dir string) (ports.KeytabStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keytab: create dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func fileName(principal string) string {
	r := strings.NewReplacer("/", "_", "@", "_", "\\", "_", "..", "_")
	return r.Replace(principal) + ".keytab"
}

// Put writes to a temporary file first so readers never see a partial keytab.
func (s *fileStore) Put(principal string, data []byte) error {
	tmp := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, fileName(principal))); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Get(principal string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, fileName(principal)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *fileStore) Delete(principal string) error {
	err := os.Remove(filepath.Join(s.dir, fileName(principal)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore is used when no keytab directory is configured.
func NewMemoryStore() ports.KeytabStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Put(principal string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[principal] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStore) Get(principal string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[principal]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *memoryStore) Delete(principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, principal)
	return nil
}
