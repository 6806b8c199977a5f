package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	fileutil "metaextract/internal/file"
)

const entryExt = ".json"

// fileKV stores each entry as dataDir/kv/<namespace>/<escaped key>.json.
type fileKV struct {
	mu      sync.RWMutex
	dataDir string
}

func NewFileKV(dataDir string) KV { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileKV{dataDir: dataDir}
}

func (s *fileKV) namespaceDir(namespace string) string {
	return filepath.Join(s.dataDir, "kv", url.PathEscape(namespace))
}

func (s *fileKV) entryPath(namespace, key string) string {
	return filepath.Join(s.namespaceDir(namespace), url.PathEscape(key)+entryExt)
}

func (s *fileKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.entryPath(namespace, key)) //nolint:gosec // path is controlled by application
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read entry: %w", err)
	}
	return data, nil
}

func (s *fileKV) Put(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fileutil.WriteAtomic(s.entryPath(namespace, key), value) //nolint:wrapcheck
}

func (s *fileKV) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.entryPath(namespace, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove entry: %w", err)
	}
	return nil
}

func (s *fileKV) List(_ context.Context, namespace string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := s.namespaceDir(namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, entryExt) || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, entryExt))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		out[key] = data
	}
	return out, nil
}

func (s *fileKV) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.namespaceDir(namespace)); err != nil {
		return fmt.Errorf("clear namespace: %w", err)
	}
	return nil
}

func (s *fileKV) Close() error { return nil }
