// Package artifacts persists exported evidence bundles in content-addressed
// storage. Objects are immutable: the key is the SHA-256 of the bytes, so a
// second Put of the same bundle is a no-op.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ihoward40/SintraPrime-sub001/pkg/canonicalize"
)

// ErrNotFound is returned by Get for an unknown digest.
var ErrNotFound = errors.New("artifact not found")

// Store is content-addressed, write-once storage.
type Store interface {
	// Put persists data and returns its "sha256:<hex>" digest.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest returns the content address of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return canonicalize.DigestPrefix + hex.EncodeToString(sum[:])
}

// objectName validates a digest and maps it to the object name shared by all
// backends.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, canonicalize.DigestPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid digest hex: %s", digest)
	}
	return raw + ".json", nil
}

// FileStore keeps bundles under a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	name, _ := objectName(digest)
	path := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	// Write to temp, then rename, so readers never see a partial bundle.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	name, err := objectName(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	name, err := objectName(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
