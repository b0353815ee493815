// ABOUTME: Binary-asset externalization for wire records.
// ABOUTME: Images travel as file references, never inlined in record fields.
package petsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// AssetStore holds binary payloads referenced by wire records.
// Encode writes bytes and returns a reference; decode resolves the
// reference back to bytes.
type AssetStore interface {
	Write(data []byte) (ref string, err error)
	Read(ref string) ([]byte, error)
}

// FileAssetStore keeps assets as content-addressed files in one directory.
type FileAssetStore struct {
	Dir string
}

// NewFileAssetStore creates the backing directory if needed.
func NewFileAssetStore(dir string) (*FileAssetStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileAssetStore{Dir: dir}, nil
}

// Write stores data under its content hash. Writing the same bytes
// twice yields the same reference.
func (s *FileAssetStore) Write(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	path := filepath.Join(s.Dir, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return ref, nil
}

// Read resolves a reference to its bytes.
func (s *FileAssetStore) Read(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty asset reference", ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, filepath.Base(ref)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("asset %s: %w", ref, ErrNotFound)
	}
	return data, err
}
