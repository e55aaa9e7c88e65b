// Package storage keeps photo bytes on disk until their upload succeeds.
// Blobs are addressed by the SHA-256 of their content.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
)

// BlobStore stores blobs at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
// Identical content is stored once.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether hash is a lowercase hex SHA-256.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Put stores data and returns its hash. The file appears under its final
// name only once fully written.
func (s *BlobStore) Put(data []byte) (string, error) {
	hash := CalculateHash(data)
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		// Refresh the mtime so a sweep treats the blob as new again.
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			return "", fmt.Errorf("failed to touch blob: %w", err)
		}
		return hash, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, hash+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

// Get returns the blob for hash after verifying its content.
func (s *BlobStore) Get(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid blob hash %q", hash))
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "blob not found", err)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if got := CalculateHash(data); got != hash {
		return nil, fmt.Errorf("hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *BlobStore) Delete(hash string) error {
	if !ValidHash(hash) {
		return nil
	}
	path := s.path(hash)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	// Prune now-empty fan-out directories.
	dir := filepath.Dir(path)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// Exists reports whether a blob is stored for hash.
func (s *BlobStore) Exists(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Size returns the stored size of a blob.
func (s *BlobStore) Size(hash string) (int64, error) {
	if !ValidHash(hash) {
		return 0, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid blob hash %q", hash))
	}
	info, err := os.Stat(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, apperrors.Wrap(apperrors.ErrNotFound, "blob not found", err)
		}
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

// List returns every stored hash in sorted order.
func (s *BlobStore) List() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && ValidHash(d.Name()) {
			hashes = append(hashes, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk blob store: %w", err)
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Sweep deletes every blob not in keep that was last written more than
// minAge ago and returns the deleted hashes. Younger blobs may belong to a
// write that has not been queued yet.
func (s *BlobStore) Sweep(keep map[string]bool, minAge time.Duration) ([]string, error) {
	hashes, err := s.List()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-minAge)
	var removed []string
	for _, h := range hashes {
		if keep[h] {
			continue
		}
		info, err := os.Stat(s.path(h))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("failed to stat blob: %w", err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Delete(h); err != nil {
			return removed, err
		}
		removed = append(removed, h)
	}
	return removed, nil
}

func (s *BlobStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}
