// Package kvstore implements durable, crash-atomic key/value storage used
// to persist small values such as a worker's read identifier (rid). The
// interface is intentionally generic: the core only ever stores rid under
// it, but nothing about Store is specific to that use.
package kvstore

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/distsys-edu/atomicdrive/internal/logger"
)

// MaxKeySize and MaxValueSize bound what Store will accept, matching
// spec.md §4.2's contract.
const (
	MaxKeySize   = 255
	MaxValueSize = 65535
)

// Store is a durable key/value store: put/get/remove of small values
// keyed by string.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Remove(key string) (bool, error)
}

// FileStore is a POSIX-filesystem-backed Store. Each key maps to a file
// named URL-safe-base64(SHA-256(key)) in dir; writes go through a
// tmpfile+fsync+rename+directory-fsync sequence so a crash mid-write never
// leaves a torn value visible.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir. dir must already exist.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) filename(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// Put durably stores value under key, replacing any prior value.
func (s *FileStore) Put(key string, value []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("kvstore: key exceeds %d bytes", MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("kvstore: value exceeds %d bytes", MaxValueSize)
	}

	path := filepath.Join(s.dir, s.filename(key))
	tmpPath := filepath.Join(s.dir, "tmpfile")

	if err := writeFileFsync(tmpPath, value); err != nil {
		return fmt.Errorf("kvstore: write tmpfile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("kvstore: rename into place: %w", err)
	}
	if err := fsyncDir(s.dir); err != nil {
		return fmt.Errorf("kvstore: fsync dir: %w", err)
	}
	logger.Debug("kvstore put", logger.StorageKey(key))
	return nil
}

// Get returns the value stored under key, or ok=false if absent.
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	path := filepath.Join(s.dir, s.filename(key))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: read %s: %w", key, err)
	}
	return data, true, nil
}

// Remove deletes the value stored under key, reporting whether a value was
// actually present.
func (s *FileStore) Remove(key string) (bool, error) {
	path := filepath.Join(s.dir, s.filename(key))
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: remove %s: %w", key, err)
	}
	if err := fsyncDir(s.dir); err != nil {
		return true, fmt.Errorf("kvstore: fsync dir: %w", err)
	}
	return true, nil
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}
