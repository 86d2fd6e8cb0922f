package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Directory permissions: rwxr-x---. Record files are created 0o600 by os.CreateTemp.
const storeDirPerm = 0o750

const recordExt = ".rec"

// FileStore keeps one file per record in a directory.
// Several processes may share the directory; writes are atomic renames,
// so readers see either the old or the new value, never a partial one.
type FileStore struct {
	baseDir string
	closed  atomic.Bool
}

// OpenFileStore opens (creating if needed) a file store rooted at baseDir
func OpenFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("store path is required")
	}

	if err := os.MkdirAll(baseDir, storeDirPerm); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	return &FileStore{baseDir: filepath.Clean(baseDir)}, nil
}

// Get reads a record
func (f *FileStore) Get(key string) (string, bool) {
	if f.closed.Load() {
		return "", false
	}

	data, err := os.ReadFile(f.keyToPath(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Set writes a record atomically using a temp file
func (f *FileStore) Set(key, value string) error {
	if f.closed.Load() {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(f.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.keyToPath(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Remove deletes a record
func (f *FileStore) Remove(key string) error {
	if f.closed.Load() {
		return ErrClosed
	}

	err := os.Remove(f.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Range iterates over every record file in the directory
func (f *FileStore) Range(fn func(key, value string) bool) error {
	if f.closed.Load() {
		return ErrClosed
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return fmt.Errorf("read store directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}

		key, ok := pathToKey(entry.Name())
		if !ok {
			continue
		}

		// Another process may have removed it since ReadDir
		data, err := os.ReadFile(filepath.Join(f.baseDir, entry.Name()))
		if err != nil {
			continue
		}

		if !fn(key, string(data)) {
			return nil
		}
	}
	return nil
}

// Close marks the store closed
func (f *FileStore) Close() error {
	f.closed.Store(true)
	return nil
}

// keyToPath hex-encodes the key so any key is a safe, reversible file name
func (f *FileStore) keyToPath(key string) string {
	return filepath.Join(f.baseDir, hex.EncodeToString([]byte(key))+recordExt)
}

func pathToKey(name string) (string, bool) {
	raw, err := hex.DecodeString(strings.TrimSuffix(name, recordExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}
