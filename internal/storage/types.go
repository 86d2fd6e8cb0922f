package storage

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// Store is a synchronous string-keyed, string-valued store.
// It may be shared with other processes, so readers must tolerate
// records written or removed concurrently by someone else.
type Store interface {
	// Get returns the value for key and whether it exists
	Get(key string) (string, bool)

	// Set writes value under key, replacing any previous value
	Set(key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Range calls fn for every stored pair until fn returns false.
	// fn may call Set and Remove on the same store.
	Range(fn func(key, value string) bool) error

	// Close releases any resources held by the store
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Type names a Store implementation
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeSQLite Type = "sqlite"
	// TypeNone means no persistent store is available; caching is bypassed
	TypeNone Type = "none"
)

// Open creates a store of the given type. TypeNone returns a nil Store.
func Open(typ Type, path string) (Store, error) {
	switch typ {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeFile:
		store, err := OpenFileStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case TypeSQLite:
		store, err := OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case TypeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store type '%s'", typ)
	}
}
