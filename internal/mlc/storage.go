package mlc

import (
	"context"
	"io"
)

// Node is one child of a directory as reported by Storage.List.
// Handle is opaque to callers: it is passed back to List (for directories)
// or Open (for files) of the same Storage.
type Node struct {
	Name   string
	Handle string
	IsDir  bool
	Size   int64
}

// Storage is the capability set every location variant provides, whether it is
// a local path or a content-provider URI.
type Storage interface {
	// List returns the immediate children of dir, sorted by name.
	List(ctx context.Context, dir string) ([]Node, error)

	// Open opens a file handle for reading.
	Open(ctx context.Context, handle string) (io.ReadCloser, error)

	// Exists reports whether path names a file or directory.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes path and everything beneath it.
	// Deleting a path that does not exist is not an error.
	Delete(ctx context.Context, path string) error
}

// Creator is implemented by storages that can create new files.
// The compression driver writes archives through it.
type Creator interface {
	// Create opens path for writing, truncating any existing file.
	Create(ctx context.Context, path string) (io.WriteCloser, error)
}

// ContentStore is the storage holding installed packages. In addition to the
// Storage capabilities it supports the operations the install protocol needs.
type ContentStore interface {
	Storage
	Creator

	// Rename atomically renames oldPath to newPath.
	Rename(ctx context.Context, oldPath, newPath string) error

	// MkdirAll creates path and any missing ancestors. It succeeds on an
	// existing directory.
	MkdirAll(ctx context.Context, path string) error

	// FreeSpace returns the bytes available to unprivileged writers on the
	// volume that holds path (or its nearest existing ancestor).
	FreeSpace(ctx context.Context, path string) (uint64, error)
}

// Resolver maps a Location to the Storage that serves it.
type Resolver interface {
	Storage(loc Location) (Storage, error)
}

// Locker serializes work on a target path across processes.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done.
	// The returned function releases the lock.
	Lock(ctx context.Context, key string) (unlock func() error, err error)
}

// NopLocker grants every lock immediately. Use in tests and single-process setups.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func() error, error) {
	return func() error { return nil }, nil
}
