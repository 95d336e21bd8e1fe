package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"mlc-go/internal/mlc"
)

// LocalStorage is the real filesystem implementation of mlc.ContentStore.
// Handles are absolute paths.
type LocalStorage struct{}

// NewLocalStorage creates a storage that operates on the real filesystem.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// List returns the children of dir sorted by name. Only regular files and
// directories are supported; anything else fails the listing.
func (s *LocalStorage) List(ctx context.Context, dir string) ([]mlc.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	nodes := make([]mlc.Node, 0, len(entries))
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if err := checkMode(entry.Type(), full); err != nil {
			return nil, err
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", full, err)
		}
		node := mlc.Node{Name: entry.Name(), Handle: full, IsDir: entry.IsDir()}
		if !node.IsDir {
			node.Size = info.Size()
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// checkMode rejects special file types we don't support.
func checkMode(mode fs.FileMode, path string) error {
	switch {
	case mode&os.ModeSymlink != 0:
		return fmt.Errorf("symlinks not supported: %s", path)
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", path)
	}
	return nil
}

// Open opens a file for reading.
func (s *LocalStorage) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(handle)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", handle, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("cannot open directory as file: %s", handle)
	}
	return f, nil
}

// Exists reports whether path exists without following a final symlink.
func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// Delete removes path recursively.
func (s *LocalStorage) Delete(_ context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Create creates or truncates path for writing.
func (s *LocalStorage) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

// Rename renames oldPath to newPath with a single rename(2).
func (s *LocalStorage) Rename(_ context.Context, oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// MkdirAll creates path and any missing parents.
func (s *LocalStorage) MkdirAll(_ context.Context, path string) error {
	return os.MkdirAll(path, 0755)
}

// nearestExisting walks up from path to the first ancestor that exists.
func nearestExisting(path string) (string, error) {
	p := filepath.Clean(path)
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		p = parent
	}
}

// Compile-time check that LocalStorage implements mlc.ContentStore
var _ mlc.ContentStore = (*LocalStorage)(nil)
