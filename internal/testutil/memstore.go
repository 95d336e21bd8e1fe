package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"math"
	"path"
	"sort"
	"strings"
	"sync"

	"mlc-go/internal/mlc"
)

type memNode struct {
	dir  bool
	data []byte
}

// MemoryStore is an in-memory mlc.ContentStore with POSIX-like semantics:
// files need an existing parent directory, Rename fails when the destination
// exists, and Delete of a missing path succeeds. Paths are slash-separated
// and treated as absolute. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string]*memNode
	free  uint64
}

var _ mlc.ContentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store with unlimited free space.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: map[string]*memNode{"/": {dir: true}},
		free:  math.MaxUint64,
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// SetFreeSpace sets the value FreeSpace reports.
func (m *MemoryStore) SetFreeSpace(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = n
}

// AddDir creates p and its ancestors.
func (m *MemoryStore) AddDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mkdirAllLocked(clean(p)); err != nil {
		panic(err)
	}
}

// AddFile creates a file with content, creating parent directories.
func (m *MemoryStore) AddFile(p string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if err := m.mkdirAllLocked(path.Dir(p)); err != nil {
		panic(err)
	}
	m.nodes[p] = &memNode{data: []byte(content)}
}

// ReadFile returns the content of the file at p.
func (m *MemoryStore) ReadFile(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[clean(p)]
	if !ok || n.dir {
		return "", false
	}
	return string(n.data), true
}

// Tree returns every path under root, relative to it, mapped to the file
// content. Directories map to "/". root itself is not included.
func (m *MemoryStore) Tree(root string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	root = clean(root)
	out := make(map[string]string)
	for p, n := range m.nodes {
		if !strings.HasPrefix(p, root+"/") {
			continue
		}
		rel := strings.TrimPrefix(p, root+"/")
		if n.dir {
			out[rel] = "/"
		} else {
			out[rel] = string(n.data)
		}
	}
	return out
}

// Paths returns every path in the store, sorted.
func (m *MemoryStore) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.nodes))
	for p := range m.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryStore) List(_ context.Context, dir string) ([]mlc.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = clean(dir)
	n, ok := m.nodes[dir]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", dir, fs.ErrNotExist)
	}
	if !n.dir {
		return nil, fmt.Errorf("listing %s: not a directory", dir)
	}

	var out []mlc.Node
	for p, child := range m.nodes {
		if p == dir || path.Dir(p) != dir {
			continue
		}
		out = append(out, mlc.Node{
			Name:   path.Base(p),
			Handle: p,
			IsDir:  child.dir,
			Size:   int64(len(child.data)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Open(_ context.Context, handle string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle = clean(handle)
	n, ok := m.nodes[handle]
	if !ok {
		return nil, fmt.Errorf("opening %s: %w", handle, fs.ErrNotExist)
	}
	if n.dir {
		return nil, fmt.Errorf("opening %s: is a directory", handle)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.data))), nil
}

func (m *MemoryStore) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[clean(p)]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if p == "/" {
		return fmt.Errorf("refusing to delete root")
	}
	for k := range m.nodes {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(m.nodes, k)
		}
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	parent, ok := m.nodes[path.Dir(p)]
	if !ok || !parent.dir {
		return nil, fmt.Errorf("creating %s: parent: %w", p, fs.ErrNotExist)
	}
	if n, ok := m.nodes[p]; ok && n.dir {
		return nil, fmt.Errorf("creating %s: is a directory", p)
	}
	m.nodes[p] = &memNode{}
	return &memWriter{store: m, path: p}, nil
}

func (m *MemoryStore) Rename(_ context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldPath, newPath = clean(oldPath), clean(newPath)
	if _, ok := m.nodes[oldPath]; !ok {
		return fmt.Errorf("renaming %s: %w", oldPath, fs.ErrNotExist)
	}
	if _, ok := m.nodes[newPath]; ok {
		return fmt.Errorf("renaming to %s: %w", newPath, fs.ErrExist)
	}
	if parent, ok := m.nodes[path.Dir(newPath)]; !ok || !parent.dir {
		return fmt.Errorf("renaming to %s: parent: %w", newPath, fs.ErrNotExist)
	}

	moved := make(map[string]*memNode)
	for k, n := range m.nodes {
		if k == oldPath || strings.HasPrefix(k, oldPath+"/") {
			moved[newPath+strings.TrimPrefix(k, oldPath)] = n
			delete(m.nodes, k)
		}
	}
	for k, n := range moved {
		m.nodes[k] = n
	}
	return nil
}

func (m *MemoryStore) MkdirAll(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mkdirAllLocked(clean(p))
}

func (m *MemoryStore) mkdirAllLocked(p string) error {
	if n, ok := m.nodes[p]; ok {
		if !n.dir {
			return fmt.Errorf("mkdir %s: not a directory", p)
		}
		return nil
	}
	if err := m.mkdirAllLocked(path.Dir(p)); err != nil {
		return err
	}
	m.nodes[p] = &memNode{dir: true}
	return nil
}

func (m *MemoryStore) FreeSpace(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free, nil
}

// memWriter buffers writes and stores them on Close.
type memWriter struct {
	store *MemoryStore
	path  string
	buf   bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if _, ok := w.store.nodes[w.path]; !ok {
		return fmt.Errorf("closing %s: %w", w.path, fs.ErrNotExist)
	}
	w.store.nodes[w.path] = &memNode{data: bytes.Clone(w.buf.Bytes())}
	return nil
}
