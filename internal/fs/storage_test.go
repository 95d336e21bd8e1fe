package fs_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"mlc-go/internal/fs"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLocalStorage_List(t *testing.T) {
	ctx := context.Background()
	s := fs.NewLocalStorage()

	t.Run("sorted with sizes", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "b.txt"), "hello")
		writeFile(t, filepath.Join(dir, "a.txt"), "x")
		if err := os.Mkdir(filepath.Join(dir, "c"), 0755); err != nil {
			t.Fatal(err)
		}

		nodes, err := s.List(ctx, dir)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(nodes) != 3 {
			t.Fatalf("List() returned %d nodes, want 3", len(nodes))
		}
		want := []struct {
			name  string
			isDir bool
			size  int64
		}{
			{"a.txt", false, 1},
			{"b.txt", false, 5},
			{"c", true, 0},
		}
		for i, w := range want {
			n := nodes[i]
			if n.Name != w.name || n.IsDir != w.isDir || n.Size != w.size {
				t.Errorf("node %d = %+v, want %+v", i, n, w)
			}
			if n.Handle != filepath.Join(dir, w.name) {
				t.Errorf("node %d handle = %s", i, n.Handle)
			}
		}
	})

	t.Run("rejects symlinks", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "real"), "x")
		if err := os.Symlink(filepath.Join(dir, "real"), filepath.Join(dir, "link")); err != nil {
			t.Fatal(err)
		}

		if _, err := s.List(ctx, dir); err == nil {
			t.Error("List() expected error for symlink")
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		if _, err := s.List(ctx, filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Error("List() expected error for missing directory")
		}
	})
}

func TestLocalStorage_Open(t *testing.T) {
	ctx := context.Background()
	s := fs.NewLocalStorage()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "f"), "content")

	rc, err := s.Open(ctx, filepath.Join(dir, "f"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(data) != "content" {
		t.Errorf("read %q, %v", data, err)
	}

	if _, err := s.Open(ctx, dir); err == nil {
		t.Error("Open() on a directory expected error")
	}
}

func TestLocalStorage_CreateRenameDelete(t *testing.T) {
	ctx := context.Background()
	s := fs.NewLocalStorage()
	dir := t.TempDir()
	pkg := filepath.Join(dir, "pkg")

	if err := s.MkdirAll(ctx, filepath.Join(pkg, "code")); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	w, err := s.Create(ctx, filepath.Join(pkg, "code", "main"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := io.WriteString(w, "bin"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	backup := pkg + ".backup"
	if err := s.Rename(ctx, pkg, backup); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if ok, _ := s.Exists(ctx, pkg); ok {
		t.Error("old path still exists after rename")
	}
	if ok, _ := s.Exists(ctx, filepath.Join(backup, "code", "main")); !ok {
		t.Error("file missing under renamed directory")
	}

	if err := s.Delete(ctx, backup); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := s.Exists(ctx, backup); ok {
		t.Error("directory still exists after Delete")
	}
	if err := s.Delete(ctx, backup); err != nil {
		t.Errorf("Delete() of missing path error = %v", err)
	}
}

func TestLocalStorage_FreeSpace(t *testing.T) {
	ctx := context.Background()
	s := fs.NewLocalStorage()
	dir := t.TempDir()

	free, err := s.FreeSpace(ctx, filepath.Join(dir, "not", "yet", "created"))
	if err != nil {
		t.Fatalf("FreeSpace() error = %v", err)
	}
	if free == 0 {
		t.Error("FreeSpace() = 0 on a temp directory")
	}
}
