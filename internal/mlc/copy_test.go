package mlc_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mlc-go/internal/mlc"
	"mlc-go/internal/testutil"
)

func TestCopier_Copy(t *testing.T) {
	ctx := context.Background()

	t.Run("materializes plan and publishes progress", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddFile("/src/f1", strings.Repeat("x", 100))
		store.AddFile("/src/f2", strings.Repeat("y", 50))
		plan := mlc.NewInstallPlan(store, []mlc.DirEntry{
			mlc.Dir("/t/a"),
			mlc.File("/src/f1", "/t/a/f1", 100),
			mlc.Dir("/t/a/b"),
			mlc.File("/src/f2", "/t/a/b/f2", 50),
		})

		var published []mlc.InstallProgress
		err := mlc.NewCopier(store, 0).Copy(ctx, plan, func(p mlc.InstallProgress) {
			published = append(published, p)
		})
		if err != nil {
			t.Fatalf("Copy() error = %v", err)
		}

		want := []mlc.InstallProgress{{BytesWritten: 100, TotalBytes: 150}, {BytesWritten: 150, TotalBytes: 150}}
		if len(published) != len(want) {
			t.Fatalf("published %v, want %v", published, want)
		}
		for i := range want {
			if published[i] != want[i] {
				t.Errorf("progress[%d] = %v, want %v", i, published[i], want[i])
			}
		}
		if got, _ := store.ReadFile("/t/a/b/f2"); got != strings.Repeat("y", 50) {
			t.Errorf("f2 = %q", got)
		}
	})

	t.Run("creates empty directories", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		plan := mlc.NewInstallPlan(store, []mlc.DirEntry{mlc.Dir("/t/empty/deeper")})

		if err := mlc.NewCopier(store, 0).Copy(ctx, plan, nil); err != nil {
			t.Fatalf("Copy() error = %v", err)
		}
		if ok, _ := store.Exists(ctx, "/t/empty/deeper"); !ok {
			t.Error("directory was not created")
		}
	})

	t.Run("small buffer copies large files intact", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		content := strings.Repeat("0123456789", 1000)
		store.AddFile("/src/big", content)
		store.AddDir("/t")
		plan := mlc.NewInstallPlan(store, []mlc.DirEntry{mlc.File("/src/big", "/t/big", int64(len(content)))})

		if err := mlc.NewCopier(store, 7).Copy(ctx, plan, nil); err != nil {
			t.Fatalf("Copy() error = %v", err)
		}
		if got, _ := store.ReadFile("/t/big"); got != content {
			t.Errorf("copied %d bytes, want %d", len(got), len(content))
		}
	})

	t.Run("io failure is a copy error", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddFile("/src/f1", "data")
		fault := testutil.NewFaultStore(store)
		fault.BeforeCreate = func(string) error { return errors.New("disk full") }
		plan := mlc.NewInstallPlan(store, []mlc.DirEntry{mlc.Dir("/t"), mlc.File("/src/f1", "/t/f1", 4)})

		err := mlc.NewCopier(fault, 0).Copy(ctx, plan, nil)
		if !errors.Is(err, mlc.ErrCopy) {
			t.Errorf("Copy() error = %v, want ErrCopy", err)
		}
	})

	t.Run("missing source is a copy error", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		plan := mlc.NewInstallPlan(store, []mlc.DirEntry{mlc.Dir("/t"), mlc.File("/src/gone", "/t/gone", 4)})

		err := mlc.NewCopier(store, 0).Copy(ctx, plan, nil)
		if !errors.Is(err, mlc.ErrCopy) {
			t.Errorf("Copy() error = %v, want ErrCopy", err)
		}
	})

	t.Run("cancellation is checked between entries", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddFile("/src/f1", "one")
		store.AddFile("/src/f2", "two")
		plan := mlc.NewInstallPlan(store, []mlc.DirEntry{
			mlc.Dir("/t"),
			mlc.File("/src/f1", "/t/f1", 3),
			mlc.File("/src/f2", "/t/f2", 3),
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := mlc.NewCopier(store, 0).Copy(ctx, plan, func(mlc.InstallProgress) { cancel() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Copy() error = %v, want context.Canceled", err)
		}
		if errors.Is(err, mlc.ErrCopy) {
			t.Error("cancellation must not be reported as a copy error")
		}
		if _, ok := store.ReadFile("/t/f1"); !ok {
			t.Error("file copied before cancellation is missing")
		}
		if _, ok := store.ReadFile("/t/f2"); ok {
			t.Error("file after cancellation was copied")
		}
	})
}
