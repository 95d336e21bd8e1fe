package mlc_test

import (
	"context"
	"errors"
	"maps"
	"strings"
	"testing"

	"mlc-go/internal/mlc"
	"mlc-go/internal/testutil"
)

const target = "/mlc/pkg"

var oldPackage = map[string]string{
	"code":          "/",
	"code/old.bin":  "old code",
	"content":       "/",
	"meta":          "/",
	"meta/info.txt": "v1",
}

func seedOldPackage(store *testutil.MemoryStore, root string) {
	for rel, content := range oldPackage {
		if content == "/" {
			store.AddDir(root + "/" + rel)
		} else {
			store.AddFile(root+"/"+rel, content)
		}
	}
}

func newSwapper(store mlc.ContentStore) *mlc.Swapper {
	return mlc.NewSwapper(store, testutil.NewStubIDGenerator(), mlc.NewNopLogger())
}

// siblings returns every path next to target that shares its name prefix.
func siblings(store *testutil.MemoryStore) []string {
	var out []string
	for _, p := range store.Paths() {
		if strings.HasPrefix(p, target+".") && !strings.Contains(strings.TrimPrefix(p, target+"."), "/") {
			out = append(out, p)
		}
	}
	return out
}

func TestSwapper_Begin(t *testing.T) {
	ctx := context.Background()

	t.Run("moves existing target to backup slot", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, target)

		if err := newSwapper(store).Begin(ctx, target); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if ok, _ := store.Exists(ctx, target); ok {
			t.Error("target still exists after Begin()")
		}
		if got := store.Tree(mlc.BackupSlot(target)); !maps.Equal(got, oldPackage) {
			t.Errorf("backup slot = %v, want %v", got, oldPackage)
		}
	})

	t.Run("fresh target", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddDir("/mlc")

		if err := newSwapper(store).Begin(ctx, target); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if got := store.Paths(); len(got) != 2 {
			t.Errorf("Begin() changed the store: %v", got)
		}
	})

	t.Run("restores an interrupted install before swapping", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		store.AddFile(target+"/code/half.bin", "partial")

		if err := newSwapper(store).Begin(ctx, target); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if got := store.Tree(mlc.BackupSlot(target)); !maps.Equal(got, oldPackage) {
			t.Errorf("backup slot = %v, want the previous package", got)
		}
		if ok, _ := store.Exists(ctx, target); ok {
			t.Error("target still exists after Begin()")
		}
	})

	t.Run("discards a committed backup", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		store.AddFile(mlc.CommitMarkerPath(target), "")
		store.AddFile(target+"/code/new.bin", "new")

		if err := newSwapper(store).Begin(ctx, target); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		got := store.Tree(mlc.BackupSlot(target))
		if !maps.Equal(got, map[string]string{"code": "/", "code/new.bin": "new"}) {
			t.Errorf("backup slot = %v, want the current package", got)
		}
		if ok, _ := store.Exists(ctx, mlc.CommitMarkerPath(target)); ok {
			t.Error("stale commit marker survived Begin()")
		}
	})

	t.Run("rename failure leaves target in place", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, target)
		fault := testutil.NewFaultStore(store)
		fault.BeforeRename = func(string, string) error { return errors.New("device busy") }

		if err := newSwapper(fault).Begin(ctx, target); err == nil {
			t.Fatal("Begin() expected error")
		}
		if got := store.Tree(target); !maps.Equal(got, oldPackage) {
			t.Errorf("target = %v, want untouched", got)
		}
	})
}

func TestSwapper_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes backup slot", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		store.AddFile(target+"/code/new.bin", "new")

		if err := newSwapper(store).Commit(ctx, target); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if got := siblings(store); len(got) != 0 {
			t.Errorf("leftovers after Commit(): %v", got)
		}
	})

	t.Run("no backup slot", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddFile(target+"/code/new.bin", "new")

		if err := newSwapper(store).Commit(ctx, target); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	})

	t.Run("failed deletion leaves nothing to restore", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		seedOldPackage(store, target)
		store.AddFile(target+"/meta/info.txt", "v2")
		fault := testutil.NewFaultStore(store)
		fault.BeforeDelete = func(string) error { return errors.New("read-only") }

		s := newSwapper(fault)
		if err := s.Commit(ctx, target); err == nil {
			t.Fatal("Commit() expected error")
		}

		st, err := s.Inspect(ctx, target)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if st.BackupExists || st.NeedsRecovery() {
			t.Errorf("Inspect() = %+v, want backup slot retired", st)
		}
		if len(st.Quarantines) != 1 {
			t.Errorf("Quarantines = %v, want the retired backup", st.Quarantines)
		}

		fault.BeforeDelete = nil
		if a, err := s.Reconcile(ctx, target); err != nil || a != mlc.ReconcileNone {
			t.Errorf("Reconcile() = %v, %v; want none", a, err)
		}
		if got, _ := store.ReadFile(target + "/meta/info.txt"); got != "v2" {
			t.Errorf("meta/info.txt = %q, want the new package", got)
		}
	})

	t.Run("partial deletion never brings the old package back", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		seedOldPackage(store, target)
		store.AddFile(target+"/meta/info.txt", "v2")
		fault := testutil.NewFaultStore(store)
		fault.BeforeDelete = func(path string) error {
			if path == mlc.CommitMarkerPath(target) {
				return nil
			}
			// Remove part of the tree, then give up.
			_ = store.Delete(ctx, path+"/meta")
			return errors.New("input/output error")
		}

		s := newSwapper(fault)
		if err := s.Commit(ctx, target); err == nil {
			t.Fatal("Commit() expected error")
		}

		fault.BeforeDelete = nil
		a, err := s.Reconcile(ctx, target)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if a == mlc.ReconcileRestored {
			t.Error("Reconcile() restored a backup that was already committed")
		}
		if got, _ := store.ReadFile(target + "/meta/info.txt"); got != "v2" {
			t.Errorf("meta/info.txt = %q, want the new package", got)
		}
	})

	t.Run("failed retirement keeps the backup marked", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		store.AddFile(target+"/code/new.bin", "new")
		fault := testutil.NewFaultStore(store)
		fault.BeforeRename = func(string, string) error { return errors.New("device busy") }

		s := newSwapper(fault)
		if err := s.Commit(ctx, target); err == nil {
			t.Fatal("Commit() expected error")
		}

		st, err := s.Inspect(ctx, target)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if !st.BackupExists || !st.BackupCommitted || st.NeedsRecovery() {
			t.Errorf("Inspect() = %+v, want committed backup", st)
		}

		fault.BeforeRename = nil
		if a, err := s.Reconcile(ctx, target); err != nil || a != mlc.ReconcileDiscarded {
			t.Errorf("Reconcile() = %v, %v; want discarded", a, err)
		}
		if got := store.Tree(target); !maps.Equal(got, map[string]string{"code": "/", "code/new.bin": "new"}) {
			t.Errorf("target = %v, want the new package", got)
		}
		if left := siblings(store); len(left) != 0 {
			t.Errorf("leftovers after Reconcile(): %v", left)
		}
	})
}

func TestSwapper_Rollback(t *testing.T) {
	ctx := context.Background()

	t.Run("restores backup and discards partial target", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		store.AddFile(target+"/code/half.bin", "partial")

		if err := newSwapper(store).Rollback(ctx, target); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if got := store.Tree(target); !maps.Equal(got, oldPackage) {
			t.Errorf("target = %v, want %v", got, oldPackage)
		}
		if got := siblings(store); len(got) != 0 {
			t.Errorf("leftovers after Rollback(): %v", got)
		}
	})

	t.Run("fresh install leaves nothing behind", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddFile(target+"/code/half.bin", "partial")

		if err := newSwapper(store).Rollback(ctx, target); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if ok, _ := store.Exists(ctx, target); ok {
			t.Error("partial target survived Rollback()")
		}
		if got := siblings(store); len(got) != 0 {
			t.Errorf("leftovers after Rollback(): %v", got)
		}
	})

	t.Run("failure before any file was written", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, target)
		s := newSwapper(store)
		if err := s.Begin(ctx, target); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}

		if err := s.Rollback(ctx, target); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if got := store.Tree(target); !maps.Equal(got, oldPackage) {
			t.Errorf("target = %v, want %v", got, oldPackage)
		}
		if ok, _ := store.Exists(ctx, mlc.BackupSlot(target)); ok {
			t.Error("backup slot survived Rollback()")
		}
	})

	t.Run("failed restore stays recoverable", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, mlc.BackupSlot(target))
		store.AddFile(target+"/code/half.bin", "partial")
		fault := testutil.NewFaultStore(store)
		fault.BeforeRename = func(oldPath, _ string) error {
			if oldPath == mlc.BackupSlot(target) {
				return errors.New("io error")
			}
			return nil
		}

		err := newSwapper(fault).Rollback(ctx, target)
		if !errors.Is(err, mlc.ErrRollback) {
			t.Fatalf("Rollback() error = %v, want ErrRollback", err)
		}

		s := newSwapper(store)
		st, err := s.Inspect(ctx, target)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if st.TargetExists || !st.NeedsRecovery() || len(st.Quarantines) != 1 {
			t.Fatalf("Inspect() = %+v, want quarantined target and restorable backup", st)
		}

		action, err := s.Reconcile(ctx, target)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if action != mlc.ReconcileRestored {
			t.Errorf("Reconcile() = %v, want restored", action)
		}
		if got := store.Tree(target); !maps.Equal(got, oldPackage) {
			t.Errorf("target = %v, want %v", got, oldPackage)
		}
	})

	t.Run("quarantine uses unique suffix", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		store.AddFile(target+"/code/half.bin", "partial")
		fault := testutil.NewFaultStore(store)
		var renamedTo string
		fault.BeforeRename = func(_, newPath string) error {
			renamedTo = newPath
			return nil
		}

		ids := testutil.NewStubIDGenerator()
		s := mlc.NewSwapper(fault, ids, mlc.NewNopLogger())
		if err := s.Rollback(ctx, target); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		issued := ids.Issued()
		if len(issued) != 1 {
			t.Fatalf("Rollback() drew %d ids, want 1", len(issued))
		}
		if want := mlc.QuarantinePath(target, issued[0]); renamedTo != want {
			t.Errorf("quarantined to %q, want %q", renamedTo, want)
		}
	})
}

func TestSwapper_Reconcile(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(*testutil.MemoryStore)
		want   mlc.ReconcileAction
		target map[string]string
	}{
		{
			name:   "nothing to do",
			setup:  func(s *testutil.MemoryStore) { seedOldPackage(s, target) },
			want:   mlc.ReconcileNone,
			target: oldPackage,
		},
		{
			name: "crash after swap, target absent",
			setup: func(s *testutil.MemoryStore) {
				seedOldPackage(s, mlc.BackupSlot(target))
			},
			want:   mlc.ReconcileRestored,
			target: oldPackage,
		},
		{
			name: "crash mid-copy",
			setup: func(s *testutil.MemoryStore) {
				seedOldPackage(s, mlc.BackupSlot(target))
				s.AddFile(target+"/code/half.bin", "partial")
			},
			want:   mlc.ReconcileRestored,
			target: oldPackage,
		},
		{
			name: "crash during commit",
			setup: func(s *testutil.MemoryStore) {
				seedOldPackage(s, mlc.BackupSlot(target))
				s.AddFile(mlc.CommitMarkerPath(target), "")
				s.AddFile(target+"/code/new.bin", "new")
			},
			want:   mlc.ReconcileDiscarded,
			target: map[string]string{"code": "/", "code/new.bin": "new"},
		},
		{
			name: "marker outlived its backup",
			setup: func(s *testutil.MemoryStore) {
				seedOldPackage(s, target)
				s.AddFile(mlc.CommitMarkerPath(target), "")
			},
			want:   mlc.ReconcileNone,
			target: oldPackage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemoryStore()
			tt.setup(store)

			got, err := newSwapper(store).Reconcile(ctx, target)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Reconcile() = %v, want %v", got, tt.want)
			}
			if tree := store.Tree(target); !maps.Equal(tree, tt.target) {
				t.Errorf("target = %v, want %v", tree, tt.target)
			}
			if left := siblings(store); len(left) != 0 {
				t.Errorf("leftovers after Reconcile(): %v", left)
			}
		})
	}
}

func TestSwapper_Inspect(t *testing.T) {
	ctx := context.Background()

	t.Run("missing parent", func(t *testing.T) {
		st, err := newSwapper(testutil.NewMemoryStore()).Inspect(ctx, target)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if st.TargetExists || st.BackupExists || len(st.Quarantines) != 0 {
			t.Errorf("Inspect() = %+v, want empty state", st)
		}
	})

	t.Run("reports orphan quarantines", func(t *testing.T) {
		store := testutil.NewMemoryStore()
		seedOldPackage(store, target)
		store.AddDir(mlc.QuarantinePath(target, "a"))
		store.AddDir(mlc.QuarantinePath(target, "b"))
		store.AddDir("/mlc/other.quarantine-c")

		st, err := newSwapper(store).Inspect(ctx, target)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if !st.TargetExists {
			t.Error("TargetExists = false, want true")
		}
		if len(st.Quarantines) != 2 {
			t.Errorf("Quarantines = %v, want 2 entries", st.Quarantines)
		}
	})
}
