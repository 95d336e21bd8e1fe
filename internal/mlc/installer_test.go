package mlc_test

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"mlc-go/internal/mlc"
	"mlc-go/internal/testutil"
)

var newPackage = map[string]string{
	"code":          "/",
	"code/new.bin":  "new code",
	"code/lib":      "/",
	"code/lib/a.so": "lib",
	"content":       "/",
	"meta":          "/",
	"meta/info.txt": "v2",
}

var srcLocation = mlc.Location{Kind: mlc.LocalPath, Path: "/src"}

func seedNewPackage(store *testutil.MemoryStore) {
	for rel, content := range newPackage {
		if content == "/" {
			store.AddDir("/src/" + rel)
		} else {
			store.AddFile("/src/"+rel, content)
		}
	}
}

type installResult struct {
	outcome mlc.InstallOutcome
	err     error
}

func newTestInstaller(store mlc.ContentStore, journal mlc.Journal, subtrees ...string) *mlc.Installer {
	if journal == nil {
		journal = mlc.NopJournal{}
	}
	return mlc.NewInstaller(
		testutil.NewStaticResolver(store),
		store,
		mlc.NewEnumerator(subtrees, nil),
		journal,
		mlc.NopLocker{},
		mlc.NewNopLogger(),
		testutil.NewStubIDGenerator(),
		0,
	)
}

// startInstall starts an install and returns the channel its callback reports to.
func startInstall(t *testing.T, in *mlc.Installer, target string) <-chan installResult {
	t.Helper()
	results := make(chan installResult, 1)
	ok := in.Install(srcLocation, target, func(o mlc.InstallOutcome, err error) {
		results <- installResult{outcome: o, err: err}
	})
	if !ok {
		t.Fatal("Install() = false, want true")
	}
	return results
}

func awaitResult(t *testing.T, results <-chan installResult) installResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("install callback not called")
		return installResult{}
	}
}

func assertNoResult(t *testing.T, results <-chan installResult) {
	t.Helper()
	select {
	case r := <-results:
		t.Errorf("unexpected callback: %v, %v", r.outcome, r.err)
	default:
	}
}

func assertSettled(t *testing.T, store *testutil.MemoryStore, want map[string]string) {
	t.Helper()
	if got := store.Tree(target); !maps.Equal(got, want) {
		t.Errorf("target = %v, want %v", got, want)
	}
	if left := siblings(store); len(left) != 0 {
		t.Errorf("leftovers next to target: %v", left)
	}
}

func TestInstaller_ConcreteScenario(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.AddFile("/src/a/f1", strings.Repeat("1", 100))
	store.AddFile("/src/a/b/f2", strings.Repeat("2", 50))
	store.AddDir("/mlc")
	store.SetFreeSpace(1000)
	in := newTestInstaller(store, nil, "a")

	updates, cancel := in.Progress().Subscribe(64)
	defer cancel()

	r := awaitResult(t, startInstall(t, in, target))
	if r.outcome != mlc.InstallFinished || r.err != nil {
		t.Fatalf("outcome = %v, %v; want finished", r.outcome, r.err)
	}
	in.Wait()

	if got, _ := store.ReadFile(target + "/a/f1"); len(got) != 100 {
		t.Errorf("a/f1 has %d bytes, want 100", len(got))
	}
	if got, _ := store.ReadFile(target + "/a/b/f2"); len(got) != 50 {
		t.Errorf("a/b/f2 has %d bytes, want 50", len(got))
	}

	var last mlc.InstallProgress
	var prev uint64
	drain := true
	for drain {
		select {
		case u := <-updates:
			if !u.Valid {
				continue
			}
			if u.Value.BytesWritten < prev {
				t.Errorf("progress went backwards: %d after %d", u.Value.BytesWritten, prev)
			}
			prev = u.Value.BytesWritten
			last = u.Value
		default:
			drain = false
		}
	}
	if want := (mlc.InstallProgress{BytesWritten: 150, TotalBytes: 150}); last != want {
		t.Errorf("final progress = %v, want %v", last, want)
	}
	if _, ok := in.Progress().Load(); ok {
		t.Error("progress not cleared after the install settled")
	}
	if in.State() != mlc.Idle {
		t.Errorf("State() = %v, want idle", in.State())
	}
}

func TestInstaller_ReplacesPreviousPackage(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, target)
	seedNewPackage(store)
	journal := testutil.NewTestJournal(t)
	in := newTestInstaller(store, journal)

	r := awaitResult(t, startInstall(t, in, target))
	if r.outcome != mlc.InstallFinished {
		t.Fatalf("outcome = %v, %v; want finished", r.outcome, r.err)
	}
	in.Wait()
	assertSettled(t, store, newPackage)

	ops, err := journal.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != mlc.OpInstall || ops[0].Status != mlc.StatusFinished {
		t.Errorf("journal = %+v, want one finished install", ops)
	}
}

func TestInstaller_CopyFailureRestoresPreviousPackage(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, target)
	seedNewPackage(store)
	fault := testutil.NewFaultStore(store)
	fault.BeforeCreate = func(path string) error {
		if strings.HasSuffix(path, "info.txt") {
			return errors.New("disk error")
		}
		return nil
	}
	journal := testutil.NewTestJournal(t)
	in := newTestInstaller(fault, journal)

	r := awaitResult(t, startInstall(t, in, target))
	if r.outcome != mlc.InstallError || !errors.Is(r.err, mlc.ErrCopy) {
		t.Fatalf("outcome = %v, %v; want error matching ErrCopy", r.outcome, r.err)
	}
	in.Wait()
	assertSettled(t, store, oldPackage)

	ops, err := journal.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	statuses := map[mlc.OperationKind]mlc.OperationStatus{}
	for _, op := range ops {
		statuses[op.Kind] = op.Status
	}
	if statuses[mlc.OpInstall] != mlc.StatusError || statuses[mlc.OpRollback] != mlc.StatusFinished {
		t.Errorf("journal statuses = %v", statuses)
	}
}

func TestInstaller_FailureBeforeSwapTouchesNothing(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testutil.MemoryStore)
		wantErr error
	}{
		{
			name: "insufficient space",
			setup: func(s *testutil.MemoryStore) {
				seedNewPackage(s)
				s.SetFreeSpace(10)
			},
			wantErr: mlc.ErrPreflight,
		},
		{
			name: "missing subtree",
			setup: func(s *testutil.MemoryStore) {
				seedNewPackage(s)
				s.Delete(t.Context(), "/src/meta")
			},
			wantErr: mlc.ErrEnumeration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemoryStore()
			seedOldPackage(store, target)
			tt.setup(store)
			before := store.Paths()
			in := newTestInstaller(store, nil)

			r := awaitResult(t, startInstall(t, in, target))
			if r.outcome != mlc.InstallError || !errors.Is(r.err, tt.wantErr) {
				t.Fatalf("outcome = %v, %v; want error matching %v", r.outcome, r.err, tt.wantErr)
			}
			in.Wait()

			assertSettled(t, store, oldPackage)
			if after := store.Paths(); !slices.Equal(before, after) {
				t.Errorf("store changed:\nbefore %v\nafter  %v", before, after)
			}
		})
	}
}

func TestInstaller_SecondInstallIsRefusedWhileInstalling(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedNewPackage(store)
	fault := testutil.NewFaultStore(store)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fault.BeforeCreate = func(string) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	in := newTestInstaller(fault, nil)

	first := startInstall(t, in, target)
	<-entered
	if in.State() != mlc.Installing {
		t.Errorf("State() = %v, want installing", in.State())
	}

	var calls int
	var mu sync.Mutex
	ok := in.Install(srcLocation, target, func(mlc.InstallOutcome, error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if ok {
		t.Error("second Install() = true while installing")
	}

	close(release)
	if r := awaitResult(t, first); r.outcome != mlc.InstallFinished {
		t.Fatalf("first install outcome = %v, %v", r.outcome, r.err)
	}
	in.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("refused install called back %d times", calls)
	}
}

func TestInstaller_CancelRollsBackSilently(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, target)
	seedNewPackage(store)
	fault := testutil.NewFaultStore(store)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fault.BeforeCreate = func(string) error {
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
		return nil
	}
	journal := testutil.NewTestJournal(t)
	in := newTestInstaller(fault, journal)

	results := startInstall(t, in, target)
	<-entered
	in.Cancel()
	close(release)
	in.Wait()

	assertNoResult(t, results)
	assertSettled(t, store, oldPackage)
	if in.State() != mlc.Idle {
		t.Errorf("State() = %v, want idle", in.State())
	}

	ops, err := journal.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	statuses := map[mlc.OperationKind]mlc.OperationStatus{}
	for _, op := range ops {
		statuses[op.Kind] = op.Status
	}
	if statuses[mlc.OpInstall] != mlc.StatusCancelled || statuses[mlc.OpRollback] != mlc.StatusFinished {
		t.Errorf("journal statuses = %v", statuses)
	}
}

func TestInstaller_NextInstallWaitsForRollback(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, target)
	seedNewPackage(store)
	fault := testutil.NewFaultStore(store)

	var mu sync.Mutex
	failCopy := true
	fault.BeforeCreate = func(path string) error {
		mu.Lock()
		defer mu.Unlock()
		if failCopy && strings.HasSuffix(path, "info.txt") {
			return errors.New("disk error")
		}
		return nil
	}
	rollbackEntered := make(chan struct{})
	releaseRollback := make(chan struct{})
	var once sync.Once
	fault.BeforeDelete = func(path string) error {
		if strings.Contains(path, ".quarantine-") {
			once.Do(func() {
				close(rollbackEntered)
				<-releaseRollback
			})
		}
		return nil
	}
	in := newTestInstaller(fault, nil)

	if r := awaitResult(t, startInstall(t, in, target)); r.outcome != mlc.InstallError {
		t.Fatalf("first install outcome = %v, want error", r.outcome)
	}
	<-rollbackEntered
	if in.State() != mlc.CleaningUp {
		t.Errorf("State() = %v, want cleaning up", in.State())
	}

	mu.Lock()
	failCopy = false
	mu.Unlock()
	second := startInstall(t, in, target)

	select {
	case r := <-second:
		t.Fatalf("second install settled (%v) before the rollback finished", r.outcome)
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseRollback)
	if r := awaitResult(t, second); r.outcome != mlc.InstallFinished {
		t.Fatalf("second install outcome = %v, %v", r.outcome, r.err)
	}
	in.Wait()
	assertSettled(t, store, newPackage)
}

func TestInstaller_CommitSurvivesBackupDeletionFailure(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, target)
	seedNewPackage(store)
	fault := testutil.NewFaultStore(store)
	fault.BeforeRename = func(oldPath, _ string) error {
		if oldPath == mlc.BackupSlot(target) {
			return errors.New("read-only filesystem")
		}
		return nil
	}
	in := newTestInstaller(fault, nil)

	r := awaitResult(t, startInstall(t, in, target))
	if r.outcome != mlc.InstallFinished || r.err != nil {
		t.Fatalf("outcome = %v, %v; want finished", r.outcome, r.err)
	}
	in.Wait()

	if got := store.Tree(target); !maps.Equal(got, newPackage) {
		t.Errorf("target = %v, want %v", got, newPackage)
	}
	st, err := in.Swapper().Inspect(t.Context(), target)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if !st.BackupExists || st.NeedsRecovery() {
		t.Errorf("Inspect() = %+v, want a committed backup", st)
	}

	fault.BeforeRename = nil
	actions := make(chan mlc.ReconcileAction, 1)
	if !in.Recover(target, func(a mlc.ReconcileAction, err error) {
		if err != nil {
			t.Errorf("Recover() error = %v", err)
		}
		actions <- a
	}) {
		t.Fatal("Recover() = false")
	}
	in.Wait()
	if a := <-actions; a != mlc.ReconcileDiscarded {
		t.Errorf("Recover() action = %v, want discarded", a)
	}
	assertSettled(t, store, newPackage)
}

func TestInstaller_RollbackFailureIsJournaled(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, target)
	seedNewPackage(store)
	fault := testutil.NewFaultStore(store)
	fault.BeforeCreate = func(path string) error {
		if strings.HasSuffix(path, "info.txt") {
			return errors.New("disk error")
		}
		return nil
	}
	fault.BeforeRename = func(oldPath, _ string) error {
		if oldPath == mlc.BackupSlot(target) {
			return errors.New("io error")
		}
		return nil
	}
	journal := testutil.NewTestJournal(t)
	in := newTestInstaller(fault, journal)

	r := awaitResult(t, startInstall(t, in, target))
	if r.outcome != mlc.InstallError || !errors.Is(r.err, mlc.ErrCopy) {
		t.Fatalf("outcome = %v, %v; want copy error", r.outcome, r.err)
	}
	in.Wait()

	ops, err := journal.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	found := false
	for _, op := range ops {
		if op.Kind == mlc.OpRollback && op.Status == mlc.StatusRollbackFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("journal = %+v, want a rollback_failed row", ops)
	}

	fault.BeforeRename = nil
	fault.BeforeCreate = nil
	done := make(chan struct{})
	in.Recover(target, func(a mlc.ReconcileAction, err error) {
		if err != nil || a != mlc.ReconcileRestored {
			t.Errorf("Recover() = %v, %v; want restored", a, err)
		}
		close(done)
	})
	<-done
	in.Wait()
	if got := store.Tree(target); !maps.Equal(got, oldPackage) {
		t.Errorf("target = %v, want %v", got, oldPackage)
	}
}

func TestInstaller_RecoverInterruptedInstall(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, mlc.BackupSlot(target))
	store.AddFile(target+"/code/half.bin", "partial")
	in := newTestInstaller(store, nil)

	actions := make(chan mlc.ReconcileAction, 1)
	in.Recover(target, func(a mlc.ReconcileAction, err error) {
		if err != nil {
			t.Errorf("Recover() error = %v", err)
		}
		actions <- a
	})
	in.Wait()

	if a := <-actions; a != mlc.ReconcileRestored {
		t.Errorf("Recover() action = %v, want restored", a)
	}
	assertSettled(t, store, oldPackage)
}

func TestInstaller_InstallAfterCrashKeepsPreviousPackageSafe(t *testing.T) {
	store := testutil.NewMemoryStore()
	seedOldPackage(store, mlc.BackupSlot(target))
	store.AddFile(target+"/code/half.bin", "partial")
	seedNewPackage(store)
	store.SetFreeSpace(1)
	in := newTestInstaller(store, nil)

	r := awaitResult(t, startInstall(t, in, target))
	if !errors.Is(r.err, mlc.ErrPreflight) {
		t.Fatalf("outcome = %v, %v; want preflight error", r.outcome, r.err)
	}
	in.Wait()

	st, err := in.Swapper().Inspect(t.Context(), target)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if !st.NeedsRecovery() {
		t.Errorf("Inspect() = %+v, want backup still awaiting recovery", st)
	}

	store.SetFreeSpace(1 << 20)
	if r := awaitResult(t, startInstall(t, in, target)); r.outcome != mlc.InstallFinished {
		t.Fatalf("outcome = %v, %v; want finished", r.outcome, r.err)
	}
	in.Wait()
	assertSettled(t, store, newPackage)
}
