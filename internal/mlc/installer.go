package mlc

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// InstallOutcome is the result reported to an install callback.
type InstallOutcome int

const (
	InstallFinished InstallOutcome = iota
	InstallError
)

func (o InstallOutcome) String() string {
	if o == InstallFinished {
		return "finished"
	}
	return "error"
}

// InstallCallback receives the outcome of an install. err carries the cause
// and is nil for InstallFinished.
type InstallCallback func(outcome InstallOutcome, err error)

// RecoverCallback receives the result of a recovery.
type RecoverCallback func(action ReconcileAction, err error)

// State is the lifecycle state of an Installer.
type State int

const (
	// Idle means no install and no cleanup is running.
	Idle State = iota
	// Installing means an install job is live. Further installs are refused.
	Installing
	// CleaningUp means no install is live but at least one rollback or
	// recovery is still running.
	CleaningUp
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case CleaningUp:
		return "cleaning up"
	default:
		return "idle"
	}
}

// job is a handle on one background task. A nil job is already finished.
type job struct {
	done chan struct{}
}

func newJob() *job {
	return &job{done: make(chan struct{})}
}

func (j *job) finish() {
	close(j.done)
}

func (j *job) wait() {
	if j != nil {
		<-j.done
	}
}

// waitCtx waits for j or ctx, whichever comes first.
func (j *job) waitCtx(ctx context.Context) error {
	if j == nil {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Installer installs packages into a ContentStore with backup-swap semantics
// and serializes installs against the rollbacks of earlier attempts.
//
// A new install first waits for the previous install job, then for the
// cleanup job current at that moment, before it touches anything. Rollbacks
// and recoveries run on a chain of cleanup jobs, each waiting for the one
// before it.
type Installer struct {
	resolver   Resolver
	store      ContentStore
	enumerator *Enumerator
	swapper    *Swapper
	copier     *Copier
	journal    Journal
	locker     Locker
	logger     Logger
	progress   *Publisher[InstallProgress]

	mu         sync.Mutex
	state      State
	cleanups   int
	cancel     context.CancelFunc
	installJob *job
	cleanupJob *job
}

// NewInstaller creates an Installer writing into store. Sources are resolved
// through resolver. bufferSize <= 0 means DefaultBufferSize.
func NewInstaller(resolver Resolver, store ContentStore, enumerator *Enumerator, journal Journal, locker Locker, logger Logger, idgen IDGenerator, bufferSize int) *Installer {
	return &Installer{
		resolver:   resolver,
		store:      store,
		enumerator: enumerator,
		swapper:    NewSwapper(store, idgen, logger),
		copier:     NewCopier(store, bufferSize),
		journal:    journal,
		locker:     locker,
		logger:     logger,
		progress:   NewPublisher[InstallProgress](),
	}
}

// Progress returns the publisher of the active install's byte progress.
// It is cleared while enumerating and after the install settles.
func (in *Installer) Progress() *Publisher[InstallProgress] {
	return in.progress
}

// Swapper returns the swapper operating on the installer's store.
func (in *Installer) Swapper() *Swapper {
	return in.swapper
}

// State returns the current lifecycle state.
func (in *Installer) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Install starts installing the package at src into target and returns true.
// While another install is live it does nothing and returns false; cb is not
// called in that case.
//
// cb is called once from the install goroutine: with InstallFinished after a
// commit, or with InstallError and the cause. A cancelled install rolls back
// silently and never calls cb. cb may be nil. The job is not finished until
// cb returns, so cb must not call Wait.
func (in *Installer) Install(src Location, target string, cb InstallCallback) bool {
	in.mu.Lock()
	if in.state == Installing {
		in.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := in.installJob
	j := newJob()
	in.installJob = j
	in.cancel = cancel
	in.state = Installing
	in.mu.Unlock()

	go in.runInstall(ctx, cancel, j, prev, src, target, cb)
	return true
}

// Cancel cancels the live install, if any. It returns without waiting for
// the rollback; the next install waits for it instead.
func (in *Installer) Cancel() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		in.cancel()
	}
}

// Wait blocks until the latest install and every cleanup scheduled so far
// have finished.
func (in *Installer) Wait() {
	for {
		in.mu.Lock()
		ij, cj := in.installJob, in.cleanupJob
		in.mu.Unlock()

		ij.wait()
		cj.wait()

		in.mu.Lock()
		settled := ij == in.installJob && cj == in.cleanupJob
		in.mu.Unlock()
		if settled {
			return
		}
	}
}

// Recover reconciles a backup slot left behind by an interrupted install of
// target, restoring the previous package when the install never committed.
// It runs on the cleanup chain and returns false while an install is live.
// As with Install, cb must not call Wait.
func (in *Installer) Recover(target string, cb RecoverCallback) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == Installing {
		return false
	}

	var action ReconcileAction
	ij := in.installJob
	in.scheduleCleanupLocked(target, func(ctx context.Context) error {
		ij.wait()
		id := journalStart(in.journal, in.logger, OpRecover, "", target)
		var err error
		action, err = in.swapper.Reconcile(ctx, target)
		if err != nil {
			in.logger.Error("recovery failed", "target", target, "error", err)
			journalFinish(in.journal, in.logger, id, StatusError, err)
			return err
		}
		in.logger.Info("recovery finished", "target", target, "action", action.String())
		journalFinish(in.journal, in.logger, id, StatusFinished, nil)
		return nil
	}, func(err error) {
		if cb != nil {
			cb(action, err)
		}
	})
	in.settleLocked()
	return true
}

func (in *Installer) runInstall(ctx context.Context, cancel context.CancelFunc, j, prev *job, src Location, target string, cb InstallCallback) {
	defer j.finish()
	defer cancel()

	id := journalStart(in.journal, in.logger, OpInstall, src.String(), target)
	started, err := in.install(ctx, prev, src, target)
	cancelled := errors.Is(err, context.Canceled)

	switch {
	case err == nil:
		in.logger.Info("install finished", "source", src.String(), "target", target)
		journalFinish(in.journal, in.logger, id, StatusFinished, nil)
	case cancelled:
		in.logger.Info("install cancelled", "source", src.String(), "target", target, "rollback", started)
		journalFinish(in.journal, in.logger, id, StatusCancelled, nil)
	default:
		in.logger.Error("install failed", "source", src.String(), "target", target, "rollback", started, "error", err)
		journalFinish(in.journal, in.logger, id, StatusError, err)
	}

	in.mu.Lock()
	in.progress.Clear()
	in.cancel = nil
	if err != nil && started {
		in.scheduleCleanupLocked(target, func(ctx context.Context) error {
			return in.rollback(ctx, target)
		}, nil)
	}
	in.settleLocked()
	in.mu.Unlock()

	if cb == nil || cancelled {
		return
	}
	if err != nil {
		cb(InstallError, err)
		return
	}
	cb(InstallFinished, nil)
}

// install runs the protocol for one attempt. started reports whether the
// previous package had been moved aside, which means a rollback is required
// on failure.
func (in *Installer) install(ctx context.Context, prev *job, src Location, target string) (started bool, err error) {
	if err := prev.waitCtx(ctx); err != nil {
		return false, err
	}
	in.mu.Lock()
	cleanup := in.cleanupJob
	in.mu.Unlock()
	if err := cleanup.waitCtx(ctx); err != nil {
		return false, err
	}

	source, err := in.resolver.Storage(src)
	if err != nil {
		return false, phaseError(ErrEnumeration, fmt.Errorf("resolving source %s: %w", src, err))
	}

	unlock, err := in.locker.Lock(ctx, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, phaseError(ErrPreflight, fmt.Errorf("locking target: %w", err))
	}
	defer func() {
		if err := unlock(); err != nil {
			in.logger.Warn("releasing target lock failed", "target", target, "error", err)
		}
	}()

	plan, err := in.enumerator.Plan(ctx, source, src.Path, target)
	if err != nil {
		return false, err
	}
	in.logger.Debug("source enumerated", "entries", plan.Len(), "bytes", plan.TotalBytes())

	if err := Preflight(ctx, in.store, plan.TotalBytes(), target); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := in.swapper.Begin(ctx, target); err != nil {
		return false, phaseError(ErrSwap, err)
	}

	in.progress.Publish(InstallProgress{TotalBytes: plan.TotalBytes()})
	if err := in.copier.Copy(ctx, plan, in.progress.Publish); err != nil {
		return true, err
	}

	// Every file is written; the install stands even if cleanup of the
	// backup fails or the caller cancels now.
	if err := in.swapper.Commit(context.WithoutCancel(ctx), target); err != nil {
		in.logger.Warn("removing backup slot failed", "target", target, "error", err)
	}
	return true, nil
}

func (in *Installer) rollback(ctx context.Context, target string) error {
	id := journalStart(in.journal, in.logger, OpRollback, "", target)
	if err := in.swapper.Rollback(ctx, target); err != nil {
		in.logger.Error("rollback failed, manual recovery may be required", "target", target, "error", err)
		journalFinish(in.journal, in.logger, id, StatusRollbackFailed, err)
		return err
	}
	in.logger.Info("rollback finished", "target", target)
	journalFinish(in.journal, in.logger, id, StatusFinished, nil)
	return nil
}

// scheduleCleanupLocked starts run on a new cleanup job chained after the
// current one. run holds the target lock and uses a context that is never
// cancelled. done, if set, is called after the job finished.
func (in *Installer) scheduleCleanupLocked(target string, run func(context.Context) error, done func(error)) {
	prev := in.cleanupJob
	j := newJob()
	in.cleanupJob = j
	in.cleanups++

	go func() {
		prev.wait()

		ctx := context.Background()
		var err error
		unlock, lockErr := in.locker.Lock(ctx, target)
		if lockErr != nil {
			err = fmt.Errorf("locking target: %w", lockErr)
			in.logger.Error("cleanup could not lock target", "target", target, "error", lockErr)
		} else {
			err = run(ctx)
			if unlockErr := unlock(); unlockErr != nil {
				in.logger.Warn("releasing target lock failed", "target", target, "error", unlockErr)
			}
		}

		in.mu.Lock()
		in.cleanups--
		if in.state != Installing {
			in.settleLocked()
		}
		in.mu.Unlock()

		if done != nil {
			done(err)
		}
		j.finish()
	}()
}

func (in *Installer) settleLocked() {
	if in.cleanups > 0 {
		in.state = CleaningUp
	} else {
		in.state = Idle
	}
}
