package mlc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// BackupSuffix names the slot that holds the previous install while a new
	// one is being written. Its presence without a commit marker means an
	// install was interrupted.
	BackupSuffix = ".backup"

	// CommitSuffix is appended to the backup slot path to name the commit
	// marker. The marker is a sibling file written once the new install is
	// complete and removed only after the backup slot is gone.
	CommitSuffix = ".committed"

	quarantineInfix = ".quarantine-"
)

// BackupSlot returns the backup slot path for target.
func BackupSlot(target string) string {
	return target + BackupSuffix
}

// CommitMarkerPath returns the commit marker path for target.
func CommitMarkerPath(target string) string {
	return BackupSlot(target) + CommitSuffix
}

// QuarantinePath returns a unique sibling of target used to park a partial
// install during rollback.
func QuarantinePath(target, id string) string {
	return target + quarantineInfix + id
}

// IsSwapArtifact reports whether path names the backup slot, commit marker or
// a quarantine of some other target.
func IsSwapArtifact(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, BackupSuffix) ||
		strings.HasSuffix(base, BackupSuffix+CommitSuffix) ||
		strings.Contains(base, quarantineInfix)
}

// ReconcileAction reports what Reconcile did.
type ReconcileAction int

const (
	// ReconcileNone means there was no backup slot.
	ReconcileNone ReconcileAction = iota
	// ReconcileRestored means an interrupted install was rolled back.
	ReconcileRestored
	// ReconcileDiscarded means a committed backup was left over and deleted.
	ReconcileDiscarded
)

func (a ReconcileAction) String() string {
	switch a {
	case ReconcileRestored:
		return "restored"
	case ReconcileDiscarded:
		return "discarded"
	default:
		return "none"
	}
}

// Swapper performs the rename dance that keeps the previous install safe
// while a new one is written.
//
// At any quiescent moment at most one of {target, backup slot} holds a
// package that has not been superseded: an uncommitted backup slot is the
// valid package and target is partial; otherwise target is valid.
type Swapper struct {
	store  ContentStore
	ids    IDGenerator
	logger Logger
}

// NewSwapper creates a Swapper over store.
func NewSwapper(store ContentStore, ids IDGenerator, logger Logger) *Swapper {
	return &Swapper{store: store, ids: ids, logger: logger}
}

// Begin prepares target for a fresh install. A leftover backup slot is
// reconciled first, then an existing target is renamed into the backup slot.
// When Begin returns nil, target does not exist and the caller may write it.
func (s *Swapper) Begin(ctx context.Context, target string) error {
	if _, err := s.Reconcile(ctx, target); err != nil {
		return fmt.Errorf("reconciling previous install: %w", err)
	}

	exists, err := s.store.Exists(ctx, target)
	if err != nil {
		return fmt.Errorf("checking target: %w", err)
	}
	if !exists {
		return nil
	}

	if err := s.store.Rename(ctx, target, BackupSlot(target)); err != nil {
		return fmt.Errorf("moving previous install to backup slot: %w", err)
	}
	s.logger.Debug("previous install moved to backup slot", "target", target)
	return nil
}

// Commit discards the backup slot after a successful install. The commit
// marker is written first, then the backup slot is renamed to a quarantine
// path and deleted from there. A backup slot that survives any failure in
// between still has its marker next to it and is recognized as stale. The
// install is complete whatever Commit returns.
func (s *Swapper) Commit(ctx context.Context, target string) error {
	exists, err := s.store.Exists(ctx, BackupSlot(target))
	if err != nil {
		return fmt.Errorf("checking backup slot: %w", err)
	}
	if !exists {
		return nil
	}

	var errs []error
	if err := s.markCommitted(ctx, target); err != nil {
		errs = append(errs, fmt.Errorf("writing commit marker: %w", err))
	}
	parked, err := s.retire(ctx, target)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := s.store.Delete(ctx, parked); err != nil {
		errs = append(errs, fmt.Errorf("deleting retired backup %s: %w", parked, err))
	}
	return errors.Join(errs...)
}

func (s *Swapper) markCommitted(ctx context.Context, target string) error {
	w, err := s.store.Create(ctx, CommitMarkerPath(target))
	if err != nil {
		return err
	}
	return w.Close()
}

// retire renames a committed backup slot to a fresh quarantine path and then
// removes the commit marker. The rename is atomic, so the slot is either
// intact with its marker or gone. The marker outlives the slot on failure.
func (s *Swapper) retire(ctx context.Context, target string) (string, error) {
	parked := QuarantinePath(target, s.ids.New())
	if err := s.store.Rename(ctx, BackupSlot(target), parked); err != nil {
		return "", fmt.Errorf("retiring backup slot: %w", err)
	}
	if err := s.store.Delete(ctx, CommitMarkerPath(target)); err != nil {
		return parked, fmt.Errorf("removing commit marker: %w", err)
	}
	return parked, nil
}

// Rollback discards a partial install and restores the backup slot.
// The partial target is first renamed to a unique quarantine path, then the
// backup is renamed back to target, and only then is the quarantine deleted.
// A crash between any two steps leaves either a restorable backup slot or a
// restored target plus an orphan quarantine directory.
func (s *Swapper) Rollback(ctx context.Context, target string) error {
	backup := BackupSlot(target)

	targetExists, err := s.store.Exists(ctx, target)
	if err != nil {
		return phaseError(ErrRollback, fmt.Errorf("checking target: %w", err))
	}
	quarantine := ""
	if targetExists {
		quarantine = QuarantinePath(target, s.ids.New())
		if err := s.store.Rename(ctx, target, quarantine); err != nil {
			return phaseError(ErrRollback, fmt.Errorf("quarantining partial install: %w", err))
		}
	}

	backupExists, err := s.store.Exists(ctx, backup)
	if err != nil {
		return phaseError(ErrRollback, fmt.Errorf("checking backup slot: %w", err))
	}
	if backupExists {
		if err := s.store.Rename(ctx, backup, target); err != nil {
			return phaseError(ErrRollback, fmt.Errorf("restoring backup slot: %w", err))
		}
		s.logger.Info("previous install restored", "target", target)
	}

	if quarantine != "" {
		if err := s.store.Delete(ctx, quarantine); err != nil {
			return phaseError(ErrRollback, fmt.Errorf("deleting quarantine %s: %w", quarantine, err))
		}
	}
	return nil
}

// Reconcile resolves a backup slot left by an earlier process. An uncommitted
// backup is the valid package and is restored exactly as a rollback would; a
// committed one is stale and is deleted. A commit marker without a backup
// slot is removed. When Reconcile returns nil, no commit marker exists.
func (s *Swapper) Reconcile(ctx context.Context, target string) (ReconcileAction, error) {
	exists, err := s.store.Exists(ctx, BackupSlot(target))
	if err != nil {
		return ReconcileNone, fmt.Errorf("checking backup slot: %w", err)
	}
	committed, err := s.store.Exists(ctx, CommitMarkerPath(target))
	if err != nil {
		return ReconcileNone, fmt.Errorf("checking commit marker: %w", err)
	}

	switch {
	case !exists && committed:
		if err := s.store.Delete(ctx, CommitMarkerPath(target)); err != nil {
			return ReconcileNone, fmt.Errorf("removing stale commit marker: %w", err)
		}
		return ReconcileNone, nil
	case !exists:
		return ReconcileNone, nil
	case committed:
		parked, err := s.retire(ctx, target)
		if err != nil {
			return ReconcileNone, fmt.Errorf("discarding stale backup slot: %w", err)
		}
		if err := s.store.Delete(ctx, parked); err != nil {
			s.logger.Warn("deleting retired backup failed", "path", parked, "error", err)
		}
		s.logger.Info("stale backup slot deleted", "target", target)
		return ReconcileDiscarded, nil
	}

	s.logger.Warn("interrupted install found, restoring backup", "target", target)
	if err := s.Rollback(ctx, target); err != nil {
		return ReconcileNone, err
	}
	return ReconcileRestored, nil
}

// TargetState describes the on-disk artifacts for one target.
type TargetState struct {
	Target          string
	TargetExists    bool
	BackupExists    bool
	BackupCommitted bool // commit marker present
	Quarantines     []string
}

// NeedsRecovery reports whether an interrupted install must be rolled back.
func (st *TargetState) NeedsRecovery() bool {
	return st.BackupExists && !st.BackupCommitted
}

// Inspect reports the state of target without changing anything.
func (s *Swapper) Inspect(ctx context.Context, target string) (*TargetState, error) {
	st := &TargetState{Target: target}
	var err error

	if st.TargetExists, err = s.store.Exists(ctx, target); err != nil {
		return nil, fmt.Errorf("checking target: %w", err)
	}
	if st.BackupExists, err = s.store.Exists(ctx, BackupSlot(target)); err != nil {
		return nil, fmt.Errorf("checking backup slot: %w", err)
	}
	if st.BackupCommitted, err = s.store.Exists(ctx, CommitMarkerPath(target)); err != nil {
		return nil, fmt.Errorf("checking commit marker: %w", err)
	}

	parent := filepath.Dir(target)
	parentExists, err := s.store.Exists(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("checking parent: %w", err)
	}
	if !parentExists {
		return st, nil
	}
	siblings, err := s.store.List(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", parent, err)
	}
	prefix := filepath.Base(target) + quarantineInfix
	for _, n := range siblings {
		if strings.HasPrefix(n.Name, prefix) {
			st.Quarantines = append(st.Quarantines, filepath.Join(parent, n.Name))
		}
	}
	return st, nil
}
