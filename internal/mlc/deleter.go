package mlc

import (
	"context"
	"fmt"
	"sync"
)

// DeleteResult is the result reported to a delete callback.
type DeleteResult int

const (
	DeleteFinished DeleteResult = iota
	DeleteError
)

func (r DeleteResult) String() string {
	if r == DeleteFinished {
		return "finished"
	}
	return "error"
}

// DeleteCallback receives the result of a delete and its cause on error.
type DeleteCallback func(result DeleteResult, err error)

// Deleter removes installed packages, whichever location variant they live
// behind. Deletion cannot be cancelled once started.
type Deleter struct {
	resolver Resolver
	journal  Journal
	logger   Logger
	ids      IDGenerator

	mu      sync.Mutex
	pending bool
	last    *job
}

// NewDeleter creates a Deleter. ids names the quarantine a local backup slot
// is retired to.
func NewDeleter(resolver Resolver, journal Journal, logger Logger, ids IDGenerator) *Deleter {
	return &Deleter{resolver: resolver, journal: journal, logger: logger, ids: ids}
}

// Delete starts removing loc and everything beneath it and returns true.
// While another delete is pending it does nothing and returns false.
// cb is called once when the delete settled; it must not call Wait.
func (d *Deleter) Delete(loc Location, cb DeleteCallback) bool {
	d.mu.Lock()
	if d.pending {
		d.mu.Unlock()
		return false
	}
	d.pending = true
	j := newJob()
	d.last = j
	d.mu.Unlock()

	go func() {
		defer j.finish()

		id := journalStart(d.journal, d.logger, OpDelete, "", loc.String())
		err := d.delete(context.Background(), loc)
		if err != nil {
			d.logger.Error("delete failed", "location", loc.String(), "error", err)
			journalFinish(d.journal, d.logger, id, StatusError, err)
		} else {
			d.logger.Info("delete finished", "location", loc.String())
			journalFinish(d.journal, d.logger, id, StatusFinished, nil)
		}

		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()

		if cb == nil {
			return
		}
		if err != nil {
			cb(DeleteError, err)
			return
		}
		cb(DeleteFinished, nil)
	}()
	return true
}

// Pending reports whether a delete is running.
func (d *Deleter) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Wait blocks until the most recent delete finished.
func (d *Deleter) Wait() {
	d.mu.Lock()
	j := d.last
	d.mu.Unlock()
	j.wait()
}

// delete resolves loc once and removes it. A local target loses its backup
// slot and commit marker first, so a later recovery finds nothing to restore.
// A panic inside a storage implementation is reported as an error.
func (d *Deleter) delete(ctx context.Context, loc Location) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deleting %s: panic: %v", loc, r)
		}
	}()

	storage, err := d.resolver.Storage(loc)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", loc, err)
	}
	if loc.Kind == LocalPath {
		if err := d.discardBackup(ctx, storage, loc.Path); err != nil {
			return fmt.Errorf("deleting %s: %w", loc, err)
		}
	}
	if err := storage.Delete(ctx, loc.Path); err != nil {
		return fmt.Errorf("deleting %s: %w", loc, err)
	}
	return nil
}

// discardBackup removes the swap artifacts of target. On a ContentStore the
// backup slot is committed and retired the way a finished install does it, so
// an interrupted delete never leaves an unmarked, partial backup slot.
func (d *Deleter) discardBackup(ctx context.Context, storage Storage, target string) error {
	if cs, ok := storage.(ContentStore); ok {
		if err := NewSwapper(cs, d.ids, d.logger).Commit(ctx, target); err != nil {
			return fmt.Errorf("discarding backup slot: %w", err)
		}
	} else if err := storage.Delete(ctx, BackupSlot(target)); err != nil {
		return fmt.Errorf("deleting backup slot: %w", err)
	}
	if err := storage.Delete(ctx, CommitMarkerPath(target)); err != nil {
		return fmt.Errorf("removing commit marker: %w", err)
	}
	return nil
}
