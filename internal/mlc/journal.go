package mlc

import (
	"database/sql"
	"time"
)

// OperationKind names a journaled operation.
type OperationKind string

const (
	OpInstall  OperationKind = "install"
	OpRollback OperationKind = "rollback"
	OpRecover  OperationKind = "recover"
	OpDelete   OperationKind = "delete"
	OpCompress OperationKind = "compress"
)

// OperationStatus is the lifecycle state of a journaled operation.
type OperationStatus string

const (
	StatusStarted        OperationStatus = "started"
	StatusFinished       OperationStatus = "finished"
	StatusError          OperationStatus = "error"
	StatusCancelled      OperationStatus = "cancelled"
	StatusRollbackFailed OperationStatus = "rollback_failed"
)

// Operation is one journal row.
type Operation struct {
	ID         int64
	Kind       OperationKind
	Target     string
	Source     string
	Status     OperationStatus
	Detail     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

// Journal records every operation the drivers run, so that interrupted work
// and failed rollbacks can be found after the fact.
type Journal interface {
	// StartOperation records a new operation in the started state and returns its ID.
	StartOperation(kind OperationKind, source, target string) (int64, error)

	// FinishOperation records the final status of an operation.
	FinishOperation(id int64, status OperationStatus, detail string) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(limit int) ([]*Operation, error)

	// Close releases the journal's resources.
	Close() error
}

// NopJournal records nothing.
type NopJournal struct{}

func (NopJournal) StartOperation(OperationKind, string, string) (int64, error) { return 0, nil }
func (NopJournal) FinishOperation(int64, OperationStatus, string) error       { return nil }
func (NopJournal) ListOperations(int) ([]*Operation, error)                   { return nil, nil }
func (NopJournal) Close() error                                                { return nil }

// journalStart and journalFinish keep journal failures from affecting the
// operation being journaled.
func journalStart(j Journal, logger Logger, kind OperationKind, source, target string) int64 {
	id, err := j.StartOperation(kind, source, target)
	if err != nil {
		logger.Warn("journal start failed", "kind", string(kind), "target", target, "error", err)
		return 0
	}
	return id
}

func journalFinish(j Journal, logger Logger, id int64, status OperationStatus, cause error) {
	if id == 0 {
		return
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := j.FinishOperation(id, status, detail); err != nil {
		logger.Warn("journal finish failed", "id", id, "status", string(status), "error", err)
	}
}
