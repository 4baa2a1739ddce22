// Package intake implements the portal's property-data sync ledger:
// staged uploads, the approved-changes audit log, and the rollback log,
// with a REST surface consumed by the dashboard UI.
package intake

import (
	"context"
	"errors"
	"time"
)

// Upload statuses.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
)

// Log type tags used in combined exports.
const (
	LogStaged     = "staged"
	LogApproved   = "approved"
	LogRolledBack = "rolled_back"
)

// ErrNotFound is returned when an upload id is absent from the queried log.
var ErrNotFound = errors.New("intake: upload not found")

// Record is one ledger entry. The same shape flows through the staging,
// audit, and rollback logs, mirroring the dashboard's export format.
type Record struct {
	UploadID  string
	Timestamp time.Time
	Filename  string
	SHA256    string
	PropID    string
	Status    string
	FilePath  string
}

// Store persists the three sync logs.
//
// Requirements:
//   - Stage appends to the staging log
//   - Approve marks the staged row APPROVED and copies it to the audit log
//     as one atomic step
//   - Rollback moves a row from the audit log to the rollback log
type Store interface {
	Stage(ctx context.Context, rec Record) error
	AppendAudit(ctx context.Context, rec Record) error

	GetStaged(ctx context.Context, uploadID string) (Record, error)
	ListStaged(ctx context.Context) ([]Record, error)

	Approve(ctx context.Context, uploadID string) (Record, error)
	Rollback(ctx context.Context, uploadID string) (Record, error)

	// Logs returns snapshots of all three logs for export.
	Logs(ctx context.Context) (staged, approved, rolledBack []Record, err error)

	Close() error
}
