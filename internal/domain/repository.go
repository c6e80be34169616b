package domain

import (
	"context"
	"time"
)

// Store is the durable state behind the enhancement pipeline. Reads outside
// InTx observe committed state only.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetJob(ctx context.Context, jobID string) (*Job, error)
	JobImages(ctx context.Context, jobID string) ([]Image, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]Job, error)
	JobLedger(ctx context.Context, jobID string) ([]LedgerEntry, error)
	Balance(ctx context.Context, userID string) (int64, error)

	// ClaimPending atomically moves up to limit pending images to processing,
	// oldest job first and by ordinal within a job, skipping users that already
	// have perUser images in flight. perUser <= 0 disables the per-user cap.
	ClaimPending(ctx context.Context, limit, perUser int) ([]DispatchItem, error)
	// StaleProcessing lists processing images started before the cutoff.
	StaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]Image, error)
}

// Tx is a unit of work. Every balance-affecting write happens inside one.
type Tx interface {
	// LockAccount serializes balance-affecting work for a user until commit.
	LockAccount(ctx context.Context, userID string) error
	Balance(ctx context.Context, userID string) (int64, error)
	// AppendLedger inserts the entry unless its idempotency key already exists,
	// in which case it reports false and writes nothing.
	AppendLedger(ctx context.Context, entry *LedgerEntry) (bool, error)
	LedgerByKey(ctx context.Context, key string) (*LedgerEntry, error)
	ReservationEntries(ctx context.Context, reservationID string) ([]LedgerEntry, error)

	GetTemplate(ctx context.Context, templateID string) (*Template, error)

	InsertJob(ctx context.Context, job *Job) error
	InsertImages(ctx context.Context, images []Image) error
	// LockJob loads the job and holds it against concurrent writers until commit.
	LockJob(ctx context.Context, jobID string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	JobImages(ctx context.Context, jobID string) ([]Image, error)
	UpdateImage(ctx context.Context, img *Image) error
}
