package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures persistence.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "" or "none": storage disabled (engine runs memory-only)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// BatchRecord is the durable form of a scheduled batch.
type BatchRecord struct {
	ID       string
	ChatID   int64
	UserID   int64
	State    string // pending | in_progress | completed | cancelled
	Interval time.Duration

	CreatedAt   time.Time
	CompletedAt time.Time // zero until terminal
}

// JobRecord is one scheduled-but-undelivered send. PostJSON carries the
// serialized post so a restart can rebuild the in-memory queue without a
// second lookup.
type JobRecord struct {
	ID        string
	BatchID   string
	ChatID    int64
	PostID    string
	PostJSON  string
	NotBefore time.Time
	Attempt   int
	Seq       int64
}

// Store is the persistence boundary: scheduled jobs, batch lifecycle and
// sent-media fingerprints must survive a process restart.
type Store interface {
	SaveBatch(ctx context.Context, b BatchRecord) error
	UpdateBatchState(ctx context.Context, id, state string, completedAt time.Time) error
	ListBatches(ctx context.Context, states ...string) ([]BatchRecord, error)
	PruneBatches(ctx context.Context, olderThan time.Time) (int, error)

	SaveJobs(ctx context.Context, jobs []JobRecord) error
	UpdateJob(ctx context.Context, id string, notBefore time.Time, attempt int) error
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsForBatch(ctx context.Context, batchID string) (int, error)
	ListPendingJobs(ctx context.Context) ([]JobRecord, error)

	AppendFingerprint(ctx context.Context, chatID int64, hash uint64, at time.Time) error
	ListFingerprints(ctx context.Context) (map[int64][]uint64, error)

	Close() error
}
