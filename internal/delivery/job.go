package delivery

import (
	"context"
	"time"

	"chanpost/internal/fingerprint"
	"chanpost/internal/transport"
)

// Job is one scheduled delivery attempt for a post.
type Job struct {
	ID      string
	BatchID string
	Dest    transport.Destination
	Post    transport.Post

	// NotBefore is the earliest dispatch instant. The scheduler guarantees
	// it already respects the rate limiter at admission time; retries push
	// it forward by the backoff delay.
	NotBefore time.Time
	Attempt   int

	// seq is the insertion sequence assigned by the queue, the stable
	// tie-break for jobs sharing a NotBefore.
	seq int64
}

type Outcome int

const (
	// OutcomeSent: the external send succeeded.
	OutcomeSent Outcome = iota
	// OutcomeDuplicate: skipped as a synthetic success; identical media was
	// already delivered to the destination, send was never invoked.
	OutcomeDuplicate
	// OutcomeFailed: permanent failure or retries exhausted.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the terminal report for a job. Transient failures that will
// be retried never produce one.
type Result struct {
	Job     Job
	Outcome Outcome
	Ref     transport.MessageRef
	Err     error
	At      time.Time
}

// ProgressSink receives dispatch lifecycle reports for batch bookkeeping.
// JobStarted fires when a job is popped for dispatch; JobFinished fires
// exactly once per job, on its terminal outcome.
type ProgressSink interface {
	JobStarted(ctx context.Context, job Job)
	JobFinished(ctx context.Context, res Result)
}

// DuplicateChecker is the pre-send gate: it catches duplicates introduced
// by a second batch scheduled concurrently with the first.
type DuplicateChecker interface {
	IsDuplicate(dest transport.Destination, hash fingerprint.Hash) bool
	Record(ctx context.Context, dest transport.Destination, hash fingerprint.Hash) error
}

// JobStore is the slice of persistence the queue touches on its own:
// retry reschedules and terminal removals. Nil disables persistence.
type JobStore interface {
	UpdateJob(ctx context.Context, id string, notBefore time.Time, attempt int) error
	DeleteJob(ctx context.Context, id string) error
}
