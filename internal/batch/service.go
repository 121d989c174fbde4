// Package batch materializes submitted posts into time-ordered send
// jobs and tracks batch lifecycle through to the completion
// notification.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"chanpost/internal/delivery"
	"chanpost/internal/eventbus"
	"chanpost/internal/fingerprint"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

var (
	ErrEmptyBatch   = errors.New("batch: no posts to schedule")
	ErrUnknownBatch = errors.New("batch: unknown or finished batch")
)

// Batch states as persisted.
const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
)

type Order string

const (
	OrderSequential Order = "sequential"
	OrderRandom     Order = "random"
)

// Options controls how a batch is laid out on the timeline.
type Options struct {
	// Interval is the spacing between consecutive jobs. Values below the
	// limiter's scheduled spacing are raised to it.
	Interval time.Duration
	// StartTime is the earliest first-send instant. Zero or past values
	// resolve to now.
	StartTime time.Time
	// Order picks sequential submission order or one fixed random
	// permutation, resolved when the batch is materialized.
	Order Order
}

// Config carries the service defaults applied when Options fields are
// zero.
type Config struct {
	DefaultInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Minute
	}
	return c
}

// Planner is the slice of the rate limiter the scheduler consults when
// laying jobs out. Read-only; consuming the budget happens at dispatch.
type Planner interface {
	EarliestScheduled(dest transport.Destination) time.Time
	ScheduledSpacing() time.Duration
}

// Deduper answers the eager submission-time duplicate check.
type Deduper interface {
	IsDuplicate(dest transport.Destination, h fingerprint.Hash) bool
}

// JobQueue is the delivery queue surface the scheduler drives.
type JobQueue interface {
	Enqueue(jobs ...delivery.Job)
	RemoveBatch(batchID string) int
	NextPending(dest transport.Destination) (time.Time, bool)
}

// Info is the caller-visible snapshot of a batch.
type Info struct {
	ID         string
	Dest       transport.Destination
	State      string
	Total      int
	Sent       int
	Failed     int
	Duplicates int
}

type batch struct {
	id       string
	dest     transport.Destination
	userID   int64
	interval time.Duration
	order    Order
	state    string

	total int // jobs admitted plus eagerly dropped duplicates
	done  int // terminal outcomes plus eager drops
	sent  int
	fails int
	dups  int

	firstRef transport.MessageRef
	hasFirst bool

	lastNotBefore time.Time
	createdAt     time.Time
}

// Service is the scheduler. It owns batch records, feeds the delivery
// queue and acts as its progress sink.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    JobQueue
	planner  Planner
	dedup    Deduper
	store    storage.Store // nil when persistence is disabled
	notifier transport.Notifier

	mu      sync.Mutex
	batches map[string]*batch
	now     func() time.Time
	rng     *rand.Rand
}

func New(cfg Config, queue JobQueue, planner Planner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		queue:   queue,
		planner: planner,
		batches: map[string]*batch{},
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDedup installs the eager submission-time duplicate gate. Optional.
func (s *Service) SetDedup(d Deduper) { s.dedup = d }

// SetStore installs batch/job persistence. Optional.
func (s *Service) SetStore(st storage.Store) { s.store = st }

// SetNotifier installs the user-facing notification sink. Optional.
func (s *Service) SetNotifier(n transport.Notifier) { s.notifier = n }

// SetNow overrides the clock; tests only.
func (s *Service) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Schedule materializes a new batch for the destination and enqueues its
// jobs. Posts whose media already matches the destination's sent history
// are dropped up front and counted as duplicates.
func (s *Service) Schedule(ctx context.Context, dest transport.Destination, userID int64, posts []transport.Post, opts Options) (string, error) {
	if len(posts) == 0 {
		return "", ErrEmptyBatch
	}

	s.mu.Lock()
	now := s.now()

	b := &batch{
		id:        uuid.NewString(),
		dest:      dest,
		userID:    userID,
		interval:  s.resolveInterval(opts.Interval),
		order:     opts.Order,
		state:     StatePending,
		createdAt: now,
	}

	accepted, dropped := s.filterLocked(dest, posts)
	if b.order == OrderRandom {
		s.rng.Shuffle(len(accepted), func(i, j int) {
			accepted[i], accepted[j] = accepted[j], accepted[i]
		})
	}

	start := now
	if opts.StartTime.After(start) {
		start = opts.StartTime
	}
	if e := s.planner.EarliestScheduled(dest); e.After(start) {
		start = e
	}

	jobs := s.materializeLocked(b, accepted, start)
	b.total = len(jobs) + dropped
	b.done = dropped
	b.dups = dropped

	firstForDest := !s.hasActiveLocked(dest)
	s.batches[b.id] = b
	s.mu.Unlock()

	if err := s.persistNew(ctx, b, jobs); err != nil {
		s.mu.Lock()
		delete(s.batches, b.id)
		s.mu.Unlock()
		return "", err
	}

	s.log.Info("batch scheduled",
		logx.String("batch", b.id),
		logx.Int64("chat_id", dest.ChatID),
		logx.Int("jobs", len(jobs)),
		logx.Int("dropped_duplicates", dropped),
		logx.Duration("interval", b.interval))
	s.publish("batch.scheduled", b)

	if firstForDest && s.notifier != nil && len(jobs) > 0 {
		if err := s.notifier.NewQueue(ctx, userID, dest); err != nil {
			s.log.Warn("new-queue notification failed", logx.Err(err))
		}
	}

	s.queue.Enqueue(jobs...)

	// Every post was a known duplicate; nothing will ever dispatch.
	if len(jobs) == 0 {
		s.checkCompletion(ctx, b.id)
	}
	return b.id, nil
}

// Append adds posts after the batch's current tail, continuing the same
// cadence. No notification is generated.
func (s *Service) Append(ctx context.Context, batchID string, posts []transport.Post) (added int, dropped int, err error) {
	if len(posts) == 0 {
		return 0, 0, ErrEmptyBatch
	}

	s.mu.Lock()
	b, ok := s.activeLocked(batchID)
	if !ok {
		s.mu.Unlock()
		return 0, 0, ErrUnknownBatch
	}

	accepted, dropped := s.filterLocked(b.dest, posts)
	if b.order == OrderRandom {
		s.rng.Shuffle(len(accepted), func(i, j int) {
			accepted[i], accepted[j] = accepted[j], accepted[i]
		})
	}

	start := b.lastNotBefore.Add(s.stepFor(b))
	if now := s.now(); start.Before(now) {
		start = now
	}
	jobs := s.materializeLocked(b, accepted, start)
	b.total += len(jobs) + dropped
	b.done += dropped
	b.dups += dropped
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveJobs(ctx, jobRecords(jobs)); err != nil {
			s.log.Warn("job persistence failed", logx.String("batch", batchID), logx.Err(err))
		}
	}

	s.log.Info("batch appended",
		logx.String("batch", batchID),
		logx.Int("jobs", len(jobs)),
		logx.Int("dropped_duplicates", dropped))
	s.queue.Enqueue(jobs...)
	return len(jobs), dropped, nil
}

// Extend replaces the batch's still-pending jobs with a fresh post set.
// Already-dispatched history, including an in-flight send, is preserved.
func (s *Service) Extend(ctx context.Context, batchID string, posts []transport.Post) (added int, dropped int, err error) {
	s.mu.Lock()
	b, ok := s.activeLocked(batchID)
	if !ok {
		s.mu.Unlock()
		return 0, 0, ErrUnknownBatch
	}
	s.mu.Unlock()

	removed := s.queue.RemoveBatch(batchID)
	if s.store != nil {
		if _, err := s.store.DeleteJobsForBatch(ctx, batchID); err != nil {
			s.log.Warn("pending job cleanup failed", logx.String("batch", batchID), logx.Err(err))
		}
	}

	s.mu.Lock()
	b.total -= removed

	accepted, dropped := s.filterLocked(b.dest, posts)
	if b.order == OrderRandom {
		s.rng.Shuffle(len(accepted), func(i, j int) {
			accepted[i], accepted[j] = accepted[j], accepted[i]
		})
	}

	now := s.now()
	start := now
	if e := s.planner.EarliestScheduled(b.dest); e.After(start) {
		start = e
	}
	jobs := s.materializeLocked(b, accepted, start)
	b.total += len(jobs) + dropped
	b.done += dropped
	b.dups += dropped
	s.mu.Unlock()

	if s.store != nil && len(jobs) > 0 {
		if err := s.store.SaveJobs(ctx, jobRecords(jobs)); err != nil {
			s.log.Warn("job persistence failed", logx.String("batch", batchID), logx.Err(err))
		}
	}

	s.log.Info("batch extended",
		logx.String("batch", batchID),
		logx.Int("replaced", removed),
		logx.Int("jobs", len(jobs)),
		logx.Int("dropped_duplicates", dropped))
	s.queue.Enqueue(jobs...)

	s.checkCompletion(ctx, batchID)
	return len(jobs), dropped, nil
}

// Cancel removes the batch's not-yet-dispatched jobs and marks it
// cancelled. An in-flight send finishes and is still recorded, but no
// completion notification follows.
func (s *Service) Cancel(ctx context.Context, batchID string) error {
	s.mu.Lock()
	b, ok := s.activeLocked(batchID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownBatch
	}
	b.state = StateCancelled
	s.mu.Unlock()

	removed := s.queue.RemoveBatch(batchID)
	if s.store != nil {
		if _, err := s.store.DeleteJobsForBatch(ctx, batchID); err != nil {
			s.log.Warn("pending job cleanup failed", logx.String("batch", batchID), logx.Err(err))
		}
		if err := s.store.UpdateBatchState(ctx, batchID, StateCancelled, s.nowSafe()); err != nil {
			s.log.Warn("batch state persistence failed", logx.String("batch", batchID), logx.Err(err))
		}
	}

	s.log.Info("batch cancelled",
		logx.String("batch", batchID),
		logx.Int("removed", removed))
	s.publish("batch.cancelled", b)
	return nil
}

// Get returns a snapshot of the batch, including finished ones still in
// memory.
func (s *Service) Get(batchID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:         b.id,
		Dest:       b.dest,
		State:      b.state,
		Total:      b.total,
		Sent:       b.sent,
		Failed:     b.fails,
		Duplicates: b.dups,
	}, true
}

// JobStarted implements delivery.ProgressSink.
func (s *Service) JobStarted(ctx context.Context, job delivery.Job) {
	s.mu.Lock()
	b, ok := s.batches[job.BatchID]
	if !ok || b.state != StatePending {
		s.mu.Unlock()
		return
	}
	b.state = StateInProgress
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpdateBatchState(ctx, job.BatchID, StateInProgress, time.Time{}); err != nil {
			s.log.Warn("batch state persistence failed", logx.String("batch", job.BatchID), logx.Err(err))
		}
	}
}

// JobFinished implements delivery.ProgressSink. Exactly one terminal
// result arrives per job; the final one completes the batch.
func (s *Service) JobFinished(ctx context.Context, res delivery.Result) {
	s.mu.Lock()
	b, ok := s.batches[res.Job.BatchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	b.done++
	switch res.Outcome {
	case delivery.OutcomeSent:
		b.sent++
		if !b.hasFirst {
			b.firstRef = res.Ref
			b.hasFirst = true
		}
	case delivery.OutcomeDuplicate:
		b.dups++
	case delivery.OutcomeFailed:
		b.fails++
	}
	s.mu.Unlock()

	s.checkCompletion(ctx, res.Job.BatchID)
}

// checkCompletion transitions the batch to completed when its last job
// has a terminal outcome, and emits the single completion notification.
func (s *Service) checkCompletion(ctx context.Context, batchID string) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok || b.done < b.total || (b.state != StatePending && b.state != StateInProgress) {
		s.mu.Unlock()
		return
	}
	b.state = StateCompleted
	note := transport.CompletionNote{
		UserID:         b.userID,
		Dest:           b.dest,
		SentCount:      b.sent,
		FailedCount:    b.fails,
		DuplicateCount: b.dups,
	}
	if b.hasFirst {
		note.FirstRef = b.firstRef
	}
	s.mu.Unlock()

	if next, ok := s.queue.NextPending(note.Dest); ok {
		note.NextBatchStart = next
	}

	if s.store != nil {
		if err := s.store.UpdateBatchState(ctx, batchID, StateCompleted, s.nowSafe()); err != nil {
			s.log.Warn("batch state persistence failed", logx.String("batch", batchID), logx.Err(err))
		}
	}

	s.log.Info("batch completed",
		logx.String("batch", batchID),
		logx.Int("sent", note.SentCount),
		logx.Int("failed", note.FailedCount),
		logx.Int("duplicates", note.DuplicateCount))
	s.publish("batch.completed", b)

	if s.notifier != nil {
		if err := s.notifier.BatchCompleted(ctx, note); err != nil {
			s.log.Warn("completion notification failed", logx.String("batch", batchID), logx.Err(err))
		}
	}
}

// filterLocked drops posts whose media fingerprint already matches the
// destination's sent history. Caller holds s.mu.
func (s *Service) filterLocked(dest transport.Destination, posts []transport.Post) (accepted []transport.Post, dropped int) {
	accepted = make([]transport.Post, 0, len(posts))
	for _, p := range posts {
		if s.dedup != nil && p.HasFingerprint &&
			s.dedup.IsDuplicate(dest, fingerprint.Hash(p.Fingerprint)) {
			dropped++
			continue
		}
		accepted = append(accepted, p)
	}
	return accepted, dropped
}

// materializeLocked lays accepted posts out from start in the batch's
// cadence and advances lastNotBefore. Caller holds s.mu.
func (s *Service) materializeLocked(b *batch, posts []transport.Post, start time.Time) []delivery.Job {
	step := s.stepFor(b)
	jobs := make([]delivery.Job, 0, len(posts))
	at := start
	for _, p := range posts {
		p.Dest = b.dest
		jobs = append(jobs, delivery.Job{
			ID:        uuid.NewString(),
			BatchID:   b.id,
			Dest:      b.dest,
			Post:      p,
			NotBefore: at,
		})
		b.lastNotBefore = at
		at = at.Add(step)
	}
	return jobs
}

// stepFor clamps the batch interval to the limiter's minimum spacing for
// scheduled sends.
func (s *Service) stepFor(b *batch) time.Duration {
	step := b.interval
	if min := s.planner.ScheduledSpacing(); step < min {
		step = min
	}
	return step
}

func (s *Service) resolveInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return s.cfg.DefaultInterval
	}
	return interval
}

func (s *Service) hasActiveLocked(dest transport.Destination) bool {
	for _, b := range s.batches {
		if b.dest == dest && (b.state == StatePending || b.state == StateInProgress) {
			return true
		}
	}
	return false
}

func (s *Service) activeLocked(batchID string) (*batch, bool) {
	b, ok := s.batches[batchID]
	if !ok || (b.state != StatePending && b.state != StateInProgress) {
		return nil, false
	}
	return b, true
}

func (s *Service) persistNew(ctx context.Context, b *batch, jobs []delivery.Job) error {
	if s.store == nil {
		return nil
	}
	rec := storage.BatchRecord{
		ID:        b.id,
		ChatID:    b.dest.ChatID,
		UserID:    b.userID,
		State:     b.state,
		Interval:  b.interval,
		CreatedAt: b.createdAt,
	}
	if err := s.store.SaveBatch(ctx, rec); err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	return s.store.SaveJobs(ctx, jobRecords(jobs))
}

func jobRecords(jobs []delivery.Job) []storage.JobRecord {
	recs := make([]storage.JobRecord, 0, len(jobs))
	for i, j := range jobs {
		raw, err := json.Marshal(j.Post)
		if err != nil {
			continue
		}
		recs = append(recs, storage.JobRecord{
			ID:        j.ID,
			BatchID:   j.BatchID,
			ChatID:    j.Dest.ChatID,
			PostID:    j.Post.ID,
			PostJSON:  string(raw),
			NotBefore: j.NotBefore,
			Attempt:   j.Attempt,
			Seq:       int64(i),
		})
	}
	return recs
}

func (s *Service) publish(typ string, b *batch) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.nowSafe(),
		Data: map[string]any{
			"batch_id": b.id,
			"chat_id":  b.dest.ChatID,
		},
	})
}

func (s *Service) nowSafe() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}
