package delivery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logx "chanpost/pkg/logx"

	"chanpost/internal/eventbus"
	"chanpost/internal/fingerprint"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/internal/transport"
)

// Config controls retry behavior for transient send failures.
type Config struct {
	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 3 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// RateGate is the slice of the rate limiter the queue consults.
type RateGate interface {
	EarliestEligible(dest transport.Destination) time.Time
	RecordSend(dest transport.Destination, t time.Time)
}

// Queue buffers pending send jobs per destination and drives dispatch.
//
// Ordering: within a destination, jobs dispatch in ascending (NotBefore,
// insertion sequence); across destinations dispatch is concurrent. At
// most one send per destination is ever in flight.
type Queue struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sender transport.Sender
	gate   RateGate

	dedup DuplicateChecker
	store JobStore
	sink  ProgressSink

	mu    sync.Mutex
	dests map[int64]*destQueue
	seq   int64
	now   func() time.Time
	rng   *rand.Rand

	wake chan struct{}
	sup  *rtsup.Supervisor

	runMu   sync.Mutex
	running bool
}

type destQueue struct {
	jobs     jobHeap
	inFlight bool
}

func New(cfg Config, sender transport.Sender, gate RateGate, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		sender: sender,
		gate:   gate,
		dests:  map[int64]*destQueue{},
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:   make(chan struct{}, 1),
	}
}

// SetDedup installs the pre-send duplicate gate. Optional.
func (q *Queue) SetDedup(d DuplicateChecker) { q.dedup = d }

// SetStore installs job persistence. Optional.
func (q *Queue) SetStore(s JobStore) { q.store = s }

// SetSink installs the batch progress sink. Must be set before Start.
func (q *Queue) SetSink(s ProgressSink) { q.sink = s }

// Apply swaps the retry policy; it affects attempts from now on.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// SetNow overrides the clock; tests only.
func (q *Queue) SetNow(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Start launches the dispatch loop. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log.With(logx.String("comp", "delivery"))))
	q.sup.Go("dispatch", q.dispatchLoop)
	q.log.Info("delivery queue started",
		logx.Int("max_retries", q.cfg.MaxRetries),
		logx.Duration("retry_base", q.cfg.RetryBase))
}

// Stop cancels dispatch and waits for in-flight sends, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) {
	q.runMu.Lock()
	sup := q.sup
	q.running = false
	q.runMu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		q.log.Warn("delivery queue stopped uncleanly", logx.Err(err))
		return
	}
	q.log.Info("delivery queue stopped")
}

// Enqueue inserts jobs, assigning their insertion sequence in call order.
// The caller is responsible for having persisted them first.
func (q *Queue) Enqueue(jobs ...Job) {
	if len(jobs) == 0 {
		return
	}
	q.mu.Lock()
	for _, j := range jobs {
		q.seq++
		j.seq = q.seq
		dq := q.destLocked(j.Dest.ChatID)
		heap.Push(&dq.jobs, j)
	}
	q.mu.Unlock()
	q.poke()
}

// RemoveBatch drops every queued (not in-flight) job of the batch and
// returns how many were removed. Runs atomically with respect to
// dispatch: once it returns, no further job of the batch will start.
func (q *Queue) RemoveBatch(batchID string) int {
	q.mu.Lock()
	removed := 0
	for id, dq := range q.dests {
		kept := dq.jobs[:0]
		for _, j := range dq.jobs {
			if j.BatchID == batchID {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		dq.jobs = kept
		heap.Init(&dq.jobs)
		if len(dq.jobs) == 0 && !dq.inFlight {
			delete(q.dests, id)
		}
	}
	q.mu.Unlock()
	if removed > 0 {
		q.poke()
	}
	return removed
}

// NextPending returns the NotBefore of the destination's earliest queued
// job, if any.
func (q *Queue) NextPending(dest transport.Destination) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq := q.dests[dest.ChatID]
	if dq == nil || len(dq.jobs) == 0 {
		return time.Time{}, false
	}
	return dq.jobs[0].NotBefore, true
}

// Len returns the number of queued (not in-flight) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, dq := range q.dests {
		n += len(dq.jobs)
	}
	return n
}

func (q *Queue) destLocked(chatID int64) *destQueue {
	dq := q.dests[chatID]
	if dq == nil {
		dq = &destQueue{}
		q.dests[chatID] = dq
	}
	return dq
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop pops eligible jobs and hands them to per-destination send
// workers. It sleeps until the earliest upcoming NotBefore/eligibility
// instant instead of polling, and is poked on every queue mutation.
func (q *Queue) dispatchLoop(ctx context.Context) error {
	for {
		q.dispatchReady(ctx)

		wait, ok := q.nextWake()
		var timerC <-chan time.Time
		var timer *time.Timer
		if ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-q.wake:
			if timer != nil && !timer.Stop() {
				<-timer.C
			}
		case <-timerC:
		}
	}
}

func (q *Queue) dispatchReady(ctx context.Context) {
	q.mu.Lock()
	now := q.now()
	var launch []Job
	for _, dq := range q.dests {
		if dq.inFlight || len(dq.jobs) == 0 {
			continue
		}
		head := dq.jobs[0]
		if head.NotBefore.After(now) {
			continue
		}
		if q.gate.EarliestEligible(head.Dest).After(now) {
			continue
		}
		job := heap.Pop(&dq.jobs).(Job)
		dq.inFlight = true
		launch = append(launch, job)
	}
	q.mu.Unlock()

	for _, job := range launch {
		job := job
		q.sup.Go(fmt.Sprintf("send:%d", job.Dest.ChatID), func(ctx context.Context) error {
			return q.runJob(ctx, job)
		})
	}
}

// nextWake computes how long to sleep before another head can become
// eligible. ok=false means nothing is queued; sleep until poked.
func (q *Queue) nextWake() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var earliest time.Time
	found := false
	for _, dq := range q.dests {
		if dq.inFlight || len(dq.jobs) == 0 {
			continue
		}
		head := dq.jobs[0]
		at := head.NotBefore
		if e := q.gate.EarliestEligible(head.Dest); e.After(at) {
			at = e
		}
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	if !found {
		return 0, false
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (q *Queue) runJob(ctx context.Context, job Job) error {
	if q.sink != nil {
		q.sink.JobStarted(ctx, job)
	}

	// Re-check against the fingerprint index right before the send: a
	// concurrent batch may have delivered the same media since this job
	// was admitted.
	if q.dedup != nil && job.Post.HasFingerprint &&
		q.dedup.IsDuplicate(job.Dest, fingerprint.Hash(job.Post.Fingerprint)) {
		q.log.Info("duplicate media skipped",
			logx.Int64("chat_id", job.Dest.ChatID),
			logx.String("post", job.Post.ID))
		q.finish(ctx, Result{Job: job, Outcome: OutcomeDuplicate, At: q.nowSafe()})
		return nil
	}

	maxRetries := q.config().MaxRetries

	ref, err := q.sender.Send(ctx, job.Post)
	switch {
	case err == nil:
		at := q.nowSafe()
		q.gate.RecordSend(job.Dest, at)
		if q.dedup != nil && job.Post.HasFingerprint {
			_ = q.dedup.Record(ctx, job.Dest, fingerprint.Hash(job.Post.Fingerprint))
		}
		q.finish(ctx, Result{Job: job, Outcome: OutcomeSent, Ref: ref, At: at})

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown cut the send short. That is not a rejection, so the job
		// goes back untouched and keeps its full retry budget for after the
		// restart.
		q.release(job)

	case transport.IsPermanent(err):
		q.log.Warn("permanent send failure",
			logx.Int64("chat_id", job.Dest.ChatID),
			logx.String("post", job.Post.ID),
			logx.Err(err))
		q.finish(ctx, Result{Job: job, Outcome: OutcomeFailed, Err: err, At: q.nowSafe()})

	case job.Attempt+1 > maxRetries:
		q.log.Warn("retries exhausted",
			logx.Int64("chat_id", job.Dest.ChatID),
			logx.String("post", job.Post.ID),
			logx.Int("attempts", job.Attempt+1),
			logx.Err(err))
		q.finish(ctx, Result{
			Job:     job,
			Outcome: OutcomeFailed,
			Err:     fmt.Errorf("retries exhausted after %d attempts: %w", job.Attempt+1, err),
			At:      q.nowSafe(),
		})

	default:
		q.requeue(ctx, job, err)
	}
	return nil
}

func (q *Queue) finish(ctx context.Context, res Result) {
	if q.store != nil {
		if err := q.store.DeleteJob(ctx, res.Job.ID); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn("job delete failed", logx.String("job", res.Job.ID), logx.Err(err))
		}
	}

	q.mu.Lock()
	if dq := q.dests[res.Job.Dest.ChatID]; dq != nil {
		dq.inFlight = false
		if len(dq.jobs) == 0 {
			delete(q.dests, res.Job.Dest.ChatID)
		}
	}
	q.mu.Unlock()
	q.poke()

	if q.bus != nil {
		typ := "job.dispatched"
		switch res.Outcome {
		case OutcomeFailed:
			typ = "job.failed"
		case OutcomeDuplicate:
			typ = "job.duplicate"
		}
		q.bus.Publish(eventbus.Event{Type: typ, Time: res.At, Data: res})
	}

	if q.sink != nil {
		q.sink.JobFinished(ctx, res)
	}
}

// release puts a job back as-is, without an attempt increment or a
// persistence write. Used when a send was interrupted rather than refused.
func (q *Queue) release(job Job) {
	q.log.Debug("send interrupted, job requeued",
		logx.Int64("chat_id", job.Dest.ChatID),
		logx.String("post", job.Post.ID),
		logx.Int("attempt", job.Attempt))

	q.mu.Lock()
	dq := q.destLocked(job.Dest.ChatID)
	heap.Push(&dq.jobs, job)
	dq.inFlight = false
	q.mu.Unlock()
	q.poke()
}

func (q *Queue) requeue(ctx context.Context, job Job, cause error) {
	job.Attempt++
	delay := q.backoffDelay(job.Attempt, cause)
	job.NotBefore = q.nowSafe().Add(delay)

	q.log.Debug("transient send failure, retry scheduled",
		logx.Int64("chat_id", job.Dest.ChatID),
		logx.String("post", job.Post.ID),
		logx.Int("attempt", job.Attempt),
		logx.Duration("delay", delay),
		logx.Err(cause))

	if q.store != nil {
		if err := q.store.UpdateJob(ctx, job.ID, job.NotBefore, job.Attempt); err != nil {
			q.log.Warn("job update failed", logx.String("job", job.ID), logx.Err(err))
		}
	}

	q.mu.Lock()
	dq := q.destLocked(job.Dest.ChatID)
	heap.Push(&dq.jobs, job) // keeps its original sequence
	dq.inFlight = false
	q.mu.Unlock()
	q.poke()
}

// backoffDelay applies exponential backoff with jitter, honoring explicit
// retry-after hints from the platform (bounded by RetryMaxDelay).
func (q *Queue) backoffDelay(attempt int, err error) time.Duration {
	q.mu.Lock()
	cfg := q.cfg
	r := (q.rng.Float64()*2 - 1) * cfg.RetryJitter
	q.mu.Unlock()
	maxD := cfg.RetryMaxDelay

	var hint time.Duration
	var ra transport.RetryAfterError
	if errors.As(err, &ra) {
		hint = ra.RetryAfter()
	}

	d := hint
	if d <= 0 {
		d = cfg.RetryBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > maxD {
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}

	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

func (q *Queue) nowSafe() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now()
}
