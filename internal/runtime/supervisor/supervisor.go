package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "chanpost/pkg/logx"
)

// Supervisor manages long-lived goroutines tied to a shared context:
// named goroutines for logging, panic recovery, and graceful stop with
// timeout-aware waiting. The dispatch loop and per-destination send
// workers run under one of these.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	started uint64
	active  int64

	wg sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Active returns the number of goroutines currently running under this
// supervisor. Best-effort; operational signal only.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// Go starts fn under the supervisor. Panics are recovered and logged so
// a single bad job cannot kill the process.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		start := time.Now()
		err := runRecovered(s.ctx, name, fn)
		if err != nil && s.ctx.Err() == nil {
			s.log.Warn("goroutine exited with error",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("ran", time.Since(start)))
		}
	}()
}

func runRecovered(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Stop cancels the supervisor context and waits for all goroutines,
// bounded by the given context.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor stop: %d goroutine(s) still running: %w", s.Active(), ctx.Err())
	}
}
