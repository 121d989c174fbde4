package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chanpost/internal/transport"
)

// Config controls send-rate ceilings.
//
// MinSpacing is the baseline anti-flood gap between two sends to the same
// destination (channels tolerate roughly 20 messages/minute; the default
// keeps a margin below that). ScheduledPerHour caps scheduled/custom-interval
// sends per destination, independent of the baseline. GlobalPerSec is the
// platform-wide ceiling shared across all destinations.
type Config struct {
	MinSpacing       time.Duration
	ScheduledPerHour int
	GlobalPerSec     float64
	GlobalBurst      int
}

func (c Config) withDefaults() Config {
	if c.MinSpacing <= 0 {
		c.MinSpacing = 3 * time.Second
	}
	if c.ScheduledPerHour <= 0 {
		c.ScheduledPerHour = 60
	}
	if c.GlobalPerSec <= 0 {
		c.GlobalPerSec = 25
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = int(c.GlobalPerSec)
		if c.GlobalBurst < 1 {
			c.GlobalBurst = 1
		}
	}
	return c
}

const scheduledWindow = time.Hour

// Limiter tracks send timestamps per destination plus a global ceiling and
// answers "when is the next send for destination D permitted".
//
// Reads (EarliestEligible*) have no side effects; state changes only via
// RecordSend.
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	global  *rate.Limiter
	windows map[int64]*window

	now func() time.Time
}

// window is a per-destination history of recent send times, ascending.
type window struct {
	sends []time.Time
}

func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalPerSec), cfg.GlobalBurst),
		windows: map[int64]*window{},
		now:     time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Apply swaps the configured ceilings at runtime. Recorded history is kept.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	l.cfg = cfg
	l.global = rate.NewLimiter(rate.Limit(cfg.GlobalPerSec), cfg.GlobalBurst)
	l.mu.Unlock()
}

// EarliestEligible returns the earliest instant at which the next send to
// dest is permitted under the baseline anti-flood spacing and the global
// ceiling. It never returns a time in the past relative to the limiter's
// clock beyond "now".
func (l *Limiter) EarliestEligible(dest transport.Destination) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	t := l.perDestEligibleLocked(dest, now)
	if g := l.globalEligibleLocked(now); g.After(t) {
		t = g
	}
	return t
}

// EarliestScheduled is EarliestEligible with the scheduled-sends-per-hour
// window applied on top. The batch scheduler uses this when materializing
// job times so custom-interval batches cannot exceed the hourly cap.
func (l *Limiter) EarliestScheduled(dest transport.Destination) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	t := l.perDestEligibleLocked(dest, now)
	if g := l.globalEligibleLocked(now); g.After(t) {
		t = g
	}
	if s := l.scheduledEligibleLocked(dest, now); s.After(t) {
		t = s
	}
	return t
}

// ScheduledSpacing returns the minimum spacing implied by the hourly cap
// for scheduled sends. Batch intervals are clamped to at least this.
func (l *Limiter) ScheduledSpacing() time.Duration {
	l.mu.Lock()
	n := l.cfg.ScheduledPerHour
	l.mu.Unlock()
	return scheduledWindow / time.Duration(n)
}

// RecordSend appends t to the destination's window and consumes one token
// from the global ceiling.
func (l *Limiter) RecordSend(dest transport.Destination, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[dest.ChatID]
	if w == nil {
		w = &window{}
		l.windows[dest.ChatID] = w
	}
	w.sends = append(w.sends, t)
	w.trim(t.Add(-scheduledWindow))

	// Reserve rather than Allow: the send already happened, so the token is
	// consumed even when the bucket is empty and the limiter goes into
	// debt. Dispatch evaluates several destinations against the same
	// instant, so sends past the burst must still count.
	_ = l.global.ReserveN(t, 1)
}

// Compact drops window entries older than the scheduled window. Called
// periodically by housekeeping; destinations with empty windows are
// forgotten entirely.
func (l *Limiter) Compact() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-scheduledWindow)
	removed := 0
	for id, w := range l.windows {
		before := len(w.sends)
		w.trim(cutoff)
		removed += before - len(w.sends)
		if len(w.sends) == 0 {
			delete(l.windows, id)
		}
	}
	return removed
}

func (l *Limiter) perDestEligibleLocked(dest transport.Destination, now time.Time) time.Time {
	w := l.windows[dest.ChatID]
	if w == nil || len(w.sends) == 0 {
		return now
	}
	next := w.sends[len(w.sends)-1].Add(l.cfg.MinSpacing)
	if next.Before(now) {
		return now
	}
	return next
}

func (l *Limiter) scheduledEligibleLocked(dest transport.Destination, now time.Time) time.Time {
	w := l.windows[dest.ChatID]
	if w == nil {
		return now
	}
	cutoff := now.Add(-scheduledWindow)
	recent := w.since(cutoff)
	if len(recent) < l.cfg.ScheduledPerHour {
		return now
	}
	// The window is full: the next slot opens when the oldest in-window
	// send ages out.
	free := recent[len(recent)-l.cfg.ScheduledPerHour].Add(scheduledWindow)
	if free.Before(now) {
		return now
	}
	return free
}

func (l *Limiter) globalEligibleLocked(now time.Time) time.Time {
	// Peek via reserve+cancel; CancelAt at the same instant restores the
	// token, so reads stay effect-free.
	r := l.global.ReserveN(now, 1)
	if !r.OK() {
		return now
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if d <= 0 {
		return now
	}
	return now.Add(d)
}

func (w *window) trim(cutoff time.Time) {
	i := 0
	for i < len(w.sends) && w.sends[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.sends = append(w.sends[:0], w.sends[i:]...)
	}
}

func (w *window) since(cutoff time.Time) []time.Time {
	i := 0
	for i < len(w.sends) && w.sends[i].Before(cutoff) {
		i++
	}
	return w.sends[i:]
}
