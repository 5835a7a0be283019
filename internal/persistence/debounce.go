package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into a single call of fn, run
// once window has elapsed without a new trigger. Calls of fn never overlap.
type Debouncer struct {
	name   string
	window time.Duration
	fn     func(ctx context.Context) error
	log    *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool

	runMu sync.Mutex
	wg    sync.WaitGroup
}

// NewDebouncer returns a debouncer that calls fn after window of quiet.
func NewDebouncer(name string, window time.Duration, fn func(ctx context.Context) error, log *slog.Logger) *Debouncer {
	if log == nil {
		log = slog.Default()
	}
	return &Debouncer{name: name, window: window, fn: fn, log: log}
}

// Trigger marks work pending and restarts the timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	_ = d.run(context.Background())
}

func (d *Debouncer) run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if err := d.fn(ctx); err != nil {
		d.log.Warn("debounced push failed; retrying on next change", "queue", d.name, "error", err)
		return err
	}
	return nil
}

// Flush cancels the timer and runs fn immediately if work is pending.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	pending := d.pending
	d.pending = false
	d.mu.Unlock()

	if !pending {
		return nil
	}
	return d.run(ctx)
}

// Stop cancels any scheduled call and waits for a running one to finish.
// Triggers after Stop are ignored until Reset.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Reset re-enables a stopped debouncer.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
}
