// Package scheduler coalesces bursts of viewport events into single recomputes.
package scheduler

import (
	"sync"
	"time"
)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a Debouncer.
type Option func(*config)

type config struct {
	logger Logger
	name   string
}

// WithLogger reports skipped and superseded runs at debug level.
func WithLogger(l Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithName labels log lines from this debouncer.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// Debouncer runs fn with the arguments of the last Schedule call once delay
// has passed without another call. Runs never overlap, and a run whose
// arguments were superseded while it waited for the previous run is skipped.
type Debouncer[T any] struct {
	delay time.Duration
	run   func(T)
	cfg   config

	mu      sync.Mutex
	timer   *time.Timer
	args    T
	gen     uint64
	pending bool
	stopped bool

	runMu    sync.Mutex
	inflight sync.WaitGroup
}

// New creates a Debouncer. A non-positive delay still defers to a timer.
func New[T any](delay time.Duration, run func(T), opts ...Option) *Debouncer[T] {
	d := &Debouncer[T]{
		delay: max(delay, 0),
		run:   run,
		cfg:   config{name: "debouncer"},
	}
	for _, opt := range opts {
		opt(&d.cfg)
	}
	return d
}

// Schedule replaces the pending arguments and restarts the delay.
// Calls after Stop are ignored.
func (d *Debouncer[T]) Schedule(args T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	d.args = args
	d.pending = true
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Flush runs the pending call now, on the calling goroutine, and reports
// whether there was one.
func (d *Debouncer[T]) Flush() bool {
	args, gen, ok := d.take(0, false)
	if !ok {
		return false
	}
	d.execute(args, gen)
	return true
}

// Pending reports whether a call is waiting for its delay to pass.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop drops the pending call and waits for an in-flight run to return.
// It must not be called from inside the run function.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.inflight.Wait()
}

func (d *Debouncer[T]) fire(gen uint64) {
	args, gen, ok := d.take(gen, true)
	if !ok {
		return
	}
	d.execute(args, gen)
}

// take claims the pending call. With match set, only the call of that
// generation may be claimed.
func (d *Debouncer[T]) take(gen uint64, match bool) (T, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	if d.stopped || !d.pending || (match && gen != d.gen) {
		return zero, 0, false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	args := d.args
	d.args = zero
	d.pending = false
	d.inflight.Add(1)
	return args, d.gen, true
}

func (d *Debouncer[T]) execute(args T, gen uint64) {
	defer d.inflight.Done()

	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	stale := d.stopped || gen != d.gen
	d.mu.Unlock()
	if stale {
		if d.cfg.logger != nil {
			d.cfg.logger.Debug("run superseded", "scheduler", d.cfg.name)
		}
		return
	}

	d.run(args)
}
