// Package dispatcher routes map client commands to handlers, optionally
// through a per-command queue drained by its own worker.
package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownCommand is returned for commands without a handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrQueueFull is returned when a non-blocking buffered handler drops an event.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Queued is the result of a command accepted by a buffered route.
const Queued = "queued"

// Event represents an incoming command from the map client.
type Event struct {
	Command   string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Command)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Command, err)
	}
	return nil
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*routeOptions)

type routeOptions struct {
	bufferSize int
	blocking   bool
	coalesce   bool
	logged     bool
}

// Buffered runs the handler on a worker behind a queue of the given size.
func Buffered(size int) Option {
	return func(o *routeOptions) {
		o.bufferSize = size
	}
}

// Blocking makes a buffered handler wait for room instead of dropping.
func Blocking() Option {
	return func(o *routeOptions) {
		o.blocking = true
	}
}

// Coalesce makes a full queue give up its oldest event for the new one, so
// the worker always ends on the latest command. It wins over Blocking.
func Coalesce() Option {
	return func(o *routeOptions) {
		o.coalesce = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(o *routeOptions) {
		o.logged = true
	}
}

// route is one registered command.
type route struct {
	call  HandlerFunc
	queue chan Event // nil for synchronous routes
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger  Logger
	metrics *instruments

	mu      sync.RWMutex
	routes  map[string]*route
	closed  bool
	workers sync.WaitGroup
}

// New creates a Dispatcher. Metrics go to the global OTel meter, a no-op
// unless a provider is installed.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger: logger,
		routes: make(map[string]*route),
	}
	m, err := newInstruments(meter(), d.queueLengths)
	if err != nil {
		return nil, err
	}
	d.metrics = m
	return d, nil
}

// Register adds a handler for command, replacing any earlier one.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := &route{call: h}
	if o.bufferSize > 0 {
		r.queue = make(chan Event, o.bufferSize)
		d.startWorker(command, r.queue, h)
		switch {
		case o.coalesce:
			r.call = d.coalescing(command, r.queue)
		case o.blocking:
			r.call = d.blocking(r.queue)
		default:
			r.call = d.dropping(command, r.queue)
		}
	}
	if o.logged {
		r.call = d.withLogging(command, r.call)
	}

	d.mu.Lock()
	d.routes[command] = r
	d.mu.Unlock()
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	r, ok := d.routes[e.Command]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, e.Command)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return r.call(e)
}

// Pending returns the number of queued events for command.
func (d *Dispatcher) Pending(command string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.routes[command]; ok && r.queue != nil {
		return len(r.queue)
	}
	return 0
}

// Close stops accepting events, drains buffered queues and waits for their
// workers to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, r := range d.routes {
		if r.queue != nil {
			close(r.queue)
		}
	}
	d.mu.Unlock()

	d.workers.Wait()
	d.metrics.unregister()
}

func (d *Dispatcher) queueLengths() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.routes))
	for cmd, r := range d.routes {
		if r.queue != nil {
			out[cmd] = len(r.queue)
		}
	}
	return out
}

func (d *Dispatcher) startWorker(command string, queue <-chan Event, h HandlerFunc) {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for e := range queue {
			if _, err := h(e); err != nil && d.logger != nil {
				d.logger.Error("buffered event failed", "command", command, "error", err)
			}
			d.metrics.processedOne(command)
		}
	}()
}

// Enqueue funcs send under the read lock so Close cannot close the channel
// mid-send.

func (d *Dispatcher) blocking(queue chan<- Event) HandlerFunc {
	return func(e Event) (any, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return nil, ErrClosed
		}
		queue <- e
		return Queued, nil
	}
}

func (d *Dispatcher) dropping(command string, queue chan<- Event) HandlerFunc {
	return func(e Event) (any, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return nil, ErrClosed
		}
		select {
		case queue <- e:
			return Queued, nil
		default:
			d.metrics.droppedOne(command)
			return nil, fmt.Errorf("%w: %s", ErrQueueFull, command)
		}
	}
}

func (d *Dispatcher) coalescing(command string, queue chan Event) HandlerFunc {
	var sendMu sync.Mutex
	return func(e Event) (any, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return nil, ErrClosed
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		for {
			select {
			case queue <- e:
				return Queued, nil
			default:
			}
			select {
			case <-queue:
				d.metrics.droppedOne(command)
			default:
			}
		}
	}
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "bytes", len(e.Payload))

		result, err := h(e)
		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
			return result, err
		}
		d.logger.Debug("event complete", "command", command, "duration", time.Since(start))
		return result, nil
	}
}
