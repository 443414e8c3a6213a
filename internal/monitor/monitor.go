// Package monitor periodically samples every live session and hands the
// readings to the configured sinks.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rentmap/mapcluster/internal/pool"
	"github.com/rentmap/mapcluster/internal/queue"
)

// DefaultInterval is used when Dependencies.Interval is not positive.
const DefaultInterval = 30 * time.Second

// maxPending bounds the samples kept while every sink is failing.
const maxPending = 10000

// Source is a sampled session. *pipeline.Session implements it.
type Source interface {
	ID() string
	Monitor() *perf.Monitor
	PoolStats() pool.Stats
}

// Sink stores samples. database.Manager and influx.Manager implement it.
type Sink interface {
	WriteSamples(ctx context.Context, samples []perf.Sample) error
}

// Pruner is a sink that can drop old samples. database.Manager implements it.
type Pruner interface {
	PurgeBefore(ctx context.Context, t time.Time) (int64, error)
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Sources    func() []Source
	Sinks      map[string]Sink
	Logger     *slog.Logger
	Interval   time.Duration
	StatusFile string        // rewritten on every tick when set
	Retention  time.Duration // samples older than this are purged from Pruner sinks; <= 0 keeps all
	Now        func() time.Time
}

// SessionStatus is the status file entry of one session.
type SessionStatus struct {
	ID              string        `json:"id"`
	ViewportUpdates int64         `json:"viewportUpdates"`
	RecomputeMean   time.Duration `json:"recomputeMeanNs"`
	RecomputeMax    time.Duration `json:"recomputeMaxNs"`
	Pool            pool.Stats    `json:"pool"`
}

// Status is what the status file holds.
type Status struct {
	Time     time.Time       `json:"time"`
	Sessions []SessionStatus `json:"sessions"`
	Pending  int             `json:"pendingSamples"`
	Dropped  int             `json:"droppedSamples"`
}

// Service manages status monitoring
type Service struct {
	deps    Dependencies
	pending *queue.Queue[perf.Sample]

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
	last      Status
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sources == nil {
		deps.Sources = func() []Source { return nil }
	}
	return &Service{
		deps:    deps,
		pending: queue.NewBounded[perf.Sample](maxPending),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastStatus returns the status written by the most recent tick.
func (s *Service) LastStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Pending returns how many samples are waiting for a sink.
func (s *Service) Pending() int {
	return s.pending.Len()
}

// Collect samples every source, queues the samples and returns the status.
func (s *Service) Collect() Status {
	now := s.deps.Now()
	sources := s.deps.Sources()
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID() < sources[j].ID() })

	st := Status{Time: now, Sessions: make([]SessionStatus, 0, len(sources))}
	samples := make([]perf.Sample, 0, len(sources))
	for _, src := range sources {
		snap := src.Monitor().Snapshot()
		ps := src.PoolStats()

		sample := perf.NewSample(now, src.ID(), snap)
		sample.PoolOutstanding = ps.Outstanding
		sample.PoolIdle = ps.Idle
		sample.PoolCreated = ps.Created
		sample.PoolDestroyed = ps.Destroyed
		samples = append(samples, sample)

		rec := snap.Stages[perf.StageRecompute]
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:              src.ID(),
			ViewportUpdates: snap.ViewportUpdates,
			RecomputeMean:   rec.Mean(),
			RecomputeMax:    rec.Max,
			Pool:            ps,
		})
	}

	if n := s.pending.Push(samples...); n > 0 {
		s.deps.Logger.Warn("dropped samples, sinks are behind", "dropped", n)
	}
	st.Pending = s.pending.Len()
	st.Dropped = s.pending.Dropped()
	return st
}

// Flush hands every pending sample to every sink. When all sinks fail the
// samples are put back for the next tick; a partial failure is only logged.
func (s *Service) Flush(ctx context.Context) error {
	samples := s.pending.Drain()
	if len(samples) == 0 || len(s.deps.Sinks) == 0 {
		return nil
	}

	names := s.sinkNames()
	var errs []error
	for _, name := range names {
		if err := s.deps.Sinks[name].WriteSamples(ctx, samples); err != nil {
			s.deps.Logger.Error("sink write failed", "sink", name, "samples", len(samples), "error", err)
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	if len(errs) == len(names) {
		s.pending.Requeue(samples...)
	}
	return errors.Join(errs...)
}

// Prune deletes samples older than the retention from every sink that
// supports it and returns how many went.
func (s *Service) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.deps.Retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.deps.Retention)

	var (
		total int64
		errs  []error
	)
	for _, name := range s.sinkNames() {
		p, ok := s.deps.Sinks[name].(Pruner)
		if !ok {
			continue
		}
		n, err := p.PurgeBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", name, err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.deps.Logger.Debug("pruned samples", "count", total, "before", cutoff)
	}
	return total, errors.Join(errs...)
}

func (s *Service) sinkNames() []string {
	names := make([]string, 0, len(s.deps.Sinks))
	for name := range s.deps.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick runs one collect, status write, flush and prune cycle.
func (s *Service) Tick(ctx context.Context) error {
	st := s.Collect()

	s.mu.Lock()
	s.last = st
	s.mu.Unlock()

	var errs []error
	if s.deps.StatusFile != "" {
		if err := writeStatus(s.deps.StatusFile, st); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Prune(ctx, st.Time); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func writeStatus(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("create status file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close status file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Start starts the status monitor goroutine
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				// last flush so samples gathered since the previous tick are kept
				if err := s.Tick(context.WithoutCancel(ctx)); err != nil {
					logger.Error("final status tick failed", "error", err)
				}
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					logger.Error("status tick failed", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for its last tick.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopChan, s.done
	s.stopChan = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	<-done
}
