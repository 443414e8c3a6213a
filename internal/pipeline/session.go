// Package pipeline wires filtering, ranking, clustering and rendering into
// one long-lived session per map.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rentmap/mapcluster/internal/cache"
	"github.com/rentmap/mapcluster/internal/cluster"
	"github.com/rentmap/mapcluster/internal/logging"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rentmap/mapcluster/internal/pool"
	"github.com/rentmap/mapcluster/internal/rank"
	"github.com/rentmap/mapcluster/internal/scheduler"
	"github.com/rentmap/mapcluster/internal/spider"
	"github.com/rentmap/mapcluster/internal/viewport"
	"github.com/rentmap/mapcluster/pkg/core"
)

// ErrClosed is returned by Close on a session that was already closed.
var ErrClosed = errors.New("session closed")

// Config tunes the pipeline stages.
type Config struct {
	Cluster      core.ClusterOptions
	Thresholds   core.PerformanceThresholds
	Buffer       float64 // viewport padding as a fraction of the span
	Ranker       rank.Ranker
	SpiderRadius float64 // meters
	IdleKeep     int     // idle handles kept per kind after each render; <= 0 keeps all
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		Cluster:      core.ClusterOptions{}.WithDefaults(),
		Thresholds:   core.PerformanceThresholds{}.WithDefaults(),
		Buffer:       viewport.DefaultBuffer,
		Ranker:       rank.Default(),
		SpiderRadius: spider.DefaultRadiusMeters,
	}
}

// Dependencies holds the collaborators of a session. Surface and Factory are
// required; the rest default to fresh instances.
type Dependencies struct {
	Surface       Surface
	Factory       pool.Factory
	Monitor       *perf.Monitor
	Logger        *slog.Logger
	Clusters      *cache.ClusterCache
	Markers       *cache.MarkerIndex
	OnMarkerClick func(core.Marker)
}

// Session owns the state of one map: the current markers and viewport, the
// render pool and the spider state. Recomputes are debounced and serialized.
type Session struct {
	id      string
	cfg     Config
	surface Surface
	logger  *slog.Logger

	monitor   *perf.Monitor
	pool      *pool.Pool
	expander  *spider.Expander
	clusters  *cache.ClusterCache
	markerIdx *cache.MarkerIndex
	onMarker  func(core.Marker)
	debouncer *scheduler.Debouncer[core.Viewport]

	mu        sync.RWMutex
	markers   []core.Marker
	viewport  core.Viewport
	hasView   bool
	lastFrame Frame
	shown     []core.Cluster // clusters of the last recompute, spider members included
	seq       uint64

	renderMu sync.Mutex // one recompute or re-render at a time

	disposers []Disposer
	closeOnce sync.Once
	closed    bool
}

// NewSession builds a session and subscribes it to the surface.
func NewSession(cfg Config, deps Dependencies) (*Session, error) {
	if deps.Surface == nil {
		return nil, errors.New("pipeline: surface is required")
	}
	if deps.Factory == nil {
		return nil, errors.New("pipeline: handle factory is required")
	}

	cfg.Cluster = cfg.Cluster.WithDefaults()
	cfg.Thresholds = cfg.Thresholds.WithDefaults()
	if cfg.SpiderRadius <= 0 {
		cfg.SpiderRadius = spider.DefaultRadiusMeters
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		surface:   deps.Surface,
		logger:    deps.Logger,
		monitor:   deps.Monitor,
		pool:      pool.New(deps.Factory),
		expander:  spider.New(spider.Options{RadiusMeters: cfg.SpiderRadius, MaxZoom: cfg.Cluster.MaxZoom}),
		clusters:  deps.Clusters,
		markerIdx: deps.Markers,
		onMarker:  deps.OnMarkerClick,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", s.id)
	if s.monitor == nil {
		s.monitor = perf.New()
	}
	if s.clusters == nil {
		s.clusters = cache.NewClusterCache()
	}
	if s.markerIdx == nil {
		s.markerIdx = cache.NewMarkerIndex()
	}

	s.debouncer = scheduler.New(cfg.Thresholds.DebounceDelay, s.Recompute,
		scheduler.WithLogger(logging.NewLoggerAdapter(s.logger)),
		scheduler.WithName("viewport"),
	)

	s.disposers = append(s.disposers,
		deps.Surface.OnViewport(s.HandleViewport),
		deps.Surface.OnClusterClick(s.ClickCluster),
	)

	s.logger.Debug("session started",
		"gridSize", cfg.Cluster.GridSize,
		"maxZoom", cfg.Cluster.MaxZoom,
		"maxVisible", cfg.Thresholds.MaxVisibleMarkers)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Monitor returns the performance monitor of the session.
func (s *Session) Monitor() *perf.Monitor {
	return s.monitor
}

// PoolStats returns the render pool counters.
func (s *Session) PoolStats() pool.Stats {
	return s.pool.Stats()
}

// Viewport returns the last viewport reported by the surface.
func (s *Session) Viewport() (core.Viewport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport, s.hasView
}

// LastFrame returns the most recently rendered frame.
func (s *Session) LastFrame() Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFrame
}

// SetMarkers replaces the listing set, collapses the spider and schedules a
// recompute for the current viewport. The slice is not copied and must not be
// modified afterwards.
func (s *Session) SetMarkers(markers []core.Marker) {
	s.mu.Lock()
	s.markers = markers
	vp, ok := s.viewport, s.hasView
	s.mu.Unlock()

	s.markerIdx.Load(markers)
	s.expander.Close()
	if ok {
		s.debouncer.Schedule(vp)
	}
}

// HandleViewport records a viewport change and schedules a recompute.
func (s *Session) HandleViewport(vp core.Viewport) {
	s.mu.Lock()
	s.viewport = vp
	s.hasView = true
	s.mu.Unlock()

	s.debouncer.Schedule(vp)
}

// Flush runs a pending recompute now and reports whether there was one.
func (s *Session) Flush() bool {
	return s.debouncer.Flush()
}

// Recompute runs the full pipeline for vp and renders the result.
func (s *Session) Recompute(vp core.Viewport) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	if s.isClosed() {
		return
	}

	endTotal := s.monitor.StartTimer(perf.StageRecompute)

	s.mu.RLock()
	markers := s.markers
	s.mu.RUnlock()

	end := s.monitor.StartTimer(perf.StageFilter)
	visible := viewport.Filter(markers, vp.Bounds, s.cfg.Buffer)
	end()

	end = s.monitor.StartTimer(perf.StagePrioritize)
	ranked := s.cfg.Ranker.Prioritize(visible, vp.Center, vp.Zoom, s.cfg.Thresholds.MaxVisibleMarkers)
	end()

	end = s.monitor.StartTimer(perf.StageCluster)
	clusters := cluster.Cluster(ranked, vp.Zoom, vp.Bounds, s.cfg.Cluster)
	end()

	s.clusters.Replace(vp.Zoom, clusters)
	if s.expander.OnZoomChange(vp.Zoom) {
		s.logger.Debug("spider collapsed on zoom change", "zoom", vp.Zoom)
	}

	s.renderLocked(vp, clusters)
	s.monitor.RecordViewportUpdate()
	endTotal()

	s.logger.Debug("recompute complete",
		"markers", len(markers),
		"visible", len(visible),
		"ranked", len(ranked),
		"clusters", len(clusters),
		"zoom", vp.Zoom)
}

// renderLocked turns clusters and the spider state into descriptors, reconciles
// them against the pool and hands the frame to the surface. renderMu must be held.
func (s *Session) renderLocked(vp core.Viewport, clusters []core.Cluster) {
	end := s.monitor.StartTimer(perf.StageRender)
	defer end()

	exp := s.expander.Current()

	// fanned-out markers are drawn by their legs only
	drawn := clusters
	if exp != nil {
		drawn = withoutLegs(clusters, exp)
	}

	descs := make([]pool.Descriptor, 0, len(drawn))
	for _, c := range drawn {
		descs = append(descs, clusterDescriptor(c))
	}
	if exp != nil {
		for _, leg := range exp.Legs {
			descs = append(descs,
				pool.Descriptor{
					Kind:     pool.KindPin,
					ID:       "spider/" + leg.Marker.ID,
					Position: leg.Position,
					Label:    leg.Marker.Title,
				},
				pool.Descriptor{
					Kind:     pool.KindLine,
					ID:       "spider-line/" + leg.Marker.ID,
					Position: leg.Line[0],
					Path:     leg.Line[:],
				},
			)
		}
	}

	handles := s.pool.Reconcile(descs)
	if s.cfg.IdleKeep > 0 {
		s.pool.EvictIdle(s.cfg.IdleKeep)
	}

	frame := Frame{
		Viewport: vp,
		Clusters: make([]RenderedCluster, len(drawn)),
		Summary:  cluster.Summarize(clusters),
	}
	for i, c := range drawn {
		frame.Clusters[i] = RenderedCluster{Cluster: c, Glyph: !c.IsSingleton(), Handle: handles[i]}
	}
	if exp != nil {
		view := &SpiderView{ClusterID: exp.ClusterID, Center: exp.Center, Legs: make([]SpiderLeg, len(exp.Legs))}
		base := len(drawn)
		for i, leg := range exp.Legs {
			view.Legs[i] = SpiderLeg{
				Leg:        leg,
				PinHandle:  handles[base+2*i],
				LineHandle: handles[base+2*i+1],
			}
		}
		frame.Spider = view
	}

	s.mu.Lock()
	s.seq++
	frame.Seq = s.seq
	s.lastFrame = frame
	s.shown = clusters
	s.mu.Unlock()

	s.surface.Render(frame)
}

// withoutLegs drops the singletons of markers that exp fans out.
func withoutLegs(clusters []core.Cluster, exp *spider.Expansion) []core.Cluster {
	legs := make(map[string]struct{}, len(exp.Legs))
	for _, leg := range exp.Legs {
		legs[leg.Marker.ID] = struct{}{}
	}
	out := make([]core.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if c.IsSingleton() {
			if _, ok := legs[c.Members[0].ID]; ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func clusterDescriptor(c core.Cluster) pool.Descriptor {
	if c.IsSingleton() {
		m := c.Members[0]
		return pool.Descriptor{Kind: pool.KindPin, ID: m.ID, Position: m.Position, Label: m.Title}
	}
	return pool.Descriptor{
		Kind:     pool.KindGlyph,
		ID:       c.ID,
		Position: c.Center,
		Label:    strconv.Itoa(c.Count),
		Count:    c.Count,
	}
}

// ClickCluster applies the click policy to the cluster with id: singletons
// act as a marker click, clusters below the max zoom zoom in to their bounds,
// and clusters at the max zoom toggle the spider. A click on the expanded
// cluster collapses it even after a recompute split it into singletons; a
// click on any other cluster collapses the spider first.
func (s *Session) ClickCluster(id string) {
	if s.collapseIf(id) {
		s.logger.Debug("spider toggled", "cluster", id, "expanded", false)
		return
	}

	c, ok := s.clusters.Get(id)
	if !ok {
		s.logger.Debug("click on unknown cluster", "cluster", id)
		return
	}

	zoom := s.clusters.Zoom()
	if vp, ok := s.Viewport(); ok {
		zoom = vp.Zoom
	}

	if !c.IsSingleton() && zoom >= s.cfg.Cluster.MaxZoom {
		s.renderMu.Lock()
		defer s.renderMu.Unlock()

		// Toggle replaces any other expansion
		exp := s.expander.Toggle(c, zoom)
		s.logger.Debug("spider toggled", "cluster", id, "expanded", exp != nil)
		s.rerenderLocked()
		return
	}

	s.CloseSpider()
	if c.IsSingleton() {
		s.clickMarker(c.Members[0])
		return
	}
	s.logger.Debug("zooming to cluster", "cluster", id, "count", c.Count)
	s.surface.FitBounds(c.Bounds, s.cfg.Cluster.MaxZoom)
}

// collapseIf collapses the spider when id is the expanded cluster.
func (s *Session) collapseIf(id string) bool {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	exp := s.expander.Current()
	if exp == nil || exp.ClusterID != id {
		return false
	}
	s.expander.Close()
	s.rerenderLocked()
	return true
}

// ClickMarker resolves a listing ID and reports it to OnMarkerClick.
func (s *Session) ClickMarker(id string) {
	m, ok := s.markerIdx.Get(id)
	if !ok {
		s.logger.Debug("click on unknown marker", "marker", id)
		return
	}
	s.clickMarker(m)
}

func (s *Session) clickMarker(m core.Marker) {
	if s.onMarker != nil {
		s.onMarker(m)
	}
}

// CloseSpider collapses an expanded spider and re-renders.
func (s *Session) CloseSpider() {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	if !s.expander.Expanded() {
		return
	}
	s.expander.Close()
	s.rerenderLocked()
}

// SetZoom asks the surface to zoom. The resulting viewport event drives the recompute.
func (s *Session) SetZoom(zoom float64) {
	s.surface.SetZoom(zoom)
}

// EvictIdle destroys idle render handles beyond keep per kind.
func (s *Session) EvictIdle(keep int) int {
	return s.pool.EvictIdle(keep)
}

// rerenderLocked draws the clusters of the last recompute again with the
// current spider state. renderMu must be held.
func (s *Session) rerenderLocked() {
	if s.isClosed() {
		return
	}
	s.mu.RLock()
	vp, clusters := s.lastFrame.Viewport, s.shown
	s.mu.RUnlock()

	s.renderLocked(vp, clusters)
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops the scheduler, cancels every subscription and destroys all
// render handles. Subscription errors are joined; handles are released
// even if a disposer panics. It must not be called from a Surface callback.
func (s *Session) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		err = s.close()
	})
	return err
}

func (s *Session) close() (err error) {
	s.mu.Lock()
	s.closed = true
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	defer func() {
		s.renderMu.Lock()
		defer s.renderMu.Unlock()
		s.expander.Close()
		s.pool.Close()
		s.clusters.Reset()
		s.logger.Debug("session closed", "pool", s.pool.Stats())
	}()

	s.debouncer.Stop()

	var errs []error
	for i := len(disposers) - 1; i >= 0; i-- {
		if disposers[i] == nil {
			continue
		}
		if derr := disposers[i](); derr != nil {
			errs = append(errs, fmt.Errorf("disposing subscription %d: %w", i, derr))
		}
	}
	return errors.Join(errs...)
}
