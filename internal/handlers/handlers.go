// Package handlers turns client commands into session calls.
package handlers

import (
	"fmt"
	"math"

	"github.com/rentmap/mapcluster/internal/dispatcher"
	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/rentmap/mapcluster/pkg/streaming"
)

// Session is the part of pipeline.Session the handlers drive.
type Session interface {
	HandleViewport(vp core.Viewport)
	SetMarkers(markers []core.Marker)
	ClickCluster(id string)
	ClickMarker(id string)
	CloseSpider()
	SetZoom(zoom float64)
}

// Service provides handler methods for processing client commands
type Service struct {
	session Session
}

// NewService creates a new handler service
func NewService(session Session) *Service {
	return &Service{session: session}
}

// Routes maps every client command to its handler, for callers that run
// commands in order without a dispatcher (replays).
func (s *Service) Routes() map[string]dispatcher.HandlerFunc {
	return map[string]dispatcher.HandlerFunc{
		streaming.TypeViewport:     s.Viewport,
		streaming.TypeMarkers:      s.Markers,
		streaming.TypeClusterClick: s.ClusterClick,
		streaming.TypeMarkerClick:  s.MarkerClick,
		streaming.TypeSpiderClose:  s.SpiderClose,
		streaming.TypeSetZoom:      s.SetZoom,
	}
}

// Register wires every client command into d. Viewport events are cheap
// (the session debounces them) and are handled inline. Marker loads are
// queued so a large payload does not stall the read loop; a newer load
// replaces one still waiting.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	opts := map[string][]dispatcher.Option{
		streaming.TypeMarkers:      {dispatcher.Buffered(1), dispatcher.Coalesce(), dispatcher.Logged()},
		streaming.TypeClusterClick: {dispatcher.Logged()},
		streaming.TypeMarkerClick:  {dispatcher.Logged()},
	}
	for cmd, h := range s.Routes() {
		d.Register(cmd, h, opts[cmd]...)
	}
}

// Viewport handles a pan or zoom report
func (s *Service) Viewport(e dispatcher.Event) (any, error) {
	var p streaming.ViewportPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	if math.IsNaN(p.Zoom) || math.IsInf(p.Zoom, 0) || p.Zoom < 0 {
		return nil, fmt.Errorf("%s: invalid zoom %v", e.Command, p.Zoom)
	}
	s.session.HandleViewport(p.Viewport())
	return nil, nil
}

// Markers handles a new listing set
func (s *Service) Markers(e dispatcher.Event) (any, error) {
	var p streaming.MarkersPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	s.session.SetMarkers(p.Markers)
	return len(p.Markers), nil
}

// ClusterClick handles a click on a cluster or a singleton
func (s *Service) ClusterClick(e dispatcher.Event) (any, error) {
	var p streaming.ClusterClickPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	if p.ClusterID == "" {
		return nil, fmt.Errorf("%s: missing cluster id", e.Command)
	}
	s.session.ClickCluster(p.ClusterID)
	return nil, nil
}

// MarkerClick handles a click on a listing pin, spider legs included
func (s *Service) MarkerClick(e dispatcher.Event) (any, error) {
	var p streaming.MarkerClickPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	if p.MarkerID == "" {
		return nil, fmt.Errorf("%s: missing marker id", e.Command)
	}
	s.session.ClickMarker(p.MarkerID)
	return nil, nil
}

// SpiderClose collapses the spider, e.g. on a click on empty map
func (s *Service) SpiderClose(e dispatcher.Event) (any, error) {
	s.session.CloseSpider()
	return nil, nil
}

// SetZoom asks the map to change zoom
func (s *Service) SetZoom(e dispatcher.Event) (any, error) {
	var p streaming.ZoomPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	s.session.SetZoom(p.Zoom)
	return nil, nil
}
