package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/rentmap/mapcluster/pkg/core"
)

// Incoming message types, sent by the map client.
const (
	TypeViewport     = "viewport"
	TypeMarkers      = "markers"
	TypeClusterClick = "cluster_click"
	TypeMarkerClick  = "marker_click"
	TypeSpiderClose  = "spider_close"
	TypeSetZoom      = "set_zoom"
)

// Outgoing message types, sent by the server.
const (
	TypeFrame          = "frame"
	TypeFitBounds      = "fit_bounds"
	TypeZoomTo         = "zoom_to"
	TypeMarkerSelected = "marker_selected"
	TypeAck            = "ack"
	TypeError          = "error"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload under type t.
func NewEnvelope(t string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// ErrorMessage reports a rejected incoming message.
type ErrorMessage struct {
	Type  string `json:"type"` // always "error"
	For   string `json:"for"`
	Error string `json:"error"`
}

// ViewportPayload is what the map reports after a pan or zoom.
type ViewportPayload struct {
	Bounds *core.Bounds `json:"bounds,omitempty"`
	Zoom   float64      `json:"zoom"`
	Center core.LatLng  `json:"center"`
}

// Viewport converts the payload to the domain type.
func (p ViewportPayload) Viewport() core.Viewport {
	return core.Viewport{Bounds: p.Bounds, Zoom: p.Zoom, Center: p.Center}
}

// MarkersPayload replaces the listing set of the session.
type MarkersPayload struct {
	Markers []core.Marker `json:"markers"`
}

// ClusterClickPayload names the clicked cluster.
type ClusterClickPayload struct {
	ClusterID string `json:"clusterId"`
}

// MarkerClickPayload names the clicked listing.
type MarkerClickPayload struct {
	MarkerID string `json:"markerId"`
}

// ZoomPayload carries a zoom level, both ways.
type ZoomPayload struct {
	Zoom float64 `json:"zoom"`
}

// FitBoundsPayload asks the map to show bounds, zooming no further than MaxZoom.
type FitBoundsPayload struct {
	Bounds  core.Bounds `json:"bounds"`
	MaxZoom float64     `json:"maxZoom"`
}

// MarkerSelectedPayload tells the client which listing was chosen.
type MarkerSelectedPayload struct {
	Marker core.Marker `json:"marker"`
}
