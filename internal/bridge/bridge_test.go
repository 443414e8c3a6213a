package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rentmap/mapcluster/internal/pipeline"
	"github.com/rentmap/mapcluster/internal/pool"
	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/rentmap/mapcluster/pkg/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nyc = []core.Marker{
	{ID: "a", Position: core.LatLng{Lat: 40.71285, Lng: -74.00605}, Title: "A"},
	{ID: "b", Position: core.LatLng{Lat: 40.71290, Lng: -74.00590}, Title: "B"},
	{ID: "c", Position: core.LatLng{Lat: 40.71275, Lng: -74.00595}, Title: "C"},
}

func testConfig() Config {
	cfg := pipeline.DefaultConfig()
	cfg.Thresholds.DebounceDelay = 5 * time.Millisecond
	return Config{Pipeline: cfg}
}

func startServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, opts...)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *ws.Conn {
	t.Helper()
	c, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *ws.Conn, msgType string, payload any) {
	t.Helper()
	env, err := streaming.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(env))
}

type incoming struct {
	Type    string          `json:"type"`
	For     string          `json:"for"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads messages until accept returns true or the deadline hits.
func readUntil(t *testing.T, c *ws.Conn, accept func(incoming) bool) incoming {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg incoming
		require.NoError(t, c.ReadJSON(&msg))
		if accept(msg) {
			return msg
		}
	}
}

func ofType(msgType string) func(incoming) bool {
	return func(m incoming) bool { return m.Type == msgType }
}

func frameWithClusters(m incoming) bool {
	if m.Type != streaming.TypeFrame {
		return false
	}
	var f pipeline.Frame
	return json.Unmarshal(m.Payload, &f) == nil && len(f.Clusters) > 0
}

func viewport(zoom float64) streaming.ViewportPayload {
	return streaming.ViewportPayload{
		Bounds: &core.Bounds{North: 40.8, South: 40.6, East: -73.9, West: -74.1},
		Zoom:   zoom,
		Center: core.LatLng{Lat: 40.7128, Lng: -74.006},
	}
}

func TestBridge_FrameAndFitBounds(t *testing.T) {
	srv, url := startServer(t, testConfig())
	c := dial(t, url)

	send(t, c, streaming.TypeMarkers, streaming.MarkersPayload{Markers: nyc})
	ack := readUntil(t, c, ofType(streaming.TypeAck))
	assert.Equal(t, streaming.TypeMarkers, ack.For)

	send(t, c, streaming.TypeViewport, viewport(10))
	msg := readUntil(t, c, frameWithClusters)

	var f pipeline.Frame
	require.NoError(t, json.Unmarshal(msg.Payload, &f))
	require.Len(t, f.Clusters, 1)
	assert.Equal(t, 3, f.Clusters[0].Cluster.Count)
	assert.True(t, f.Clusters[0].Glyph)
	require.NotNil(t, f.Clusters[0].Handle)
	assert.NotEmpty(t, f.Clusters[0].Handle.ID)
	assert.Equal(t, 1, srv.Connections())

	send(t, c, streaming.TypeClusterClick, streaming.ClusterClickPayload{ClusterID: f.Clusters[0].Cluster.ID})
	fit := readUntil(t, c, ofType(streaming.TypeFitBounds))

	var fb streaming.FitBoundsPayload
	require.NoError(t, json.Unmarshal(fit.Payload, &fb))
	assert.Equal(t, 15.0, fb.MaxZoom)
	assert.InDelta(t, 40.71290, fb.Bounds.North, 1e-9)
	assert.InDelta(t, -74.00605, fb.Bounds.West, 1e-9)
}

func TestBridge_MarkerClickAndZoom(t *testing.T) {
	_, url := startServer(t, testConfig())
	c := dial(t, url)

	send(t, c, streaming.TypeMarkers, streaming.MarkersPayload{Markers: nyc})
	send(t, c, streaming.TypeViewport, viewport(10))
	// markers are applied asynchronously; a populated frame means they landed
	readUntil(t, c, frameWithClusters)

	send(t, c, streaming.TypeMarkerClick, streaming.MarkerClickPayload{MarkerID: "b"})
	msg := readUntil(t, c, ofType(streaming.TypeMarkerSelected))
	var sel streaming.MarkerSelectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &sel))
	assert.Equal(t, "B", sel.Marker.Title)

	send(t, c, streaming.TypeSetZoom, streaming.ZoomPayload{Zoom: 12})
	msg = readUntil(t, c, ofType(streaming.TypeZoomTo))
	var z streaming.ZoomPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &z))
	assert.Equal(t, 12.0, z.Zoom)
}

func TestBridge_Errors(t *testing.T) {
	_, url := startServer(t, testConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteMessage(ws.TextMessage, []byte(`not json`)))
	msg := readUntil(t, c, ofType(streaming.TypeError))
	assert.Equal(t, "malformed envelope", msg.Error)

	send(t, c, "teleport", struct{}{})
	msg = readUntil(t, c, ofType(streaming.TypeError))
	assert.Equal(t, "teleport", msg.For)
	assert.Contains(t, msg.Error, "unknown command")

	send(t, c, streaming.TypeClusterClick, streaming.ClusterClickPayload{})
	msg = readUntil(t, c, ofType(streaming.TypeError))
	assert.Equal(t, streaming.TypeClusterClick, msg.For)
}

func TestBridge_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	_, url := startServer(t, cfg)
	c := dial(t, url)

	send(t, c, streaming.TypeSpiderClose, struct{}{})
	assert.Equal(t, streaming.TypeSpiderClose, readUntil(t, c, ofType(streaming.TypeAck)).For)

	send(t, c, streaming.TypeSpiderClose, struct{}{})
	msg := readUntil(t, c, ofType(streaming.TypeError))
	assert.Equal(t, errRateLimited.Error(), msg.Error)
}

func TestBridge_MarkerLoaderAndSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, url := startServer(t, testConfig(),
		WithRegisterer(reg),
		WithMarkerLoader(func(context.Context) ([]core.Marker, error) { return nyc, nil }),
	)
	c := dial(t, url)

	send(t, c, streaming.TypeViewport, viewport(10))
	readUntil(t, c, frameWithClusters)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	require.Eventually(t, func() bool {
		return sessions[0].Monitor().Snapshot().ViewportUpdates >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sessions[0].PoolStats().Outstanding)
	require.Eventually(t, func() bool {
		return sessions[0].Monitor().Snapshot().Stages[perf.StageSend].Count >= 1
	}, time.Second, 5*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBridge_LoaderErrorKeepsConnection(t *testing.T) {
	_, url := startServer(t, testConfig(),
		WithMarkerLoader(func(context.Context) ([]core.Marker, error) { return nil, errors.New("api down") }),
	)
	c := dial(t, url)

	send(t, c, streaming.TypeMarkers, streaming.MarkersPayload{Markers: nyc})
	assert.Equal(t, streaming.TypeMarkers, readUntil(t, c, ofType(streaming.TypeAck)).For)
}

func TestBridge_DisconnectReleasesSession(t *testing.T) {
	srv, url := startServer(t, testConfig())
	c := dial(t, url)

	send(t, c, streaming.TypeMarkers, streaming.MarkersPayload{Markers: nyc})
	readUntil(t, c, ofType(streaming.TypeAck))
	send(t, c, streaming.TypeViewport, viewport(10))
	readUntil(t, c, frameWithClusters)

	require.NoError(t, c.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "")))
	_ = c.Close()

	require.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, srv.Sessions())
}

func TestRemoteFactory(t *testing.T) {
	f := &remoteFactory{}
	h := f.Create(poolDescriptor())
	f.Update(h, poolDescriptor())
	assert.Equal(t, 1, h.(*remoteHandle).Version)
	assert.Equal(t, int64(1), f.Live())
	f.Destroy(h)
	assert.Equal(t, int64(0), f.Live())
}

func poolDescriptor() pool.Descriptor {
	return pool.Descriptor{Kind: pool.KindPin, ID: "m/a"}
}
