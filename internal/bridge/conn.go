package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rentmap/mapcluster/internal/dispatcher"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rentmap/mapcluster/internal/pipeline"
	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/rentmap/mapcluster/pkg/streaming"
	"golang.org/x/time/rate"
)

const (
	sendChSize = 256
	writeWait  = 10 * time.Second
)

// errRateLimited is reported to the client, the message is discarded.
var errRateLimited = errors.New("rate limited")

// conn is one browser map. It is the pipeline.Surface of its session:
// frames and map commands go out as envelopes, viewport reports and cluster
// clicks come in and reach the session through its subscriptions.
type conn struct {
	id      string
	ws      *ws.Conn
	sendCh  chan []byte
	done    chan struct{}
	logger  *slog.Logger
	limiter *rate.Limiter
	factory *remoteFactory

	session    *pipeline.Session
	dispatcher *dispatcher.Dispatcher

	mu          sync.Mutex
	closed      bool
	nextSub     int
	viewportFns map[int]func(core.Viewport)
	clickFns    map[int]func(string)
}

func newConn(c *ws.Conn, logger *slog.Logger, limiter *rate.Limiter) *conn {
	return &conn{
		ws:          c,
		sendCh:      make(chan []byte, sendChSize),
		done:        make(chan struct{}),
		logger:      logger,
		limiter:     limiter,
		factory:     &remoteFactory{},
		viewportFns: make(map[int]func(core.Viewport)),
		clickFns:    make(map[int]func(string)),
	}
}

// Render implements pipeline.Surface.
func (c *conn) Render(f pipeline.Frame) {
	c.sendEnvelope(streaming.TypeFrame, f)
}

// FitBounds implements pipeline.Surface.
func (c *conn) FitBounds(b core.Bounds, maxZoom float64) {
	c.sendEnvelope(streaming.TypeFitBounds, streaming.FitBoundsPayload{Bounds: b, MaxZoom: maxZoom})
}

// SetZoom implements pipeline.Surface.
func (c *conn) SetZoom(zoom float64) {
	c.sendEnvelope(streaming.TypeZoomTo, streaming.ZoomPayload{Zoom: zoom})
}

// OnViewport implements pipeline.Surface.
func (c *conn) OnViewport(fn func(core.Viewport)) pipeline.Disposer {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.viewportFns[id] = fn
	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.viewportFns, id)
		return nil
	}
}

// OnClusterClick implements pipeline.Surface.
func (c *conn) OnClusterClick(fn func(string)) pipeline.Disposer {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.clickFns[id] = fn
	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.clickFns, id)
		return nil
	}
}

func (c *conn) emitViewport(vp core.Viewport) {
	c.mu.Lock()
	fns := make([]func(core.Viewport), 0, len(c.viewportFns))
	for _, fn := range c.viewportFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(vp)
	}
}

func (c *conn) emitClusterClick(id string) {
	c.mu.Lock()
	fns := make([]func(string), 0, len(c.clickFns))
	for _, fn := range c.clickFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

func (c *conn) selectMarker(m core.Marker) {
	c.sendEnvelope(streaming.TypeMarkerSelected, streaming.MarkerSelectedPayload{Marker: m})
}

// commands adapts incoming client commands to the session. Viewport reports
// and cluster clicks travel through the surface subscriptions; the rest go
// straight to the session.
type commands struct {
	c *conn
}

func (x commands) HandleViewport(vp core.Viewport)  { x.c.emitViewport(vp) }
func (x commands) ClickCluster(id string)           { x.c.emitClusterClick(id) }
func (x commands) SetMarkers(markers []core.Marker) { x.c.session.SetMarkers(markers) }
func (x commands) ClickMarker(id string)            { x.c.session.ClickMarker(id) }
func (x commands) CloseSpider()                     { x.c.session.CloseSpider() }
func (x commands) SetZoom(zoom float64)             { x.c.session.SetZoom(zoom) }

func (c *conn) sendEnvelope(msgType string, payload any) {
	env, err := streaming.NewEnvelope(msgType, payload)
	if err != nil {
		c.logger.Error("encode outgoing message", "type", msgType, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("encode envelope", "type", msgType, "error", err)
		return
	}
	c.send(data)
}

func (c *conn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode outgoing message", "error", err)
		return
	}
	c.send(data)
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *conn) send(data []byte) {
	select {
	case <-c.done:
	case c.sendCh <- data:
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
	}
}

// writeLoop drains sendCh until the connection is shut down.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				c.shutdown()
				return
			}
			start := time.Now()
			if err := c.ws.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				c.shutdown()
				return
			}
			if c.session != nil {
				c.session.Monitor().Observe(perf.StageSend, time.Since(start))
			}
		}
	}
}

// readLoop dispatches incoming envelopes until the client goes away.
func (c *conn) readLoop() {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		c.handle(message)
	}
}

func (c *conn) handle(message []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
		c.sendJSON(streaming.ErrorMessage{Type: streaming.TypeError, Error: "malformed envelope"})
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendJSON(streaming.ErrorMessage{Type: streaming.TypeError, For: env.Type, Error: errRateLimited.Error()})
		return
	}

	_, err := c.dispatcher.Dispatch(dispatcher.Event{Command: env.Type, Payload: env.Payload})
	if err != nil {
		c.logger.Debug("command rejected", "type", env.Type, "error", err)
		c.sendJSON(streaming.ErrorMessage{Type: streaming.TypeError, For: env.Type, Error: err.Error()})
		return
	}
	// viewport reports are too frequent to acknowledge
	if env.Type != streaming.TypeViewport {
		c.sendJSON(streaming.AckMessage{Type: streaming.TypeAck, For: env.Type})
	}
}

// shutdown tears the connection down once: the dispatcher drains, the
// session releases its handles and the socket closes.
func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.dispatcher != nil {
		c.dispatcher.Close()
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil && !errors.Is(err, pipeline.ErrClosed) {
			c.logger.Warn("session teardown", "error", err)
		}
		// every handle should be gone once the session released its pool
		if n := c.factory.Live(); n != 0 {
			c.logger.Warn("render handles left after teardown", "live", n)
		}
	}
	_ = c.ws.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.ws.Close()
}
