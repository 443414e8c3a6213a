package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rentmap/mapcluster/internal/cluster"
	"github.com/rentmap/mapcluster/internal/config"
	"github.com/rentmap/mapcluster/internal/dispatcher"
	"github.com/rentmap/mapcluster/internal/handlers"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rentmap/mapcluster/internal/pipeline"
	"github.com/rentmap/mapcluster/internal/pool"
	"github.com/rentmap/mapcluster/internal/spider"
	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/rentmap/mapcluster/pkg/streaming"
)

// maxEventLine bounds one JSONL event; markers events can be large.
const maxEventLine = 16 << 20

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configDir := fs.String("config", ".", "directory holding "+config.FileName)
	markersPath := fs.String("markers", "", "JSON array of listings to start with")
	eventsPath := fs.String("events", "", "JSONL file of client envelopes (required)")
	outPath := fs.String("out", "-", "JSONL output of server envelopes, zstd-compressed for a .zst suffix")
	geojsonPath := fs.String("geojson", "", "write the clusters of the last frame as GeoJSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eventsPath == "" {
		fs.Usage()
		return errors.New("replay: -events is required")
	}

	a, err := setup("replay", *configDir, nil)
	if err != nil {
		return err
	}
	defer a.close()

	var markers []core.Marker
	if *markersPath != "" {
		if markers, err = readMarkers(*markersPath); err != nil {
			return err
		}
	}

	events, err := os.Open(*eventsPath)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer events.Close()

	out, closeOut, err := openOutput(*outPath)
	if err != nil {
		return err
	}

	res, err := replay(markers, events, out, pipelineConfig(config.GetPipelineConfig()), a.logger)
	if cerr := closeOut(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if *geojsonPath != "" {
		if err := writeGeoJSON(*geojsonPath, res.Last); err != nil {
			return err
		}
	}

	attrs := []any{
		"events", res.Events,
		"errors", res.Errors,
		"frames", res.Frames,
		"viewportUpdates", res.Perf.ViewportUpdates,
	}
	for name, st := range res.Perf.Stages {
		attrs = append(attrs, slog.Group(name,
			"count", st.Count,
			"mean", st.Mean(),
			"max", st.Max,
		))
	}
	a.logger.Info("Replay finished", attrs...)
	return nil
}

// replayResult summarizes one replay run.
type replayResult struct {
	Events int
	Errors int
	Frames int
	Last   pipeline.Frame
	Perf   perf.Snapshot
}

// replay feeds events through a fresh session, one envelope per line, and
// writes every outgoing message to out. Recomputes run synchronously after
// each event, so the output does not depend on timing.
func replay(markers []core.Marker, events io.Reader, out io.Writer, cfg pipeline.Config, logger *slog.Logger) (replayResult, error) {
	var res replayResult
	if logger == nil {
		logger = slog.Default()
	}

	surf := newReplaySurface(out)
	sess, err := pipeline.NewSession(cfg, pipeline.Dependencies{
		Surface:       surf,
		Factory:       nopFactory{},
		Logger:        logger,
		OnMarkerClick: surf.selectMarker,
	})
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if len(markers) > 0 {
		sess.SetMarkers(markers)
	}
	routes := handlers.NewService(sess).Routes()

	sc := bufio.NewScanner(events)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		res.Events++

		var env streaming.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			res.Errors++
			logger.Warn("Skipping malformed event", "line", line, "error", err)
			surf.writeJSON(streaming.ErrorMessage{Type: streaming.TypeError, Error: "malformed envelope"})
			continue
		}

		h, ok := routes[env.Type]
		if !ok {
			res.Errors++
			err := fmt.Errorf("%w: %s", dispatcher.ErrUnknownCommand, env.Type)
			logger.Warn("Skipping event", "line", line, "error", err)
			surf.writeJSON(streaming.ErrorMessage{Type: streaming.TypeError, For: env.Type, Error: err.Error()})
			continue
		}
		if _, err := h(dispatcher.Event{Command: env.Type, Payload: env.Payload, Timestamp: time.Now()}); err != nil {
			res.Errors++
			logger.Warn("Event rejected", "line", line, "type", env.Type, "error", err)
			surf.writeJSON(streaming.ErrorMessage{Type: streaming.TypeError, For: env.Type, Error: err.Error()})
			continue
		}
		sess.Flush()

		if err := surf.Err(); err != nil {
			return res, fmt.Errorf("write output: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read events: %w", err)
	}

	res.Frames = surf.Frames()
	res.Last = sess.LastFrame()
	res.Perf = sess.Monitor().Snapshot()
	return res, surf.Err()
}

// replaySurface is a map surface that writes server envelopes as JSON lines.
// Subscriptions are accepted but never fire; events are fed to the session
// directly.
type replaySurface struct {
	mu     sync.Mutex
	enc    *json.Encoder
	frames int
	err    error
}

func newReplaySurface(w io.Writer) *replaySurface {
	return &replaySurface{enc: json.NewEncoder(w)}
}

func (r *replaySurface) Render(f pipeline.Frame) {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
	r.writeEnvelope(streaming.TypeFrame, f)
}

func (r *replaySurface) FitBounds(b core.Bounds, maxZoom float64) {
	r.writeEnvelope(streaming.TypeFitBounds, streaming.FitBoundsPayload{Bounds: b, MaxZoom: maxZoom})
}

func (r *replaySurface) SetZoom(zoom float64) {
	r.writeEnvelope(streaming.TypeZoomTo, streaming.ZoomPayload{Zoom: zoom})
}

func (r *replaySurface) OnViewport(func(core.Viewport)) pipeline.Disposer {
	return func() error { return nil }
}

func (r *replaySurface) OnClusterClick(func(string)) pipeline.Disposer {
	return func() error { return nil }
}

func (r *replaySurface) selectMarker(m core.Marker) {
	r.writeEnvelope(streaming.TypeMarkerSelected, streaming.MarkerSelectedPayload{Marker: m})
}

func (r *replaySurface) writeEnvelope(msgType string, payload any) {
	env, err := streaming.NewEnvelope(msgType, payload)
	if err != nil {
		r.setErr(err)
		return
	}
	r.writeJSON(env)
}

func (r *replaySurface) writeJSON(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.err = r.enc.Encode(v)
}

func (r *replaySurface) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first write error.
func (r *replaySurface) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Frames returns how many frames were rendered.
func (r *replaySurface) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// nopFactory backs handles with nothing; a replay has no map to draw on.
type nopFactory struct{}

func (nopFactory) Create(pool.Descriptor) any  { return nil }
func (nopFactory) Update(any, pool.Descriptor) {}
func (nopFactory) Destroy(any)                 {}

func readMarkers(path string) ([]core.Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markers: %w", err)
	}
	var markers []core.Marker
	if err := json.Unmarshal(data, &markers); err != nil {
		return nil, fmt.Errorf("decode markers %s: %w", path, err)
	}
	return markers, nil
}

// openOutput opens path for writing; "-" is stdout. A ".zst" suffix wraps
// the file in a zstd encoder. The returned func flushes and closes.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, f.Close, nil
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return enc, func() error {
		return errors.Join(enc.Close(), f.Close())
	}, nil
}

// writeGeoJSON writes the clusters of f, their bounds and any spider legs as
// a GeoJSON feature collection.
func writeGeoJSON(path string, f pipeline.Frame) error {
	clusters := make([]core.Cluster, len(f.Clusters))
	for i, rc := range f.Clusters {
		clusters[i] = rc.Cluster
	}
	fc, err := cluster.ToFeatureCollection(clusters)
	if err != nil {
		return fmt.Errorf("build geojson: %w", err)
	}
	if f.Spider != nil {
		legs := make([]spider.Leg, len(f.Spider.Legs))
		for i, l := range f.Spider.Legs {
			legs[i] = l.Leg
		}
		lines, err := spider.Features(f.Spider.ClusterID, legs)
		if err != nil {
			return fmt.Errorf("build geojson: %w", err)
		}
		fc = append(fc, lines...)
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write geojson: %w", err)
	}
	return nil
}
