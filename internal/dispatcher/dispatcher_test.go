package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingLogger implements Logger and keeps every line
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) log(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s %v", level, msg, kv))
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.log("DEBUG", msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.log("INFO", msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.log("ERROR", msg, kv) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, level+" ") {
			n++
		}
	}
	return n
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recordingLogger) {
	t.Helper()
	logger := &recordingLogger{}
	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d, logger
}

func zoomEvent(zoom int) Event {
	return Event{Command: "set_zoom", Payload: json.RawMessage(fmt.Sprintf(`{"zoom":%d}`, zoom))}
}

func TestDispatch_Sync(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got float64
	d.Register("set_zoom", func(e Event) (any, error) {
		var p struct{ Zoom float64 }
		if err := e.Decode(&p); err != nil {
			return nil, err
		}
		got = p.Zoom
		return "zoomed", nil
	})

	result, err := d.Dispatch(zoomEvent(14))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "zoomed" || got != 14 {
		t.Errorf("got result %v zoom %v", result, got)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(Event{Command: "teleport"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if !strings.Contains(err.Error(), "teleport") {
		t.Errorf("error should name the command: %v", err)
	}
}

func TestDispatch_SetsTimestamp(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Register("spider_close", func(e Event) (any, error) {
		got = e
		return nil, nil
	})

	if _, err := d.Dispatch(Event{Command: "spider_close"}); err != nil {
		t.Fatal(err)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := d.Dispatch(Event{Command: "spider_close", Timestamp: at}); err != nil {
		t.Fatal(err)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("caller timestamp overwritten: %v", got.Timestamp)
	}
}

func TestDispatch_Buffered(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	d.Register("markers", func(e Event) (any, error) {
		processed.Add(1)
		wg.Done()
		return nil, nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		result, err := d.Dispatch(Event{Command: "markers"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != Queued {
			t.Errorf("expected %q, got %v", Queued, result)
		}
	}
	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

// blockedRoute registers a buffered handler whose worker holds the first
// event until release is closed.
func blockedRoute(t *testing.T, d *Dispatcher, command string, seen *[]int, mu *sync.Mutex, opts ...Option) (release chan struct{}) {
	t.Helper()
	release = make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register(command, func(e Event) (any, error) {
		var p struct{ Zoom int }
		_ = e.Decode(&p)
		mu.Lock()
		*seen = append(*seen, p.Zoom)
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}, opts...)

	e := zoomEvent(1)
	e.Command = command
	if _, err := d.Dispatch(e); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first event")
	}
	return release
}

func TestDispatch_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var seen []int
	release := blockedRoute(t, d, "markers", &seen, &mu, Buffered(2))

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(Event{Command: "markers"}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if got := d.Pending("markers"); got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}

	_, err := d.Dispatch(Event{Command: "markers"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	close(release)
}

func TestDispatch_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var seen []int
	release := blockedRoute(t, d, "markers", &seen, &mu, Buffered(1), Blocking())

	if _, err := d.Dispatch(Event{Command: "markers"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(Event{Command: "markers"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch still blocked after the worker resumed")
	}
}

func TestDispatch_Coalesce(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var mu sync.Mutex
	var seen []int
	release := blockedRoute(t, d, "set_zoom", &seen, &mu, Buffered(1), Coalesce())

	for zoom := 2; zoom <= 4; zoom++ {
		result, err := d.Dispatch(zoomEvent(zoom))
		if err != nil {
			t.Fatalf("zoom %d: %v", zoom, err)
		}
		if result != Queued {
			t.Errorf("expected %q, got %v", Queued, result)
		}
	}
	if got := d.Pending("set_zoom"); got != 1 {
		t.Errorf("expected 1 pending, got %d", got)
	}

	close(release)
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != "[1 4]" {
		t.Errorf("expected the worker to see [1 4], got %v", seen)
	}
}

func TestDispatch_Logged(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		debug  int
		errors int
	}{
		{"success", nil, 2, 0},
		{"failure", errors.New("bad cluster id"), 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, logger := newTestDispatcher(t)
			d.Register("cluster_click", func(e Event) (any, error) {
				return nil, tt.err
			}, Logged())

			_, err := d.Dispatch(Event{Command: "cluster_click", Payload: json.RawMessage(`{"clusterId":"c/12/1/2"}`)})
			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
			if got := logger.count("DEBUG"); got != tt.debug {
				t.Errorf("expected %d debug lines, got %d", tt.debug, got)
			}
			if got := logger.count("ERROR"); got != tt.errors {
				t.Errorf("expected %d error lines, got %d", tt.errors, got)
			}
		})
	}
}

func TestDispatch_BufferedAndLogged(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var wg sync.WaitGroup
	wg.Add(1)
	d.Register("markers", func(e Event) (any, error) {
		wg.Done()
		return "done", nil
	}, Buffered(100), Logged())

	result, err := d.Dispatch(Event{Command: "markers"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != Queued {
		t.Errorf("expected %q, got %v", Queued, result)
	}
	wg.Wait()

	if got := logger.count("DEBUG"); got != 2 {
		t.Errorf("expected 2 debug lines, got %d", got)
	}
}

func TestPending_SyncRoute(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.Register("viewport", func(e Event) (any, error) { return nil, nil })

	if _, err := d.Dispatch(Event{Command: "viewport"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if d.Pending("viewport") != 0 {
		t.Error("sync routes have no queue")
	}
}

func TestEvent_Decode(t *testing.T) {
	var v struct {
		Zoom float64 `json:"zoom"`
	}

	e := Event{Command: "set_zoom", Payload: json.RawMessage(`{"zoom":12.5}`)}
	if err := e.Decode(&v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Zoom != 12.5 {
		t.Errorf("expected zoom 12.5, got %v", v.Zoom)
	}

	if err := (Event{Command: "set_zoom"}).Decode(&v); err == nil {
		t.Error("expected error for empty payload")
	}
	if err := (Event{Command: "set_zoom", Payload: json.RawMessage(`{`)}).Decode(&v); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestClose_DrainsQueues(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var processed atomic.Int32
	d.Register("markers", func(e Event) (any, error) {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil, errors.New("handler failed")
	}, Buffered(10))

	for i := 0; i < 5; i++ {
		if _, err := d.Dispatch(Event{Command: "markers"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	d.Close()
	d.Close()

	if processed.Load() != 5 {
		t.Errorf("expected 5 processed before close returned, got %d", processed.Load())
	}
	if _, err := d.Dispatch(Event{Command: "markers"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if got := logger.count("ERROR"); got != 5 {
		t.Errorf("expected 5 error logs from the worker, got %d", got)
	}
}
