package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	args []int
}

func (r *recorder) run(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = append(r.args, v)
}

func (r *recorder) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.args...)
}

type mockLogger struct {
	debug atomic.Int32
}

func (l *mockLogger) Debug(msg string, keysAndValues ...any) { l.debug.Add(1) }
func (l *mockLogger) Info(msg string, keysAndValues ...any)  {}
func (l *mockLogger) Error(msg string, keysAndValues ...any) {}

func TestDebouncer_BurstCollapsesToLastCall(t *testing.T) {
	rec := &recorder{}
	d := New(30*time.Millisecond, rec.run)
	t.Cleanup(d.Stop)

	for i := 1; i <= 10; i++ {
		d.Schedule(i)
	}
	assert.True(t, d.Pending())

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []int{10}, rec.calls())
	assert.False(t, d.Pending())
}

func TestDebouncer_NewCallRestartsDelay(t *testing.T) {
	rec := &recorder{}
	d := New(80*time.Millisecond, rec.run)
	t.Cleanup(d.Stop)

	d.Schedule(1)
	time.Sleep(40 * time.Millisecond)
	d.Schedule(2)
	time.Sleep(50 * time.Millisecond)

	// 90ms after the first call but only 50ms after the second
	assert.Empty(t, rec.calls())

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, rec.calls())
}

func TestDebouncer_SeparateBurstsRunSeparately(t *testing.T) {
	rec := &recorder{}
	d := New(10*time.Millisecond, rec.run)
	t.Cleanup(d.Stop)

	d.Schedule(1)
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 2*time.Millisecond)
	d.Schedule(2)
	require.Eventually(t, func() bool { return len(rec.calls()) == 2 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, []int{1, 2}, rec.calls())
}

func TestDebouncer_Flush(t *testing.T) {
	rec := &recorder{}
	d := New(time.Hour, rec.run)
	t.Cleanup(d.Stop)

	assert.False(t, d.Flush(), "nothing pending")

	d.Schedule(7)
	assert.True(t, d.Flush())
	assert.Equal(t, []int{7}, rec.calls())
	assert.False(t, d.Pending())
	assert.False(t, d.Flush(), "flush consumes the pending call")
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	rec := &recorder{}
	d := New(20*time.Millisecond, rec.run)

	d.Schedule(1)
	d.Stop()
	d.Schedule(2)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.calls())
	assert.False(t, d.Pending())
	assert.False(t, d.Flush())
}

func TestDebouncer_StopWaitsForInflightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	d := New(time.Millisecond, func(int) {
		close(started)
		<-release
		finished.Store(true)
	})

	d.Schedule(1)
	<-started

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.True(t, finished.Load())
}

func TestDebouncer_RunsNeverOverlap(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	rec := &recorder{}
	log := &mockLogger{}

	d := New(time.Millisecond, func(v int) {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		if v == 1 {
			<-release
		}
		rec.run(v)
		active.Add(-1)
	}, WithLogger(log), WithName("test"))
	t.Cleanup(d.Stop)

	d.Schedule(1)
	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, time.Millisecond)

	// each of these fires and waits behind run 1; only the last survives
	d.Schedule(2)
	time.Sleep(10 * time.Millisecond)
	d.Schedule(3)
	time.Sleep(10 * time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return len(rec.calls()) == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []int{1, 3}, rec.calls())
	assert.Equal(t, int32(1), peak.Load())
	assert.GreaterOrEqual(t, log.debug.Load(), int32(1))
}
