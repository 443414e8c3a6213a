package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rentmap/mapcluster/internal/dispatcher"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// instruments are the dispatcher's OTel metrics.
type instruments struct {
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	callback  metric.Registration
}

// newInstruments creates the counters and a gauge observing lengths on
// every collection.
func newInstruments(m metric.Meter, lengths func() map[string]int) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	in.queueSize, err = m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Events waiting in a command queue"))
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	in.callback, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for cmd, n := range lengths() {
			o.ObserveInt64(in.queueSize, int64(n), metric.WithAttributes(attribute.String("command", cmd)))
		}
		return nil
	}, in.queueSize)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}
	in.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Queued events handled by a worker"))
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	in.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Events dropped by a full or coalescing queue"))
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	return &in, nil
}

func (in *instruments) processedOne(command string) {
	in.processed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", command)))
}

func (in *instruments) droppedOne(command string) {
	in.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", command)))
}

func (in *instruments) unregister() {
	if in.callback != nil {
		_ = in.callback.Unregister()
	}
}
