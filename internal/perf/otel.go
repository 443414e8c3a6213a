package perf

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rentmap/mapcluster/internal/perf"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
