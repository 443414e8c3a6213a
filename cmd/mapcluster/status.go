package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rentmap/mapcluster/internal/database"
	"github.com/rentmap/mapcluster/internal/monitor"
	"github.com/rentmap/mapcluster/internal/perf"
)

const (
	defaultSampleLimit = 50
	maxSampleLimit     = 1000
)

type sampleReader interface {
	RecentSamples(ctx context.Context, sessionID string, limit int) ([]database.PerformanceSample, error)
}

// sampleView is one stored sample as served by /samples.
type sampleView struct {
	Time            time.Time                  `json:"time"`
	SessionID       string                     `json:"session"`
	ViewportUpdates int64                      `json:"viewportUpdates"`
	RecomputeMeanMs float64                    `json:"recomputeMeanMs"`
	RecomputeMaxMs  float64                    `json:"recomputeMaxMs"`
	PoolOutstanding int                        `json:"poolOutstanding"`
	Stages          map[string]perf.StageStats `json:"stages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusHandler serves the monitor's last collected status.
func statusHandler(mon *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mon.LastStatus())
	}
}

// samplesHandler serves recent stored samples, newest first.
// Query: session (optional), limit (1..1000, default 50).
func samplesHandler(store sampleReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultSampleLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > maxSampleLimit {
				http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
				return
			}
			limit = n
		}

		rows, err := store.RecentSamples(r.Context(), r.URL.Query().Get("session"), limit)
		if err != nil {
			logger.Warn("Reading samples", "error", err)
			http.Error(w, "sample store unavailable", http.StatusServiceUnavailable)
			return
		}

		out := make([]sampleView, 0, len(rows))
		for _, row := range rows {
			stages, err := row.StageBreakdown()
			if err != nil {
				logger.Warn("Skipping sample", "id", row.ID, "error", err)
				continue
			}
			out = append(out, sampleView{
				Time:            row.Time,
				SessionID:       row.SessionID,
				ViewportUpdates: row.ViewportUpdates,
				RecomputeMeanMs: row.RecomputeMeanMs,
				RecomputeMaxMs:  row.RecomputeMaxMs,
				PoolOutstanding: row.PoolOutstanding,
				Stages:          stages,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
