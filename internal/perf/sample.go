package perf

import "time"

// Sample is one periodic reading of a session, as stored by the sinks.
type Sample struct {
	Time            time.Time             `json:"time"`
	SessionID       string                `json:"sessionId"`
	Stages          map[string]StageStats `json:"stages"`
	ViewportUpdates int64                 `json:"viewportUpdates"`
	PoolOutstanding int                   `json:"poolOutstanding"`
	PoolIdle        int                   `json:"poolIdle"`
	PoolCreated     int                   `json:"poolCreated"`
	PoolDestroyed   int                   `json:"poolDestroyed"`
}

// NewSample stamps a snapshot at t.
func NewSample(t time.Time, sessionID string, snap Snapshot) Sample {
	return Sample{
		Time:            t,
		SessionID:       sessionID,
		Stages:          snap.Stages,
		ViewportUpdates: snap.ViewportUpdates,
	}
}

// Stage returns the stats of one stage, zero if it never ran.
func (s Sample) Stage(name string) StageStats {
	return s.Stages[name]
}
