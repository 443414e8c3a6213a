// Package influx ships performance samples to an InfluxDB bucket, falling
// back to a gzipped line-protocol file when the server is unreachable.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rentmap/mapcluster/internal/config"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rs/zerolog"
)

// Measurement names.
const (
	MeasurementStage = "pipeline_stage"
	MeasurementPool  = "pipeline_pool"
)

// ErrDisabled is returned by Connect when influx.enabled is false.
var ErrDisabled = errors.New("influx disabled")

// retention of the sample bucket
const retentionSeconds = 60 * 60 * 24 * 30

// Manager handles InfluxDB connections and writes.
type Manager struct {
	Client     influxdb2.Client
	Writer     influxdb2_api.WriteAPI
	Config     config.InfluxConfig
	IsValid    bool
	Logger     zerolog.Logger
	BackupPath string

	mu         sync.Mutex
	backupFile *os.File
	backup     *gzip.Writer
}

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger, backupPath string) *Manager {
	return &Manager{
		Config:     cfg,
		Logger:     log,
		BackupPath: backupPath,
	}
}

// Connect pings the server and prepares the org, bucket and writer. When
// the server does not answer, points go to the backup file instead and
// Connect still succeeds.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.Config.Enabled {
		return ErrDisabled
	}

	m.Client = influxdb2.NewClientWithOptions(
		m.Config.URL(),
		m.Config.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.IsValid = false
		m.Logger.Warn().Err(err).Str("backupPath", m.BackupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return m.openBackup()
	}

	if err := m.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	m.createWriter()
	m.IsValid = true
	m.Logger.Info().Str("url", m.Config.URL()).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup != nil {
		return nil
	}
	if m.BackupPath == "" {
		return errors.New("influx unreachable and no backup path set")
	}
	file, err := os.OpenFile(m.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backup = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context) error {
	orgs := m.Client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.Config.Org)
	if err != nil {
		m.Logger.Info().Str("org", m.Config.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.Config.Org)
		if err != nil {
			return fmt.Errorf("create organization %s: %w", m.Config.Org, err)
		}
	}

	buckets := m.Client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, m.Config.Bucket); err != nil {
		m.Logger.Info().Str("bucket", m.Config.Bucket).Msg("Bucket not found, creating")
		rule := domain.RetentionRuleTypeExpire
		_, err = buckets.CreateBucketWithName(ctx, org, m.Config.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: retentionSeconds,
		})
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", m.Config.Bucket, err)
		}
	}
	return nil
}

func (m *Manager) createWriter() {
	m.Writer = m.Client.WriteAPI(m.Config.Org, m.Config.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.Config.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.Writer.Errors())
}

// SamplePoints converts a sample into one point per stage plus one pool point.
// Stages are emitted in name order.
func SamplePoints(s perf.Sample) []*influxdb2_write.Point {
	names := make([]string, 0, len(s.Stages))
	for name := range s.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	points := make([]*influxdb2_write.Point, 0, len(names)+1)
	for _, name := range names {
		st := s.Stages[name]
		points = append(points, influxdb2.NewPoint(MeasurementStage,
			map[string]string{"session": s.SessionID, "stage": name},
			map[string]any{
				"count":   st.Count,
				"mean_ms": ms(st.Mean()),
				"min_ms":  ms(st.Min),
				"max_ms":  ms(st.Max),
				"last_ms": ms(st.Last),
			},
			s.Time,
		))
	}
	points = append(points, influxdb2.NewPoint(MeasurementPool,
		map[string]string{"session": s.SessionID},
		map[string]any{
			"outstanding":      s.PoolOutstanding,
			"idle":             s.PoolIdle,
			"created":          s.PoolCreated,
			"destroyed":        s.PoolDestroyed,
			"viewport_updates": s.ViewportUpdates,
		},
		s.Time,
	))
	return points
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// WriteSamples queues the points of every sample.
func (m *Manager) WriteSamples(ctx context.Context, samples []perf.Sample) error {
	for _, s := range samples {
		for _, p := range SamplePoints(s) {
			if err := m.WritePoint(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(ctx context.Context, point *influxdb2_write.Point) error {
	if m.IsValid {
		m.Writer.WritePoint(point)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return errors.New("influxDB client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := m.backup.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Close flushes pending points and releases the client and backup file.
func (m *Manager) Close() error {
	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return nil
	}
	err := errors.Join(m.backup.Close(), m.backupFile.Close())
	m.backup, m.backupFile = nil, nil
	return err
}
