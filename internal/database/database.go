// Package database persists performance samples with gorm, on Postgres or
// a local SQLite file.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rentmap/mapcluster/internal/config"
	"github.com/rentmap/mapcluster/internal/perf"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotConnected is returned by store operations before Connect succeeds.
var ErrNotConnected = errors.New("database not connected")

// PerformanceSample is one stored reading. Stages holds the full per-stage
// breakdown as JSON; the recompute columns are denormalized for queries.
type PerformanceSample struct {
	ID              uint      `gorm:"primarykey"`
	Time            time.Time `gorm:"index"`
	SessionID       string    `gorm:"size:64;index"`
	ViewportUpdates int64
	RecomputeCount  int64
	RecomputeMeanMs float64
	RecomputeMaxMs  float64
	PoolOutstanding int
	PoolIdle        int
	PoolCreated     int
	PoolDestroyed   int
	Stages          datatypes.JSON
}

// TableName pins the table name.
func (PerformanceSample) TableName() string {
	return "performance_samples"
}

// StageBreakdown decodes the stored per-stage stats.
func (p PerformanceSample) StageBreakdown() (map[string]perf.StageStats, error) {
	out := make(map[string]perf.StageStats)
	if len(p.Stages) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.Stages, &out); err != nil {
		return nil, fmt.Errorf("decode stages of sample %d: %w", p.ID, err)
	}
	return out, nil
}

func fromSample(s perf.Sample) (PerformanceSample, error) {
	stages, err := json.Marshal(s.Stages)
	if err != nil {
		return PerformanceSample{}, fmt.Errorf("encode stages: %w", err)
	}
	rec := s.Stage(perf.StageRecompute)
	return PerformanceSample{
		Time:            s.Time,
		SessionID:       s.SessionID,
		ViewportUpdates: s.ViewportUpdates,
		RecomputeCount:  rec.Count,
		RecomputeMeanMs: ms(rec.Mean()),
		RecomputeMaxMs:  ms(rec.Max),
		PoolOutstanding: s.PoolOutstanding,
		PoolIdle:        s.PoolIdle,
		PoolCreated:     s.PoolCreated,
		PoolDestroyed:   s.PoolDestroyed,
		Stages:          datatypes.JSON(stages),
	}, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Manager handles database connections and operations.
type Manager struct {
	DB             *gorm.DB
	SqlDB          *sql.DB
	Config         config.DatabaseConfig
	IsValid        bool
	UsingSQLite    bool
	InMemory       bool
	SqliteFilePath string // dump target when running SQLite in memory
	Logger         zerolog.Logger
}

// NewManager creates a new database manager.
func NewManager(cfg config.DatabaseConfig, log zerolog.Logger) *Manager {
	return &Manager{
		Config:         cfg,
		Logger:         log,
		SqliteFilePath: cfg.DumpPath,
	}
}

// Connect opens the configured database. A Postgres failure falls back to
// SQLite at Config.Path so samples are still kept locally.
func (m *Manager) Connect() error {
	var err error

	if m.Config.Type == "postgres" {
		m.DB, err = m.GetPostgresDB()
		if err == nil {
			m.SqlDB, err = m.DB.DB()
		}
		if err == nil {
			err = m.SqlDB.Ping()
		}
		if err == nil {
			m.SqlDB.SetMaxOpenConns(10)
			m.IsValid = true
			m.Logger.Info().Str("host", m.Config.Host).Msg("Connected to Postgres")
			return nil
		}
		m.Logger.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
	}

	m.DB, err = m.GetSqliteDB(m.Config.Path)
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to get local SQLite DB: %w", err)
	}
	m.UsingSQLite = true
	m.InMemory = m.Config.Path == ""

	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err := m.SqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to validate SQLite connection: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY
	m.SqlDB.SetMaxOpenConns(1)

	m.IsValid = true
	return nil
}

// GetPostgresDB returns a connection to the Postgres database.
func (m *Manager) GetPostgresDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		m.Config.Host,
		m.Config.Port,
		m.Config.Username,
		m.Config.Password,
		m.Config.Database,
	)

	m.Logger.Debug().Str("host", m.Config.Host).Str("port", m.Config.Port).Msg("Connecting to Postgres DB")

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses an in-memory database.
func (m *Manager) GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if path == "" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        500,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
	}
	if path == "" {
		pragmas[0] = "PRAGMA journal_mode = MEMORY;"
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	if path == "" {
		m.Logger.Info().Msg("Using local SQLite DB in memory")
	} else {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	}
	return db, nil
}

// Setup migrates the sample table.
func (m *Manager) Setup() error {
	if m.DB == nil {
		return ErrNotConnected
	}
	m.Logger.Info().Msg("Migrating schema")
	if err := m.DB.AutoMigrate(&PerformanceSample{}); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	m.Logger.Info().Msg("Database setup complete")
	return nil
}

// WriteSamples inserts samples in batches.
func (m *Manager) WriteSamples(ctx context.Context, samples []perf.Sample) error {
	if !m.IsValid || m.DB == nil {
		return ErrNotConnected
	}
	if len(samples) == 0 {
		return nil
	}

	rows := make([]PerformanceSample, 0, len(samples))
	for _, s := range samples {
		row, err := fromSample(s)
		if err != nil {
			return fmt.Errorf("sample of session %s: %w", s.SessionID, err)
		}
		rows = append(rows, row)
	}

	start := time.Now()
	if err := m.DB.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("insert %d samples: %w", len(rows), err)
	}
	m.Logger.Debug().Int("count", len(rows)).Dur("duration", time.Since(start)).Msg("Saved performance samples")
	return nil
}

// RecentSamples returns up to limit samples, newest first. An empty
// sessionID matches every session.
func (m *Manager) RecentSamples(ctx context.Context, sessionID string, limit int) ([]PerformanceSample, error) {
	if !m.IsValid || m.DB == nil {
		return nil, ErrNotConnected
	}
	q := m.DB.WithContext(ctx).Order("time desc, id desc")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []PerformanceSample
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	return out, nil
}

// PurgeBefore deletes samples older than t and returns how many went.
func (m *Manager) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	if !m.IsValid || m.DB == nil {
		return 0, ErrNotConnected
	}
	res := m.DB.WithContext(ctx).Where("time < ?", t).Delete(&PerformanceSample{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DumpMemoryToDisk vacuums the in-memory database to a file.
func (m *Manager) DumpMemoryToDisk() error {
	if m.SqliteFilePath == "" {
		return fmt.Errorf("sqlite file path not set")
	}
	if !m.UsingSQLite {
		return fmt.Errorf("dump requires SQLite, connected to %s", m.DB.Dialector.Name())
	}

	if _, err := os.Stat(m.SqliteFilePath); err == nil {
		if err := os.Remove(m.SqliteFilePath); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	start := time.Now()
	if err := m.DB.Exec("VACUUM INTO ?", m.SqliteFilePath).Error; err != nil {
		return fmt.Errorf("error dumping memory DB to disk: %w", err)
	}

	m.Logger.Debug().Dur("duration", time.Since(start)).Msg("Dumped memory DB to disk")
	return nil
}

// Shutdown saves an in-memory SQLite database to SqliteFilePath, when one is
// set, and closes the connection. The connection is closed even if the dump fails.
func (m *Manager) Shutdown() error {
	var errs []error
	if m.IsValid && m.InMemory && m.SqliteFilePath != "" {
		if err := m.DumpMemoryToDisk(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	m.IsValid = false
	return m.SqlDB.Close()
}
