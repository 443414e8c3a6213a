package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rentmap/mapcluster/pkg/core"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "mapcluster.cfg.json"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// PipelineConfig holds the per-session tuning knobs outside ClusterOptions.
type PipelineConfig struct {
	Cluster      core.ClusterOptions
	Thresholds   core.PerformanceThresholds
	Buffer       float64
	CellSize     float64
	Weight       float64
	SpiderRadius float64
	IdleKeep     int
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// DatabaseConfig selects and addresses the sample store.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Type     string `json:"type" mapstructure:"type"` // sqlite or postgres
	Path     string `json:"path" mapstructure:"path"` // sqlite file, empty for in-memory
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`

	Retention time.Duration `json:"retention" mapstructure:"retention"` // sample age purged by the monitor; 0 keeps all
	DumpPath  string        `json:"dumpPath" mapstructure:"dumpPath"`   // in-memory SQLite is saved here on shutdown
}

// InfluxConfig addresses the metrics bucket.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// URL returns the server URL built from protocol, host and port.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// MonitorConfig holds status monitor settings
type MonitorConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("cluster.gridSize", core.DefaultGridSize)
	viper.SetDefault("cluster.maxZoom", core.DefaultMaxZoom)
	viper.SetDefault("cluster.minimumClusterSize", core.DefaultMinimumClusterSize)

	viper.SetDefault("performance.maxVisibleMarkers", core.DefaultMaxVisibleMarkers)
	viper.SetDefault("performance.debounceDelay", "150ms")

	viper.SetDefault("viewport.buffer", 0.15)
	viper.SetDefault("rank.cellSize", 64)
	viper.SetDefault("rank.densityWeight", 0.25)
	viper.SetDefault("spider.radiusMeters", 50)
	viper.SetDefault("pool.idleKeep", 64)

	viper.SetDefault("monitor.interval", "30s")
	viper.SetDefault("monitor.statusFile", "")

	viper.SetDefault("server.addr", ":8080")

	viper.SetDefault("api.serverUrl", "http://localhost:5000")
	viper.SetDefault("api.apiKey", "")

	viper.SetDefault("db.enabled", false)
	viper.SetDefault("db.type", "sqlite")
	viper.SetDefault("db.path", "mapcluster.db")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "mapcluster")
	viper.SetDefault("db.retention", "720h")
	viper.SetDefault("db.dumpPath", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "mapcluster")
	viper.SetDefault("influx.bucket", "pipeline")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "mapcluster")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. Environment
// variables prefixed MAPCLUSTER_ override file values, with dots in keys
// written as underscores (MAPCLUSTER_CLUSTER_MAXZOOM).
func Load(configDir string) error {
	setDefaults()

	viper.SetEnvPrefix("MAPCLUSTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return Validate()
}

// LoadDefaults installs defaults and env overrides without a config file.
func LoadDefaults() error {
	setDefaults()
	viper.SetEnvPrefix("MAPCLUSTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return Validate()
}

// Validate checks every key with a constrained range and reports all
// failures at once.
func Validate() error {
	var errs []error
	fail := func(key string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, key, fmt.Sprintf(format, args...)))
	}

	if v := viper.GetFloat64("cluster.gridSize"); v <= 0 {
		fail("cluster.gridSize", "must be positive, got %v", v)
	}
	// a zero max zoom would be replaced by the default, so it is rejected here
	if v := viper.GetFloat64("cluster.maxZoom"); v <= 0 {
		fail("cluster.maxZoom", "must be positive, got %v", v)
	}
	if v := viper.GetInt("cluster.minimumClusterSize"); v < 2 {
		fail("cluster.minimumClusterSize", "must be at least 2, got %d", v)
	}
	if v := viper.GetInt("performance.maxVisibleMarkers"); v <= 0 {
		fail("performance.maxVisibleMarkers", "must be positive, got %d", v)
	}
	if v := viper.GetDuration("performance.debounceDelay"); v <= 0 {
		fail("performance.debounceDelay", "must be a positive duration, got %q", viper.GetString("performance.debounceDelay"))
	}
	if v := viper.GetFloat64("viewport.buffer"); v < 0 {
		fail("viewport.buffer", "must not be negative, got %v", v)
	}
	if v := viper.GetFloat64("rank.cellSize"); v <= 0 {
		fail("rank.cellSize", "must be positive, got %v", v)
	}
	if v := viper.GetFloat64("rank.densityWeight"); v < 0 {
		fail("rank.densityWeight", "must not be negative, got %v", v)
	}
	if v := viper.GetFloat64("spider.radiusMeters"); v <= 0 {
		fail("spider.radiusMeters", "must be positive, got %v", v)
	}
	if v := viper.GetDuration("monitor.interval"); v <= 0 {
		fail("monitor.interval", "must be a positive duration, got %q", viper.GetString("monitor.interval"))
	}
	if v := viper.GetDuration("db.retention"); v < 0 {
		fail("db.retention", "must not be negative, got %q", viper.GetString("db.retention"))
	}
	switch t := viper.GetString("db.type"); t {
	case "sqlite", "postgres":
	default:
		fail("db.type", "must be sqlite or postgres, got %q", t)
	}

	return errors.Join(errs...)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetClusterOptions returns the clustering options.
func GetClusterOptions() core.ClusterOptions {
	return core.ClusterOptions{
		GridSize:           viper.GetFloat64("cluster.gridSize"),
		MaxZoom:            viper.GetFloat64("cluster.maxZoom"),
		MinimumClusterSize: viper.GetInt("cluster.minimumClusterSize"),
	}
}

// GetThresholds returns the performance thresholds.
func GetThresholds() core.PerformanceThresholds {
	return core.PerformanceThresholds{
		MaxVisibleMarkers: viper.GetInt("performance.maxVisibleMarkers"),
		DebounceDelay:     viper.GetDuration("performance.debounceDelay"),
	}
}

// GetPipelineConfig returns everything a session needs.
func GetPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Cluster:      GetClusterOptions(),
		Thresholds:   GetThresholds(),
		Buffer:       viper.GetFloat64("viewport.buffer"),
		CellSize:     viper.GetFloat64("rank.cellSize"),
		Weight:       viper.GetFloat64("rank.densityWeight"),
		SpiderRadius: viper.GetFloat64("spider.radiusMeters"),
		IdleKeep:     viper.GetInt("pool.idleKeep"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetDatabaseConfig returns the sample store settings.
func GetDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:  viper.GetBool("db.enabled"),
		Type:     viper.GetString("db.type"),
		Path:     viper.GetString("db.path"),
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),

		Retention: viper.GetDuration("db.retention"),
		DumpPath:  viper.GetString("db.dumpPath"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetMonitorConfig returns the status monitor settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}
