package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rentmap/mapcluster/internal/config"
	"github.com/rentmap/mapcluster/internal/logging"
	intOtel "github.com/rentmap/mapcluster/internal/otel"
	"github.com/rentmap/mapcluster/internal/pipeline"
	"github.com/rentmap/mapcluster/internal/rank"
)

// BuildDate can be set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const usage = `usage: mapcluster <command> [flags]

commands:
  serve     serve map sessions over websocket
  replay    run recorded map events through the pipeline
  version   print version information`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch strings.ToLower(os.Args[1]) {
	case "serve":
		err = runServe(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("mapcluster %s (built %s)\n", Version, BuildDate)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the process-wide logging and telemetry state of one command.
type app struct {
	start   time.Time
	logs    *logging.SlogManager
	logger  *slog.Logger
	logFile *os.File
	otel    *intOtel.Provider
	gelf    io.Closer
}

// setup loads config from configDir and initializes logging. A missing
// config file is not fatal; an invalid one is.
func setup(command, configDir string, provider logging.ContextProvider) (*app, error) {
	a := &app{
		start: time.Now(),
		logs:  logging.NewSlogManager(),
	}

	// bootstrap logger on the console until the log file is known
	a.logs.Setup(nil, "info", nil)
	a.logger = a.logs.Logger()

	if err := config.Load(configDir); err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			return nil, err
		}
		a.logger.Warn("Failed to load config, using defaults", "error", err)
		config.LoadDefaults()
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := logging.LogFilePath(logsDir, command, a.start)
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	a.logFile = f

	a.otel, err = intOtel.New(intOtel.FromConfig(config.GetOTelConfig(), f))
	if err != nil {
		a.logger.Warn("Failed to initialize OTel, continuing without it", "error", err)
		a.otel = nil
	}

	var extra []io.Writer
	if config.GetBool("graylog.enabled") {
		w, err := logging.NewGraylogWriter(config.GetString("graylog.address"))
		if err != nil {
			a.logger.Warn("Failed to connect to graylog", "error", err)
		} else {
			a.gelf = w
			extra = append(extra, w)
		}
	}

	if provider != nil {
		a.logs.SetContextProvider(provider)
	}
	a.logs.Setup(f, config.GetString("logLevel"), a.otel.LoggerProvider(), extra...)
	a.logger = a.logs.Logger().With("command", command)
	a.logger.Info("mapcluster starting", "version", Version, "buildDate", BuildDate, "logFile", logPath)
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.logger.Info("mapcluster stopped", "uptime", time.Since(a.start).Round(time.Millisecond))
	if err := a.logs.Flush(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flush logs:", err)
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown otel:", err)
	}
	if a.gelf != nil {
		_ = a.gelf.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// pipelineConfig maps loaded settings onto a session config.
func pipelineConfig(pc config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		Cluster:    pc.Cluster,
		Thresholds: pc.Thresholds,
		Buffer:     pc.Buffer,
		Ranker: rank.Ranker{
			CellSize:      pc.CellSize,
			DensityWeight: pc.Weight,
		},
		SpiderRadius: pc.SpiderRadius,
		IdleKeep:     pc.IdleKeep,
	}
}
