package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentmap/mapcluster/internal/api"
	"github.com/rentmap/mapcluster/internal/bridge"
	"github.com/rentmap/mapcluster/internal/config"
	"github.com/rentmap/mapcluster/internal/database"
	"github.com/rentmap/mapcluster/internal/influx"
	"github.com/rentmap/mapcluster/internal/logging"
	"github.com/rentmap/mapcluster/internal/monitor"
	"github.com/rentmap/mapcluster/pkg/core"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configDir := fs.String("config", ".", "directory holding "+config.FileName)
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	preload := fs.Bool("preload", false, "load listings from api.serverUrl into every new session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		srv *bridge.Server
		mon *monitor.Service
	)
	a, err := setup("serve", *configDir, func() []slog.Attr {
		var attrs []slog.Attr
		if srv != nil {
			attrs = append(attrs, slog.Int("connections", srv.Connections()))
		}
		if mon != nil {
			attrs = append(attrs, slog.Bool("monitor", mon.IsRunning()))
		}
		return attrs
	})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pc := config.GetPipelineConfig()
	opts := []bridge.Option{
		bridge.WithLogger(a.logger),
		bridge.WithRegisterer(reg),
	}
	if *preload {
		client := api.New(config.GetString("api.serverUrl"), config.GetString("api.apiKey"))
		if err := client.Healthcheck(ctx); err != nil {
			a.logger.Warn("Listings service is not healthy, sessions start empty until it recovers", "error", err)
		}
		limit := pc.Thresholds.WithDefaults().MaxVisibleMarkers * 10
		opts = append(opts, bridge.WithMarkerLoader(func(ctx context.Context) ([]core.Marker, error) {
			resp, err := client.Listings(ctx, api.ListingsQuery{Limit: limit})
			if err != nil {
				return nil, err
			}
			return resp.Listings, nil
		}))
	}
	srv = bridge.NewServer(bridge.Config{
		Pipeline:          pipelineConfig(pc),
		MessagesPerSecond: bridge.DefaultMessagesPerSecond,
	}, opts...)

	sinks, closeSinks := openSinks(ctx, a)
	defer closeSinks()

	mc := config.GetMonitorConfig()
	mon = monitor.NewService(monitor.Dependencies{
		Sources:    srv.Sessions,
		Sinks:      sinks,
		Logger:     a.logger,
		Interval:   mc.Interval,
		StatusFile: mc.StatusFile,
		Retention:  config.GetDatabaseConfig().Retention,
	})
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer mon.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/status", statusHandler(mon))
	if store, ok := sinks["database"].(*database.Manager); ok {
		mux.Handle("/samples", samplesHandler(store, a.logger))
	}

	listen := *addr
	if listen == "" {
		listen = config.GetString("server.addr")
	}
	hs := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.ListenAndServe()
	}()
	a.logger.Info("Serving map sessions", "addr", listen)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by http.Server
	if err := srv.Close(); err != nil {
		a.logger.Warn("Closing sessions", "error", err)
	}
	return hs.Shutdown(shutdownCtx)
}

// openSinks connects the enabled sample sinks. Failures are logged and the
// sink is skipped.
func openSinks(ctx context.Context, a *app) (map[string]monitor.Sink, func()) {
	sinks := make(map[string]monitor.Sink)
	var closers []func() error
	zl := logging.NewZerolog(a.logFile, config.GetString("logLevel"))

	if db := config.GetDatabaseConfig(); db.Enabled {
		m := database.NewManager(db, zl)
		switch err := m.Connect(); {
		case err != nil:
			a.logger.Error("Failed to connect to database", "error", err)
		default:
			if err := m.Setup(); err != nil {
				a.logger.Error("Failed to migrate database", "error", err)
				_ = m.Close()
				break
			}
			sinks["database"] = m
			closers = append(closers, m.Shutdown)
			a.logger.Info("Writing samples to database",
				"type", db.Type, "sqlite", m.UsingSQLite, "memory", m.InMemory, "retention", db.Retention)
		}
	}

	if ic := config.GetInfluxConfig(); ic.Enabled {
		backup := filepath.Join(config.GetString("logsDir"), "influx-backup.lp.gz")
		m := influx.NewManager(ic, zl, backup)
		if err := m.Connect(ctx); err != nil {
			a.logger.Error("Failed to connect to InfluxDB", "error", err)
		} else {
			sinks["influx"] = m
			closers = append(closers, m.Close)
			a.logger.Info("Writing samples to InfluxDB", "url", ic.URL(), "valid", m.IsValid)
		}
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.logger.Warn("Closing sink", "error", err)
			}
		}
	}
}
