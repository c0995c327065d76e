package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbehnke/issi-ptt/pkg/capture"
	"github.com/dbehnke/issi-ptt/pkg/config"
	"github.com/dbehnke/issi-ptt/pkg/database"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/metrics"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
	"github.com/dbehnke/issi-ptt/pkg/transport"
	"github.com/dbehnke/issi-ptt/pkg/web"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ISSI-PTT %s (%s, built %s)\n", version, gitCommit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if *validate {
		log.Info("Configuration is valid")
		os.Exit(0)
	}

	log.Info("Starting ISSI-PTT",
		logger.String("version", version),
		logger.String("build_time", buildTime),
		logger.String("config_file", *configFile))
	web.SetVersionInfo(version, gitCommit, buildTime)

	if err := run(cfg, log); err != nil {
		log.Error("ISSI-PTT failed", logger.Error(err))
		closeLog()
		os.Exit(1)
	}
	log.Info("ISSI-PTT stopped")
}

// newLogger builds the process logger, appending to a file when one is configured
func newLogger(cfg config.LoggingConfig) (*logger.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	return logger.New(logger.Config{Level: cfg.Level, Format: cfg.Format, Output: out}), closeFn, nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	collector := metrics.NewCollector()

	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		metricsServer := metrics.NewPrometheusServer(
			metrics.PrometheusConfig{
				Enabled: cfg.Metrics.Prometheus.Enabled,
				Port:    cfg.Metrics.Prometheus.Port,
				Path:    cfg.Metrics.Prometheus.Path,
			},
			collector,
			log.WithComponent("metrics"),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Prometheus metrics server error", logger.Error(err))
			}
		}()
		log.Info("Prometheus metrics server started",
			logger.Int("port", cfg.Metrics.Prometheus.Port),
			logger.String("path", cfg.Metrics.Prometheus.Path))
	}

	var db *database.DB
	if cfg.Capture.Enabled {
		var err error
		db, err = database.NewDB(database.Config{Path: cfg.Capture.DBPath}, log.WithComponent("database"))
		if err != nil {
			return fmt.Errorf("open capture database: %w", err)
		}
		defer func() { _ = db.Close() }()
	}

	deps := web.Deps{Metrics: collector}
	if db != nil {
		deps.Packets = db.Packets()
		deps.Spurts = db.Spurts()
	}

	// the web server is built before the manager so its hub can receive captures;
	// the manager is attached as the session source once it exists
	var webServer *web.Server
	var sink capture.EventSink
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg.Web, deps, log.WithComponent("web"))
		sink = webServer.GetHub()
	}

	recCfg := capture.Config{Metrics: collector, Sink: sink, Logger: log.WithComponent("capture")}
	if db != nil {
		recCfg.Packets = db.Packets()
		recCfg.Spurts = db.Spurts()
	}
	recorder := capture.NewRecorder(recCfg)

	mgr := ptt.NewManager(ptt.ManagerConfig{
		WACN:                       cfg.RFSS.WACN,
		SystemID:                   cfg.RFSS.SystemID,
		DomainName:                 cfg.RFSS.DomainName,
		PortRangeStart:             cfg.RFSS.PortRangeStart,
		PortRangeEnd:               cfg.RFSS.PortRangeEnd,
		MaxPorts:                   cfg.RFSS.MaxPorts,
		AdvancedResourceManagement: cfg.RFSS.AdvancedResourceManagement,
		Timers:                     cfg.PTT.Timers(),
		Logger:                     log.WithComponent("ptt"),
		Capturer:                   recorder,
		Observer:                   collector,
		Listen: func(port int) (ptt.Transport, error) {
			return transport.ListenUDP(ctx, cfg.RFSS.Host, port, log.WithComponent("transport"))
		},
	})
	defer mgr.Shutdown()

	if webServer != nil {
		webServer.SetSessions(mgr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Web server error", logger.Error(err))
			}
		}()
		log.Info("Web server started",
			logger.String("host", cfg.Web.Host),
			logger.Int("port", cfg.Web.Port))
	}

	var hub *web.WebSocketHub
	if webServer != nil {
		hub = webServer.GetHub()
	}
	for _, sc := range cfg.Sessions {
		if err := openSession(ctx, mgr, cfg, sc, hub, log); err != nil {
			return fmt.Errorf("session %q: %w", sc.Name, err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		maintain(ctx, cfg, mgr, recorder, log.WithComponent("maintenance"))
	}()

	log.Info("ISSI-PTT initialized",
		logger.String("domain", cfg.RFSS.DomainName),
		logger.Int("sessions", len(cfg.Sessions)))

	sig := <-sigChan
	log.Info("Received shutdown signal",
		logger.String("signal", sig.String()))

	cancel()
	mgr.Shutdown()
	wg.Wait()
	return nil
}

// maintain runs the periodic heartbeat queries and capture housekeeping
func maintain(ctx context.Context, cfg *config.Config, mgr *ptt.Manager, rec *capture.Recorder, log *logger.Logger) {
	queryInterval := time.Duration(cfg.PTT.HeartbeatQueryInterval) * time.Second
	if queryInterval <= 0 {
		queryInterval = 30 * time.Second
	}
	queryTicker := time.NewTicker(queryInterval)
	defer queryTicker.Stop()

	staleAge := time.Duration(cfg.Capture.StaleSpurtSeconds) * time.Second
	cleanupTicker := time.NewTicker(10 * time.Second)
	defer cleanupTicker.Stop()

	retention := time.Duration(cfg.Capture.RetentionHours) * time.Hour
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queryTicker.C:
			mgr.SendHeartbeatQuery()
		case <-cleanupTicker.C:
			if staleAge > 0 {
				if n := rec.Spurts().CleanupStale(staleAge); n > 0 {
					log.Info("Closed stale spurts", logger.Int("count", n))
				}
			}
		case <-pruneTicker.C:
			if retention <= 0 {
				continue
			}
			n, err := rec.Prune(retention)
			if err != nil {
				log.Error("Failed to prune captures", logger.Error(err))
				continue
			}
			if n > 0 {
				log.Info("Pruned old captures", logger.Int64("rows", n))
			}
		}
	}
}
