package serverrun

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/flostore/internal/config"
	"github.com/rzbill/flostore/internal/metrics"
	"github.com/rzbill/flostore/internal/runtime"
	httpserver "github.com/rzbill/flostore/internal/server/http"
	logpkg "github.com/rzbill/flostore/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the process logger built from FLO_LOG_LEVEL/FLO_LOG_FORMAT.
	Logger logpkg.Logger
}

// storeDir is where Pebble lives under the data directory.
func storeDir(dataDir string) string {
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	return filepath.Join(dataDir, "store")
}

func processLogger() (logpkg.Logger, *logpkg.Config) {
	cfg := &logpkg.Config{
		Level:  getenvDefault("FLO_LOG_LEVEL", "info"),
		Format: getenvDefault("FLO_LOG_FORMAT", "text"),
	}
	logger, err := logpkg.ApplyConfig(cfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Level); e == nil {
			lvl = l
		}
		logger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	return logger, cfg
}

// Run opens the runtime, then runs the chaser, the HTTP API and the metrics
// endpoint until ctx is cancelled or one of them fails. A corrupted read
// index stops the chaser and makes Run return the corruption error.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		var lcfg *logpkg.Config
		logger, lcfg = processLogger()
		logger.Info("log config", logpkg.Str("level", lcfg.Level), logpkg.Str("format", lcfg.Format))
	}
	// Pebble logs through the stdlib logger.
	logpkg.RedirectStdLog(logger)

	cfg := opts.Config
	cfg.DataDir = storeDir(cfg.DataDir)
	reg := metrics.NewRegistry()
	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger, Registry: reg})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting flostore server",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("metrics", cfg.MetricsAddr),
		logpkg.Str("fsync", cfg.Fsync),
	)

	hsrv := httpserver.New(rt, logger)
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return rt.Chaser().Run(gctx) })
	g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.HTTPAddr) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, rt, logger) })
	}
	err = g.Wait()
	hsrv.Close()
	if err != nil {
		logger.Error("server stopped", logpkg.Err(err))
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, rt *runtime.Runtime, logger logpkg.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.Registry()))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
