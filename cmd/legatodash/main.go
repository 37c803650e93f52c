package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/microdevice-lab/legato-dash/internal/pump"
	"github.com/microdevice-lab/legato-dash/internal/server"
	"github.com/microdevice-lab/legato-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/legato-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated pump")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Enable debug logging (full wire traffic)")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()
	logger.Info("legatodash starting")

	cfg := server.LoadConfig(*configPath, logger)
	if *demo {
		cfg.Pump.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	var drv pump.Driver
	switch cfg.Pump.Type {
	case "legato":
		drv = pump.New(cfg.PumpDriverConfig(), logger.Named("pump"))
	default:
		drv = pump.NewDemo(logger.Named("pump"))
	}
	defer drv.Close()

	// The dashboard starts regardless; the pump connects in the background
	// with exponential backoff so a powered-off pump just shows offline.
	go connectWithRetry(ctx, logger, drv)

	srv := server.New(cfg, drv, web.FS, logger.Named("server"))
	if err := srv.Run(ctx); err != nil {
		logger.Warn("server exited", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// connectWithRetry attempts to connect with exponential backoff, starting
// at 1s and doubling up to 60s, indefinitely. The driver itself never
// retries; reconnection policy lives out here.
func connectWithRetry(ctx context.Context, logger *zap.Logger, drv pump.Driver) {
	delay := 1 * time.Second
	const maxDelay = 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		err := drv.Connect()
		if err == nil {
			logger.Info("pump connected", zap.Int("attempt", attempt))
			return
		}
		logger.Warn("pump connect failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
