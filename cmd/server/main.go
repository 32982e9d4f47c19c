// Command server runs the kinelink HTTP API: payment and messaging webhooks,
// the kiné subscription API and the rate limited assistant.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/kinelink/internal/config"
	"github.com/mihaimyh/kinelink/pkg/kinelink"
	zerologadapter "github.com/mihaimyh/kinelink/pkg/kinelink/logger/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load configuration")
	}

	zlog := newLogger(cfg)
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "kinelink").Logger()
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(&zlog)

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := newServer(cfg, deps{Store: store, Logger: zlog, Registry: reg})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zlog.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.Storage).Msg("listening")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		zlog.Info().Msg("shutting down")
		return e.Shutdown(shutdownCtx)
	})

	if c, ok := store.(cleaner); ok && cfg.CleanupInterval > 0 {
		g.Go(func() error {
			runCleanup(gctx, c, cfg.CleanupInterval, cfg.EventRetention, logger)
			return nil
		})
	}

	return g.Wait()
}

// runCleanup prunes elapsed windows and old ledger entries until ctx is done
func runCleanup(ctx context.Context, c cleaner, interval, retention time.Duration, logger kinelink.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := c.Cleanup(ctx, now, retention); err != nil {
				logger.Warn("storage cleanup failed", kinelink.F("error", err))
			}
		}
	}
}
