package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jeffypooo/proctop/internal/config"
	"github.com/jeffypooo/proctop/internal/logging"
	"github.com/jeffypooo/proctop/internal/monitor"
	"github.com/jeffypooo/proctop/internal/system"
	"github.com/jeffypooo/proctop/internal/web"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("proctop: %v", err)
	}
}

func run() error {
	path := config.PathFromEnv()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDir, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mon, err := monitor.New(system.NewHost(cfg.DiskPath), cfg,
		monitor.WithLogger(logging.Named(logger, "monitor")),
		monitor.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer func() {
		mon.Stop()
		mon.Wait()
	}()

	if path != "" {
		go func() {
			err := config.Watch(ctx, path, logging.Named(logger, "config"), mon.ApplyConfig)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warnf("config watch stopped: %v", err)
			}
		}()
	}

	elevated := system.IsElevated()
	if !elevated {
		logger.Warn("not running as administrator; some processes cannot be inspected or controlled")
	}

	e := web.New(mon,
		web.WithLogger(logging.Named(logger, "http")),
		web.WithGatherer(reg),
		web.WithElevated(elevated),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Addr)
		errCh <- e.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
