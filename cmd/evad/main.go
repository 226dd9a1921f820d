// evad listens on an input device and announces detected speech onsets
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/eva-daemon/internal/config"
	"github.com/GriffinCanCode/eva-daemon/internal/grpcclient"
	"github.com/GriffinCanCode/eva-daemon/internal/health"
	"github.com/GriffinCanCode/eva-daemon/internal/observe"
	"github.com/GriffinCanCode/eva-daemon/internal/orchestrator"
	"github.com/GriffinCanCode/eva-daemon/internal/rpc"
	"github.com/GriffinCanCode/eva-daemon/internal/server"
)

var version = "dev"

func main() {
	probe := flag.Bool("probe", false, "query the running daemon's gRPC health and exit")
	flag.Parse()

	// Setup structured logging
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if *probe {
		os.Exit(runProbe(cfg))
	}

	if err := run(cfg); err != nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observe.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		provider, err := observe.InitProvider(ctx, cfg.ServiceName, version)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Shutdown(context.Background()) }()

		if metrics, err = observe.NewMetrics(provider.MeterProvider); err != nil {
			return err
		}
		metricsHandler = provider.Handler()
	}

	grpcServer := rpc.New()
	mgr := orchestrator.New(cfg,
		orchestrator.WithMetrics(metrics),
		orchestrator.OnStateChange(grpcServer.SetServing),
	)
	defer mgr.Stop()

	checks := health.New(
		health.Flag("capture", mgr.Capturing, "audio stream inactive"),
		health.Flag("detector", mgr.Running, "detector not running"),
	)
	srv := server.New(mgr, cfg, server.WithHealth(checks), server.WithMetrics(metrics, metricsHandler))
	if err := mgr.Subscribe("websocket", srv.Broadcast); err != nil {
		return err
	}

	// Capture failure is fatal
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("eva daemon starting", "http", cfg.HTTPAddr, "grpc", cfg.GRPCAddr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return grpcServer.ListenAndServe(gctx, cfg.GRPCAddr) })
	// The dispatcher ends when Stop closes the wake channel, after draining.
	g.Go(func() error { return mgr.Run(context.WithoutCancel(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		mgr.Stop()
		srv.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	slog.Info("shutdown complete")
	return err
}

func runProbe(cfg *config.Config) int {
	c, err := grpcclient.New(cfg.GRPCAddr)
	if err != nil {
		slog.Error("probe failed", "error", err)
		return 1
	}
	defer func() { _ = c.Close() }()

	st, err := c.Check(context.Background(), rpc.WakeService)
	if err != nil {
		slog.Error("probe failed", "addr", cfg.GRPCAddr, "error", err)
		return 1
	}
	fmt.Println(st)
	if st != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
