package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-hammer/v1/config"
	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
	"github.com/mirkobrombin/go-hammer/v1/httpapi"
	"github.com/mirkobrombin/go-hammer/v1/metrics"
	"github.com/mirkobrombin/go-hammer/v1/presets"
)

var envFile = flag.String("env", ".env", "Optional dotenv file loaded before the environment")

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := config.SetupTracing(cfg.Tracing, os.Stdout)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	stack, err := presets.FromConfig(ctx, cfg, presets.WithLogger(logger))
	if err != nil {
		log.Fatalf("stack: %v", err)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("closing stack", "error", err)
		}
	}()

	api := httpapi.New(stack.Engine, stack.Events,
		httpapi.WithReader(stack.Reader),
		httpapi.WithGatherer(reg),
		httpapi.WithLogger(logger),
		httpapi.WithHealthCheck(func(ctx context.Context) error {
			// a probe for a missing id round-trips to the store without side effects
			_, err := stack.Store.Get(ctx, "health-probe")
			if err == nil || hammererrors.Is(err, hammererrors.ErrNotFound) {
				return nil
			}
			return err
		}),
	)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			return stack.Scheduler.Run(gctx, stack.Engine.CloseAuction)
		})
		g.Go(func() error {
			stack.Reconciler.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("hammer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("hammer stopped")
}
