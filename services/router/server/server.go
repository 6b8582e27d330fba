// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server assembles and runs the fleet router service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/services/router/authn"
	"github.com/AleutianAI/AleutianFleet/services/router/balancer"
	"github.com/AleutianAI/AleutianFleet/services/router/catalog"
	"github.com/AleutianAI/AleutianFleet/services/router/config"
	"github.com/AleutianAI/AleutianFleet/services/router/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/router/handlers"
	"github.com/AleutianAI/AleutianFleet/services/router/journal"
	"github.com/AleutianAI/AleutianFleet/services/router/middleware"
	"github.com/AleutianAI/AleutianFleet/services/router/observability"
	"github.com/AleutianAI/AleutianFleet/services/router/registry"
	"github.com/AleutianAI/AleutianFleet/services/router/routes"
	"github.com/AleutianAI/AleutianFleet/services/router/tasks"
)

const (
	// logRingCapacity bounds the in-memory log buffer behind the
	// dashboard's coordinator-logs view.
	logRingCapacity = 2000

	// Inference rate limit per client credential.
	rateLimitRPS   = 50
	rateLimitBurst = 100

	rateLimitSweepInterval = time.Minute
)

// initTracer sets up OTLP tracing when a collector endpoint is
// configured. Without one, tracing stays off and the returned cleanup
// is a no-op.
func initTracer(ctx context.Context) (func(context.Context), error) {
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("fleet-router")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// Run assembles the router and serves until ctx is cancelled.
func Run(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ring := logging.NewRingExporter(logRingCapacity)
	logger := logging.New(logging.Config{
		Level:    logging.LevelInfo,
		LogDir:   filepath.Join(cfg.DataDir, "logs"),
		Service:  "fleet-router",
		JSON:     true,
		Exporter: ring,
	})
	logger.InstallDefault()
	defer logger.Close()

	cleanup, err := initTracer(ctx)
	if err != nil {
		return fmt.Errorf("setup OTLP tracer: %w", err)
	}
	defer cleanup(context.Background())

	store := registry.NewStore(cfg.DataDir)
	if err := store.Init(); err != nil {
		return fmt.Errorf("init node store: %w", err)
	}
	reg := registry.NewRegistry(store)
	if err := reg.LoadFromStore(); err != nil {
		return fmt.Errorf("load registered nodes: %w", err)
	}

	load := balancer.NewLoadManager(reg, balancer.Mode(cfg.LoadBalancerMode))
	jr := journal.NewStore(cfg.DataDir)
	tm := tasks.NewManager()

	db, err := authn.OpenDB(cfg.DataDir, false)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer db.Close()
	auth := authn.NewStore(db)

	jwtSecret, err := authn.LoadOrCreateJWTSecret(cfg.JWTSecret, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve JWT secret: %w", err)
	}
	if _, err := authn.EnsureAdmin(auth, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin user: %w", err)
	}

	cat := catalog.New(cfg.ModelCatalogPath)
	metrics := observability.InitMetrics()

	deps := &handlers.Deps{
		Cfg:       cfg,
		Registry:  reg,
		Load:      load,
		Journal:   jr,
		Tasks:     tm,
		Auth:      auth,
		Catalog:   cat,
		Metrics:   metrics,
		Logs:      ring,
		JWTSecret: jwtSecret,
	}
	limiter := middleware.NewRateLimiter(rateLimitRPS, rateLimitBurst)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, deps, limiter)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("fleet router listening",
			"port", cfg.Port, "data_dir", cfg.DataDir, "balancer_mode", cfg.LoadBalancerMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		runOfflineSweep(ctx, reg, metrics, cfg.OfflineAfter)
		return nil
	})

	g.Go(func() error {
		jr.RunCleanup(ctx)
		return nil
	})

	if cfg.ModelCatalogPath != "" {
		g.Go(func() error {
			if err := cat.Watch(ctx); err != nil {
				slog.Warn("catalog watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(rateLimitSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	})

	return g.Wait()
}

// runOfflineSweep periodically marks silent nodes offline and refreshes
// the status gauges.
func runOfflineSweep(ctx context.Context, reg *registry.Registry,
	metrics *observability.RouterMetrics, offlineAfter time.Duration) {

	interval := offlineAfter / 3
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := reg.SweepOffline(offlineAfter)
			for _, id := range swept {
				slog.Warn("node missed heartbeats, marked offline", "node_id", id)
			}

			var online, offline float64
			for _, node := range reg.List() {
				if node.Status == datatypes.NodeOnline {
					online++
				} else {
					offline++
				}
			}
			metrics.NodesByStatus.WithLabelValues(string(datatypes.NodeOnline)).Set(online)
			metrics.NodesByStatus.WithLabelValues(string(datatypes.NodeOffline)).Set(offline)
		}
	}
}
