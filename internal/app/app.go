// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra:    external connections (Redis when REDIS_URL is set)
//  2. initServices: metrics registry and error sink
//  3. initUpstream: completion API client
//  4. initGateway:  request pipeline and management routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/coach-gateway/internal/config"
	"github.com/nulpointcorp/coach-gateway/internal/errsink"
	"github.com/nulpointcorp/coach-gateway/internal/metrics"
	"github.com/nulpointcorp/coach-gateway/internal/proxy"
	"github.com/nulpointcorp/coach-gateway/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections; nil when not configured or unreachable.
	rdb *redis.Client

	prom   *metrics.Registry
	sink   *errsink.Sink
	up     *upstream.Client
	health *proxy.HealthChecker

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"upstream", a.initUpstream},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server on the configured port and blocks until ctx is
// cancelled or an error occurs. It shuts the server down gracefully before
// returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	return a.run(ctx, addr, func() error {
		if err := a.gw.StartWithRoutes(addr, a.mgmt); err != nil {
			return fmt.Errorf("app: serve %s: %w", addr, err)
		}
		return nil
	})
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	return a.run(ctx, ln.Addr().String(), func() error {
		return a.gw.Serve(ln, a.mgmt)
	})
}

func (a *App) run(ctx context.Context, addr string, serve func() error) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("upstream", redactURL(a.cfg.Upstream.BaseURL)),
		slog.Bool("upstream_configured", a.cfg.UpstreamConfigured()),
		slog.Bool("rate_limit_store", a.rdb != nil),
		slog.Int("rate_limit_per_minute", a.cfg.RateLimit.PerMinute),
		slog.Int("allowed_origins", len(a.cfg.Origins.Allowed)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(serve)

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down gateway")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Handler exposes the full request pipeline, mainly for tests.
func (a *App) Handler() fasthttp.RequestHandler {
	return a.gw.Handler(a.mgmt)
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.health != nil {
			a.health.Close()
		}
		if a.sink != nil {
			if err := a.sink.Close(); err != nil {
				a.log.Error("error sink close error", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING. When
// the PING fails the client is still returned alongside the error, since
// go-redis reconnects on its own; a nil client means the URL is unusable.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return rdb, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe reuses the existing client for health checks.
func redisProbe(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
