package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/coach-gateway/internal/coach"
	"github.com/nulpointcorp/coach-gateway/internal/errsink"
	"github.com/nulpointcorp/coach-gateway/internal/metrics"
	"github.com/nulpointcorp/coach-gateway/internal/proxy"
	"github.com/nulpointcorp/coach-gateway/internal/ratelimit"
	"github.com/nulpointcorp/coach-gateway/internal/upstream"
)

// initInfra establishes optional external connections. An unreachable Redis
// is not fatal: the limiter fails open until it comes back and /health
// reports it degraded meanwhile.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.log.Warn("REDIS_URL not set, rate limiting disabled")
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if rdb == nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	if err != nil {
		a.log.Warn("redis unreachable, rate limiting fails open until it recovers",
			slog.String("error", err.Error()),
		)
		return nil
	}
	a.log.Info("redis connected")

	return nil
}

// initServices creates the Prometheus registry and the optional error sink.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.ErrorSink.URL == "" {
		return nil
	}

	sink, err := errsink.New(ctx, errsink.Options{
		URL:         a.cfg.ErrorSink.URL,
		Token:       a.cfg.ErrorSink.Token,
		Environment: a.cfg.Environment,
		Logger:      a.log,
		Observer:    a.prom,
	})
	if err != nil {
		return fmt.Errorf("error sink: %w", err)
	}
	a.sink = sink
	a.log.Info("error sink enabled", slog.String("url", redactURL(a.cfg.ErrorSink.URL)))

	return nil
}

// initUpstream builds the completion client. A missing key is logged, not
// fatal; the gateway answers 500 and reports not-ready until it is set.
func (a *App) initUpstream(_ context.Context) error {
	a.up = upstream.New(upstream.Options{
		APIKey:  a.cfg.Upstream.APIKey,
		BaseURL: a.cfg.Upstream.BaseURL,
		Timeout: a.cfg.Upstream.Timeout,
	})
	if !a.up.Configured() {
		a.log.Error("UPSTREAM_API_KEY not set, every /coach request will fail with 500")
	}
	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	sanitizer := coach.NewSanitizer(coach.SanitizerOptions{
		MaxMessages:      a.cfg.Limits.MaxMessages,
		MaxContentLength: a.cfg.Limits.MaxContentLength,
		DefaultModel:     a.cfg.Models.Default,
		AllowedModels:    a.cfg.Models.Allowed,
	})

	origins := proxy.NewOriginPolicy(a.cfg.Origins.Allowed, a.cfg.Origins.RequireOrigin)
	if origins.Open() {
		a.log.Warn("ALLOWED_ORIGINS empty, accepting every origin")
	}

	// The limiter is always built; without a store it fails open.
	var store ratelimit.CounterStore
	var redisCheck probeFunc
	if a.rdb != nil {
		store = ratelimit.NewRedisStore(a.rdb)
		redisCheck = redisProbe(a.rdb)
	}
	limiter := ratelimit.NewLimiter(store, a.cfg.RateLimit.PerMinute)

	var upstreamCheck probeFunc
	if a.up.Configured() {
		upstreamCheck = a.up.HealthCheck
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, []proxy.Probe{
		{Name: "upstream", Check: upstreamCheck},
		{Name: "redis", Check: redisCheck},
	}, a.cfg.HealthProbeInterval, a.prom)

	var reporter errsink.Reporter = errsink.Nop{}
	if a.sink != nil {
		reporter = a.sink
	}

	a.gw = proxy.NewGateway(a.baseCtx, sanitizer, origins, limiter, a.up, proxy.GatewayOptions{
		Logger:       a.log,
		Metrics:      a.prom,
		Reporter:     reporter,
		Health:       a.health,
		MaxBodyBytes: a.cfg.Limits.MaxBodyBytes,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.log.Info("gateway configured",
		slog.String("default_model", a.cfg.Models.Default),
		slog.Any("allowed_models", a.cfg.Models.Allowed),
		slog.Int("max_messages", a.cfg.Limits.MaxMessages),
		slog.Int("max_content_length", a.cfg.Limits.MaxContentLength),
		slog.Int("rate_limit_per_minute", limiter.Limit()),
	)

	return nil
}

type probeFunc = func(context.Context) error

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
