package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the coach route.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request pipeline: routes plus middleware. Pass nil
// for mgmt to serve only the public routes.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Every method reaches handleCoach so origin checks run before the 405.
	r.ANY(routeCoach, g.handleCoach)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.reporter),
		requestID,
		timing,
		securityHeaders,
	)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ln, mgmt)
}

// Serve serves on an existing listener until Shutdown is called.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	// No WriteTimeout: it would cut long streamed replies.
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		Name:               "coach-gateway",
		ReadTimeout:        30 * time.Second,
		IdleTimeout:        90 * time.Second,
		MaxRequestBodySize: g.serverBodyLimit(),
	}

	g.srvMu.Lock()
	if g.stopped {
		g.srvMu.Unlock()
		return ln.Close()
	}
	g.srv = srv
	g.srvMu.Unlock()

	return srv.Serve(ln)
}

// Shutdown gracefully stops the server started by Serve.
// A Serve call that has not started yet returns immediately.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	g.stopped = true
	srv := g.srv
	g.srvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

// serverBodyLimit leaves headroom over MaxBodyBytes so oversize bodies reach
// the handler and get the JSON 413 rather than a bare connection error.
func (g *Gateway) serverBodyLimit() int {
	if g.maxBodyBytes <= 0 {
		return fasthttp.DefaultMaxRequestBodySize
	}
	return 2 * g.maxBodyBytes
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

// handleReadiness reports ready once an upstream credential is configured.
// Without it every /coach call would fail with 500.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.upstream != nil && g.upstream.Configured() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "upstream not configured"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
