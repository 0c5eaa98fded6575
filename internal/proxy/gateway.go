// Package proxy is the HTTP face of the coach gateway.
//
// The Gateway receives a chat request from a browser or app, checks its
// origin, validates and bounds the body, applies the per-client rate limit,
// and forwards it to the upstream completion API, either buffered or as a
// pass-through event stream.
//
// Key design constraints:
//   - Checks run in a fixed order and the first failure answers the request.
//   - No in-process state is shared between requests; the rate-limit counter
//     lives in the external store.
//   - The rate limiter and error sink are optional and nil-safe.
//   - Streamed responses are relayed byte-for-byte and never buffered.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/coach-gateway/internal/coach"
	"github.com/nulpointcorp/coach-gateway/internal/errsink"
	"github.com/nulpointcorp/coach-gateway/internal/metrics"
	"github.com/nulpointcorp/coach-gateway/internal/ratelimit"
	"github.com/nulpointcorp/coach-gateway/internal/upstream"
	"github.com/nulpointcorp/coach-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const routeCoach = "/coach"

// Upstream is the completion service the gateway relays to.
// *upstream.Client implements it.
type Upstream interface {
	Configured() bool
	Complete(ctx context.Context, req *coach.Request, requestID string) (*upstream.Result, error)
	Stream(ctx context.Context, req *coach.Request, requestID string) (*upstream.Stream, error)
}

// GatewayOptions holds optional dependencies and tuning parameters. All
// fields can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Reporter receives best-effort error reports. Defaults to errsink.Nop.
	Reporter errsink.Reporter

	// Health backs GET /health. When nil, /health reports a static "ok".
	Health *HealthChecker

	// MaxBodyBytes rejects larger bodies with 413. Zero disables the check.
	MaxBodyBytes int
}

// Gateway is the /coach handler. All dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	sanitizer *coach.Sanitizer
	origins   *OriginPolicy
	limiter   *ratelimit.Limiter
	upstream  Upstream

	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry
	reporter errsink.Reporter

	maxBodyBytes int

	srvMu   sync.Mutex
	srv     *fasthttp.Server
	stopped bool
}

// NewGateway creates a Gateway. limiter may be nil, in which case requests
// are never rate limited.
func NewGateway(
	baseCtx context.Context,
	sanitizer *coach.Sanitizer,
	origins *OriginPolicy,
	limiter *ratelimit.Limiter,
	up Upstream,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	rep := opts.Reporter
	if rep == nil {
		rep = errsink.Nop{}
	}
	if origins == nil {
		origins = NewOriginPolicy(nil, false)
	}

	return &Gateway{
		sanitizer:    sanitizer,
		origins:      origins,
		limiter:      limiter,
		upstream:     up,
		health:       opts.Health,
		baseCtx:      baseCtx,
		log:          log,
		metrics:      opts.Metrics,
		reporter:     rep,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// handleCoach runs one /coach request through origin, method, config, body,
// rate-limit and upstream stages, in that order.
func (g *Gateway) handleCoach(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeCoach, ctx.Response.StatusCode(), time.Since(start), reqBytes)
	}()

	reqID := requestIDFrom(ctx)
	clientIP := clientAddress(ctx)

	// 1. Origin.
	origin := string(ctx.Request.Header.Peek("Origin"))
	decision := g.origins.Evaluate(origin)
	writeCORSHeaders(ctx, decision)

	switch decision.Outcome {
	case OriginRejected:
		g.log.WarnContext(ctx, "origin_rejected",
			slog.String("request_id", reqID),
			slog.String("origin", origin),
			slog.String("client_ip", clientIP),
		)
		g.reject(ctx, "origin", fasthttp.StatusForbidden, apierr.MsgOriginNotAllowed)
		return
	case OriginRequired:
		g.reject(ctx, "origin", fasthttp.StatusBadRequest, apierr.MsgOriginRequired)
		return
	}

	// 2. Method.
	switch string(ctx.Method()) {
	case fasthttp.MethodOptions:
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	case fasthttp.MethodPost:
	default:
		ctx.Response.Header.Set("Allow", corsAllowMethods)
		g.reject(ctx, "method", fasthttp.StatusMethodNotAllowed, apierr.MsgMethodNotAllowed)
		return
	}

	// 3. Configuration.
	if g.upstream == nil || !g.upstream.Configured() {
		g.log.ErrorContext(ctx, "upstream_not_configured",
			slog.String("request_id", reqID),
		)
		g.reject(ctx, "misconfigured", fasthttp.StatusInternalServerError, apierr.MsgMisconfigured)
		return
	}

	// 4. Body.
	body := ctx.PostBody()
	if g.maxBodyBytes > 0 && len(body) > g.maxBodyBytes {
		g.reject(ctx, "body_too_large", fasthttp.StatusRequestEntityTooLarge, apierr.MsgRequestBodyTooBig)
		return
	}

	req, err := g.sanitizer.Parse(body)
	if err != nil {
		var ve *coach.ValidationError
		switch {
		case errors.Is(err, coach.ErrInvalidJSON):
			g.reject(ctx, "invalid_json", fasthttp.StatusBadRequest, apierr.MsgInvalidJSON)
		case errors.As(err, &ve):
			g.log.DebugContext(ctx, "invalid_request",
				slog.String("request_id", reqID),
				slog.String("field", ve.Field),
				slog.String("reason", ve.Reason),
			)
			if g.metrics != nil {
				g.metrics.RecordRejection("invalid_request")
			}
			apierr.WriteInvalid(ctx, ve.Field, ve.Reason)
		default:
			g.fail(ctx, reqID, clientIP, "request_parse_failed", err)
		}
		return
	}

	// 5. Rate limit.
	if !g.checkRateLimit(ctx, reqID, clientIP) {
		return
	}

	// 6. Mode.
	mode := selectMode(ctx)

	g.log.InfoContext(ctx, "coach_request",
		slog.String("request_id", reqID),
		slog.String("client_ip", clientIP),
		slog.String("model", req.Model),
		slog.String("requested_model", req.RequestedModel),
		slog.Int("messages", len(req.Messages)),
		slog.String("mode", mode.String()),
	)

	// 7. Upstream.
	if mode == upstream.Streaming {
		streaming = g.serveStream(ctx, req, reqID, clientIP, start, reqBytes)
		return
	}
	g.serveBuffered(ctx, req, reqID, clientIP)
}

// checkRateLimit applies the per-client limit. It returns false when the
// request was answered with 429.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, reqID, clientIP string) bool {
	if g.limiter == nil {
		return true
	}

	res := g.limiter.Check(ctx, clientIP)
	if g.metrics != nil {
		g.metrics.RecordRateLimit(res.Outcome.String())
	}

	switch res.Outcome {
	case ratelimit.Denied:
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("client_ip", clientIP),
			slog.Int64("count", res.Count),
			slog.Int("limit", res.Limit),
		)
		if g.metrics != nil {
			g.metrics.RecordRejection("rate_limited")
		}
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", "0")
		apierr.WriteRateLimit(ctx)
		return false

	case ratelimit.StoreUnavailable:
		// ErrStoreUnavailable means REDIS_URL is unset.
		level := slog.LevelWarn
		if errors.Is(res.Err, ratelimit.ErrStoreUnavailable) {
			level = slog.LevelDebug
		}
		g.log.LogAttrs(ctx, level, "rate_limit_store_unavailable",
			slog.String("request_id", reqID),
			slog.String("error", errString(res.Err)),
		)
		// Nothing was counted, so the whole budget is reported as remaining.
		ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Limit))
		return true
	}

	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	return true
}

func (g *Gateway) serveBuffered(ctx *fasthttp.RequestCtx, req *coach.Request, reqID, clientIP string) {
	upStart := time.Now()
	res, err := g.upstream.Complete(ctx, req, reqID)
	elapsed := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstreamCall(upstream.Buffered.String(), "transport_error", upstream.MaxAttempts, elapsed)
		}
		g.upstreamFailed(ctx, req, reqID, clientIP, err, elapsed)
		return
	}

	if g.metrics != nil {
		g.metrics.ObserveUpstreamCall(upstream.Buffered.String(), outcomeFor(res.Status), res.Attempts, elapsed)
	}
	g.logUpstreamCall(ctx, upstream.Buffered, req, reqID, clientIP, res.Status, elapsed, res.Body)

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	ctx.SetStatusCode(res.Status)
	ctx.SetContentType(contentType)
	ctx.SetBody(res.Body)
}

// serveStream opens the upstream stream and installs a body writer that
// relays it. It returns true when the writer took over response accounting.
func (g *Gateway) serveStream(
	ctx *fasthttp.RequestCtx,
	req *coach.Request,
	reqID, clientIP string,
	start time.Time,
	reqBytes int,
) bool {
	upStart := time.Now()
	s, err := g.upstream.Stream(ctx, req, reqID)
	elapsed := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstreamCall(upstream.Streaming.String(), "transport_error", 1, elapsed)
		}
		g.upstreamFailed(ctx, req, reqID, clientIP, err, elapsed)
		return false
	}

	if g.metrics != nil {
		g.metrics.ObserveUpstreamCall(upstream.Streaming.String(), outcomeFor(s.Status), 1, elapsed)
	}

	// Upstream refused: relay its answer as a single buffered response.
	if !s.OK() {
		defer s.Close()
		body, rerr := s.ReadAll()
		if rerr != nil {
			g.upstreamFailed(ctx, req, reqID, clientIP, rerr, elapsed)
			return false
		}
		g.logUpstreamCall(ctx, upstream.Streaming, req, reqID, clientIP, s.Status, elapsed, body)
		contentType := s.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		ctx.SetStatusCode(s.Status)
		ctx.SetContentType(contentType)
		ctx.SetBody(body)
		return false
	}

	g.logUpstreamCall(ctx, upstream.Streaming, req, reqID, clientIP, s.Status, elapsed, nil)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	log := g.log
	met := g.metrics
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var relayed int64
		defer func() {
			if r := recover(); r != nil {
				log.Error("stream_writer_panic",
					slog.String("request_id", reqID),
					slog.Any("panic", r),
				)
			}
			_ = s.Close()
			if met != nil {
				met.AddStreamBytes(relayed)
				met.ObserveHTTP(routeCoach, fasthttp.StatusOK, time.Since(start), reqBytes)
				met.DecInFlight()
			}
		}()

		n, err := s.Relay(w)
		relayed = n
		if err != nil {
			// Usually the client went away mid-stream.
			log.Info("stream_interrupted",
				slog.String("request_id", reqID),
				slog.Int64("bytes", n),
				slog.String("error", err.Error()),
			)
			return
		}
		log.Debug("stream_complete",
			slog.String("request_id", reqID),
			slog.Int64("bytes", n),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
	return true
}

// logUpstreamCall emits the one structured line per upstream call. For
// streams it is logged as soon as the connection opens.
func (g *Gateway) logUpstreamCall(
	ctx context.Context,
	mode upstream.Mode,
	req *coach.Request,
	reqID, clientIP string,
	status int,
	elapsed time.Duration,
	body []byte,
) {
	attrs := []slog.Attr{
		slog.String("request_id", reqID),
		slog.String("client_ip", clientIP),
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)),
		slog.String("mode", mode.String()),
		slog.Int("status", status),
		slog.Duration("elapsed", elapsed),
	}
	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
		if msg := upstream.ErrorMessage(body); msg != "" {
			attrs = append(attrs, slog.String("upstream_error", msg))
		}
	}
	g.log.LogAttrs(ctx, level, "upstream_call", attrs...)
}

// upstreamFailed answers a transport-level upstream failure with an opaque
// 500 and reports it.
func (g *Gateway) upstreamFailed(
	ctx *fasthttp.RequestCtx,
	req *coach.Request,
	reqID, clientIP string,
	err error,
	elapsed time.Duration,
) {
	g.log.ErrorContext(ctx, "upstream_error",
		slog.String("request_id", reqID),
		slog.String("client_ip", clientIP),
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", elapsed),
	)
	g.report(ctx, reqID, clientIP, "upstream_error", err)
	apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.MsgUpstreamFailed)
}

// fail answers an unexpected internal error with a generic 500.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, reqID, clientIP, event string, err error) {
	g.log.ErrorContext(ctx, event,
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)
	g.report(ctx, reqID, clientIP, event, err)
	apierr.WriteInternal(ctx)
}

func (g *Gateway) report(ctx *fasthttp.RequestCtx, reqID, clientIP, event string, err error) {
	g.reporter.Report(errsink.Report{
		RequestID: reqID,
		Message:   event,
		Error:     err.Error(),
		Method:    string(ctx.Method()),
		Path:      string(ctx.Path()),
		ClientIP:  clientIP,
	})
}

func (g *Gateway) reject(ctx *fasthttp.RequestCtx, reason string, status int, message string) {
	if g.metrics != nil {
		g.metrics.RecordRejection(reason)
	}
	apierr.Write(ctx, status, message)
}

// selectMode picks streaming when the client asks for it through the query
// string, the X-Stream header, or an Accept header naming event streams.
func selectMode(ctx *fasthttp.RequestCtx) upstream.Mode {
	if truthy(string(ctx.QueryArgs().Peek("stream"))) {
		return upstream.Streaming
	}
	if truthy(string(ctx.Request.Header.Peek("X-Stream"))) {
		return upstream.Streaming
	}
	if strings.Contains(strings.ToLower(string(ctx.Request.Header.Peek("Accept"))), "text/event-stream") {
		return upstream.Streaming
	}
	return upstream.Buffered
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func outcomeFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status >= 400 && status < 500:
		return "client_error"
	default:
		return "upstream_error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
