package proxy

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/coach-gateway/internal/errsink"
	"github.com/nulpointcorp/coach-gateway/internal/ratelimit"
	"github.com/nulpointcorp/coach-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	headerRequestID = "X-Request-Id"
	userValueReqID  = "request_id"

	// maxRequestIDLen caps client-supplied ids before they reach logs.
	maxRequestIDLen = 128
)

// recovery catches panics in any handler and returns a generic 500 without
// crashing the server process. The panic is logged at ERROR level and handed
// to the error sink.
func recovery(rep errsink.Reporter) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if rep == nil {
		rep = errsink.Nop{}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					reqID := requestIDFrom(ctx)
					stack := string(debug.Stack())
					slog.Error("handler_panic",
						slog.String("request_id", reqID),
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					rep.Report(errsink.Report{
						RequestID: reqID,
						Message:   "handler_panic",
						Error:     fmt.Sprint(r),
						Method:    string(ctx.Method()),
						Path:      string(ctx.Path()),
						ClientIP:  clientAddress(ctx),
						Stack:     stack,
					})
					ctx.ResetBody()
					apierr.WriteInternal(ctx)
				}
			}()
			next(ctx)
		}
	}
}

// requestID ensures every response carries an X-Request-Id header. A
// client-supplied id is echoed back; otherwise a UUID v4 is generated. The id
// is also stored under the "request_id" user value for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := strings.TrimSpace(string(ctx.Request.Header.Peek(headerRequestID)))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue(userValueReqID, id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header. The value uses Go's default Duration string format (e.g. "2.5ms").
// For streamed responses it covers the time until the stream starts.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds HTTP security headers recommended by OWASP to every
// response. These headers have no effect on the API functionality but harden
// the server against common web attacks.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP instead.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper (executes first on request,
// last on response):
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// requestIDFrom returns the id stored by the requestID middleware, or the
// response header value when the middleware did not run.
func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue(userValueReqID).(string); ok {
		return id
	}
	return string(ctx.Response.Header.Peek(headerRequestID))
}

// clientAddress identifies the caller for rate limiting and logs: the first
// hop of X-Forwarded-For, then X-Real-IP, then ratelimit.FallbackClientID.
// The gateway is expected to run behind a proxy that sets these headers, so
// the socket address is not used.
func clientAddress(ctx *fasthttp.RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first, _, _ := strings.Cut(string(xff), ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Real-IP"))); realIP != "" {
		return realIP
	}
	return ratelimit.FallbackClientID
}
