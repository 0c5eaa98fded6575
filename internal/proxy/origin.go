package proxy

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// OriginOutcome is the origin policy's verdict for one request.
type OriginOutcome int

const (
	// OriginAllowed lets the request through.
	OriginAllowed OriginOutcome = iota
	// OriginRejected: an allow-list exists and the origin is not on it.
	OriginRejected
	// OriginRequired: an allow-list exists, origins are mandatory and the
	// request sent none.
	OriginRequired
)

// OriginDecision is the result of evaluating one Origin header.
type OriginDecision struct {
	Outcome OriginOutcome
	// AllowOrigin is the Access-Control-Allow-Origin value to send. Empty
	// means the header is omitted.
	AllowOrigin string
}

// OriginPolicy decides whether a browser origin may call the gateway. It is
// immutable after construction.
//
// With an empty allow-list every origin is accepted and echoed back (or "*"
// when the caller sent none). With a non-empty list, listed origins are
// echoed, unlisted origins are rejected, and origin-less callers (curl,
// server-to-server) pass without a CORS header unless requireOrigin is set.
type OriginPolicy struct {
	allowed       map[string]struct{}
	requireOrigin bool
}

// NewOriginPolicy builds a policy from the configured allow-list.
func NewOriginPolicy(allowed []string, requireOrigin bool) *OriginPolicy {
	p := &OriginPolicy{
		allowed:       make(map[string]struct{}, len(allowed)),
		requireOrigin: requireOrigin,
	}
	for _, o := range allowed {
		if o = normalizeOrigin(o); o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Open reports whether the policy has no allow-list.
func (p *OriginPolicy) Open() bool { return len(p.allowed) == 0 }

// Evaluate classifies origin, the raw Origin header value ("" when absent).
func (p *OriginPolicy) Evaluate(origin string) OriginDecision {
	if p.Open() {
		if origin == "" {
			return OriginDecision{Outcome: OriginAllowed, AllowOrigin: "*"}
		}
		return OriginDecision{Outcome: OriginAllowed, AllowOrigin: origin}
	}

	if origin == "" {
		if p.requireOrigin {
			return OriginDecision{Outcome: OriginRequired}
		}
		return OriginDecision{Outcome: OriginAllowed}
	}

	if _, ok := p.allowed[normalizeOrigin(origin)]; ok {
		return OriginDecision{Outcome: OriginAllowed, AllowOrigin: origin}
	}
	return OriginDecision{Outcome: OriginRejected}
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

const (
	corsAllowMethods  = "POST, OPTIONS"
	corsAllowHeaders  = "Content-Type, X-Request-Id, X-Stream, Accept"
	corsExposeHeaders = "X-Request-Id, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After"
	corsMaxAge        = "600"
)

// writeCORSHeaders sets the CORS response headers for d. Vary is always set
// because the answer depends on the Origin header.
func writeCORSHeaders(ctx *fasthttp.RequestCtx, d OriginDecision) {
	h := &ctx.Response.Header
	h.Set("Vary", "Origin")
	if d.AllowOrigin == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", d.AllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
	h.Set("Access-Control-Max-Age", corsMaxAge)
}
