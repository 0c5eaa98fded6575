package proxy

import (
	"strings"
	"sync"
	"testing"

	"github.com/nulpointcorp/coach-gateway/internal/errsink"
	"github.com/valyala/fasthttp"
)

// recordingReporter keeps every report it receives.
type recordingReporter struct {
	mu      sync.Mutex
	reports []errsink.Report
}

func (r *recordingReporter) Report(rep errsink.Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func (r *recordingReporter) all() []errsink.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]errsink.Report(nil), r.reports...)
}

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	rep := &recordingReporter{}
	handler := recovery(rep)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if len(rep.all()) != 0 {
		t.Error("nothing should be reported without a panic")
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	rep := &recordingReporter{}
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial")
		panic("mock panic")
	}, recovery(rep), requestID)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-Id", "panic-req")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}
	if body := string(ctx.Response.Body()); body != `{"error":"Internal server error"}` {
		t.Errorf("unexpected error body: %s", body)
	}
	if got := string(ctx.Response.Header.Peek("X-Request-Id")); got != "panic-req" {
		t.Errorf("request id lost on panic, got %q", got)
	}

	reports := rep.all()
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].RequestID != "panic-req" || reports[0].Error != "mock panic" {
		t.Errorf("unexpected report: %+v", reports[0])
	}
	if reports[0].Stack == "" {
		t.Error("report should carry a stack trace")
	}
}

func TestRecovery_NilReporter(t *testing.T) {
	handler := recovery(nil)(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id == "" {
			t.Error("request_id should be generated")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-Id"))
	if len(respID) != 36 {
		t.Errorf("expected a UUID in X-Request-Id, got %q", respID)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id != "custom-id-123" {
			t.Errorf("expected preserved ID, got %s", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-Id", "custom-id-123")
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-Id"))
	if respID != "custom-id-123" {
		t.Errorf("expected 'custom-id-123' in response, got %s", respID)
	}
}

func TestRequestID_ReplacesOversizedID(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-Id", strings.Repeat("x", maxRequestIDLen+1))
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-Id")); len(got) != 36 {
		t.Errorf("oversized id should be replaced by a UUID, got %d chars", len(got))
	}
}

// --- timing middleware ------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	rt := string(ctx.Response.Header.Peek("X-Response-Time"))
	if rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ---------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}

	for header, want := range expected {
		got := string(ctx.Response.Header.Peek(header))
		if got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

// --- clientAddress ----------------------------------------------------------

func TestClientAddress(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"first forwarded hop", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.2"}, "203.0.113.7"},
		{"real ip fallback", map[string]string{"X-Real-IP": " 198.51.100.2 "}, "198.51.100.2"},
		{"empty forwarded list", map[string]string{"X-Forwarded-For": " , 10.0.0.1"}, "unknown"},
		{"no headers", nil, "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			for k, v := range tc.headers {
				ctx.Request.Header.Set(k, v)
			}
			if got := clientAddress(ctx); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

// --- applyMiddleware --------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string

	mw1 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw1-before")
			next(ctx)
			order = append(order, "mw1-after")
		}
	}
	mw2 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw2-before")
			next(ctx)
			order = append(order, "mw2-after")
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw1, mw2)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	// mw1 is outermost, mw2 is inner.
	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %q, got %q", i, v, order[i])
		}
	}
}
