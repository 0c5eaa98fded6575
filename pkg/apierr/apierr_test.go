package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestWrite_Envelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusForbidden, MsgOriginNotAllowed)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("expected 403, got %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if got := string(ctx.Response.Body()); got != `{"error":"Origin not allowed"}` {
		t.Errorf("unexpected body: %s", got)
	}
}

func TestWriteInvalid_IncludesField(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInvalid(ctx, "messages[1].role", "must be one of system, user, assistant")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	var body struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != MsgInvalidRequest {
		t.Errorf("expected error=%q, got %q", MsgInvalidRequest, body.Error)
	}
	if body.Field != "messages[1].role" {
		t.Errorf("expected field messages[1].role, got %q", body.Field)
	}
}

func TestWriteRateLimit_RetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", ctx.Response.StatusCode())
	}
	if ra := string(ctx.Response.Header.Peek("Retry-After")); ra != "60" {
		t.Errorf("expected Retry-After 60, got %q", ra)
	}
}

func TestWriteInternal_NoDetail(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteInternal(ctx)

	if got := string(ctx.Response.Body()); got != `{"error":"Internal server error"}` {
		t.Errorf("unexpected body: %s", got)
	}
}
