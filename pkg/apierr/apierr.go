// Package apierr writes the gateway's JSON error envelope.
//
// Every error response has the shape {"error": "<stable message>"}. Validation
// failures additionally carry the offending field so clients can point at it
// without parsing the message.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Stable error messages. Clients may match on these strings.
const (
	MsgOriginNotAllowed  = "Origin not allowed"
	MsgOriginRequired    = "Origin header required"
	MsgMethodNotAllowed  = "Method not allowed"
	MsgMisconfigured     = "Server misconfigured"
	MsgInvalidJSON       = "Invalid JSON body"
	MsgInvalidRequest    = "Invalid request"
	MsgRateLimited       = "Rate limit exceeded"
	MsgUpstreamFailed    = "Upstream request failed"
	MsgInternal          = "Internal server error"
	MsgRequestBodyTooBig = "Request body too large"
)

// RetryAfterSeconds is the Retry-After value sent with every 429. It matches
// the rate-limit window length.
const RetryAfterSeconds = "60"

type envelope struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Write writes {"error": message} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	write(ctx, status, envelope{Error: message})
}

// WriteInvalid writes a 400 naming the field that failed validation.
func WriteInvalid(ctx *fasthttp.RequestCtx, field, reason string) {
	write(ctx, fasthttp.StatusBadRequest, envelope{
		Error:  MsgInvalidRequest,
		Field:  field,
		Reason: reason,
	})
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", RetryAfterSeconds)
	Write(ctx, fasthttp.StatusTooManyRequests, MsgRateLimited)
}

// WriteInternal writes the generic 500. No internal detail is ever included.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, MsgInternal)
}

func write(ctx *fasthttp.RequestCtx, status int, e envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(e)
	ctx.SetBody(body)
}
