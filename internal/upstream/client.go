// Package upstream performs the outbound chat-completion call against an
// OpenAI-compatible API.
//
// Two call shapes exist and never mix. Complete runs a buffered call bounded
// by a timeout and retried once on transport failure; whatever status the
// upstream answers with is returned verbatim. Stream opens a single streaming
// call with no retry and hands back a handle whose body is relayed to the
// client as it arrives.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/coach-gateway/internal/coach"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 15 * time.Second

	// MaxAttempts bounds buffered calls: one try plus one retry.
	MaxAttempts = 2

	completionsPath = "/chat/completions"
)

// ErrMissingAPIKey is returned when no upstream credential is configured.
var ErrMissingAPIKey = errors.New("upstream: no API key configured")

// Mode selects how a call is made and relayed.
type Mode int

const (
	Buffered Mode = iota
	Streaming
)

func (m Mode) String() string {
	if m == Streaming {
		return "streaming"
	}
	return "buffered"
}

// Transport is the subset of *fasthttp.Client used by Client.
type Transport interface {
	Do(req *fasthttp.Request, resp *fasthttp.Response) error
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

// Options configures a Client. Zero values fall back to package defaults.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// Transport serves buffered calls, StreamTransport streaming ones.
	// Both default to fasthttp clients.
	Transport       Transport
	StreamTransport Transport
}

// Client calls the upstream completion endpoint. Safe for concurrent use.
type Client struct {
	apiKey   string
	endpoint string
	timeout  time.Duration

	buffered Transport
	stream   Transport
	sdk      openaiSDK.Client
}

// Result is a completed buffered call.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	// Attempts is how many transport attempts were made (1 or 2).
	Attempts int
}

// New creates a Client.
func New(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		apiKey:   opts.APIKey,
		endpoint: base + completionsPath,
		timeout:  timeout,
		buffered: opts.Transport,
		stream:   opts.StreamTransport,
	}

	if c.buffered == nil {
		c.buffered = &fasthttp.Client{
			Name:                     "coach-gateway",
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		}
	}
	if c.stream == nil {
		// No ReadTimeout: a stream lives as long as the upstream keeps
		// producing and the client keeps reading.
		c.stream = &fasthttp.Client{
			Name:                     "coach-gateway",
			StreamResponseBody:       true,
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		}
	}

	c.sdk = openaiSDK.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(base+"/"),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	)

	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Complete performs a buffered call. Transport failures are retried once with
// a fresh timeout; any HTTP response, including non-2xx, ends the call.
func (c *Client) Complete(ctx context.Context, req *coach.Request, requestID string) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	body, err := BuildBody(req, Buffered)
	if err != nil {
		return nil, err
	}

	hreq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(hreq)
	c.prepare(hreq, body, requestID, Buffered)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		resp.Reset()

		lastErr = c.buffered.DoDeadline(hreq, resp, c.deadline(ctx))
		if lastErr == nil {
			return &Result{
				Status:      resp.StatusCode(),
				ContentType: string(resp.Header.ContentType()),
				Body:        append([]byte(nil), resp.Body()...),
				Attempts:    attempt,
			}, nil
		}
	}

	return nil, fmt.Errorf("upstream: request failed after %d attempts: %w", MaxAttempts, lastErr)
}

// Stream opens a streaming call. The caller owns the returned handle and must
// Close it. There is no retry: once bytes flow to the client a second attempt
// could not be spliced in.
func (c *Client) Stream(ctx context.Context, req *coach.Request, requestID string) (*Stream, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	body, err := BuildBody(req, Streaming)
	if err != nil {
		return nil, err
	}

	hreq := fasthttp.AcquireRequest()
	c.prepare(hreq, body, requestID, Streaming)
	resp := fasthttp.AcquireResponse()

	if err := c.stream.Do(hreq, resp); err != nil {
		fasthttp.ReleaseRequest(hreq)
		fasthttp.ReleaseResponse(resp)
		return nil, fmt.Errorf("upstream: stream request failed: %w", err)
	}

	return newStream(hreq, resp), nil
}

// HealthCheck lists models through the SDK as a credential and reachability
// probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if _, err := c.sdk.Models.List(ctx); err != nil {
		var apierr *openaiSDK.Error
		if errors.As(err, &apierr) {
			return fmt.Errorf("upstream: health check: status %d", apierr.StatusCode)
		}
		return fmt.Errorf("upstream: health check: %w", err)
	}
	return nil
}

func (c *Client) prepare(hreq *fasthttp.Request, body []byte, requestID string, mode Mode) {
	hreq.SetRequestURI(c.endpoint)
	hreq.Header.SetMethod(fasthttp.MethodPost)
	hreq.Header.SetContentType("application/json")
	hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if mode == Streaming {
		hreq.Header.Set("Accept", "text/event-stream")
	} else {
		hreq.Header.Set("Accept", "application/json")
	}
	if requestID != "" {
		hreq.Header.Set("X-Request-Id", requestID)
	}
	hreq.SetBody(body)
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// BuildBody encodes req as a chat-completions request body.
func BuildBody(req *coach.Request, mode Mode) ([]byte, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}
	if mode == Streaming {
		body, err = sjson.SetBytes(body, "stream", true)
		if err != nil {
			return nil, fmt.Errorf("upstream: encode request: %w", err)
		}
	}
	return body, nil
}

// ErrorMessage extracts error.message from an upstream error body, or "" if
// the body has none.
func ErrorMessage(body []byte) string {
	return gjson.GetBytes(body, "error.message").String()
}

func toSDKMessage(m coach.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch m.Role {
	case coach.RoleSystem:
		return openaiSDK.SystemMessage(m.Content)
	case coach.RoleAssistant:
		return openaiSDK.AssistantMessage(m.Content)
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}
