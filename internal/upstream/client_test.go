package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/coach-gateway/internal/coach"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

func testRequest() *coach.Request {
	return &coach.Request{
		Model: "gpt-4o-mini",
		Messages: []coach.Message{
			{Role: coach.RoleSystem, Content: "be brief"},
			{Role: coach.RoleUser, Content: "squat form?"},
		},
	}
}

// flakyTransport fails the first n buffered calls with a transport error.
type flakyTransport struct {
	*fasthttp.Client
	failures int
	calls    int
}

func (f *flakyTransport) DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset by peer")
	}
	return f.Client.DoDeadline(req, resp, deadline)
}

func TestComplete_RelaysVerbatim(t *testing.T) {
	const reply = `{"id":"c1","choices":[{"message":{"role":"assistant","content":"Keep your back straight."}}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("X-Request-Id"); got != "req-1" {
			t.Errorf("request id not forwarded, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if m := gjson.GetBytes(body, "model").String(); m != "gpt-4o-mini" {
			t.Errorf("unexpected model %q", m)
		}
		if n := gjson.GetBytes(body, "messages.#").Int(); n != 2 {
			t.Errorf("expected 2 messages, got %d", n)
		}
		if gjson.GetBytes(body, "stream").Exists() {
			t.Error("buffered call must not set stream")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	res, err := c.Complete(context.Background(), testRequest(), "req-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("expected 200, got %d", res.Status)
	}
	if string(res.Body) != reply {
		t.Errorf("body not relayed verbatim: %s", res.Body)
	}
	if res.ContentType != "application/json" {
		t.Errorf("unexpected content type %q", res.ContentType)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
}

func TestComplete_UpstreamErrorStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL})
	res, err := c.Complete(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("a non-2xx answer is not a transport error: %v", err)
	}
	if res.Status != http.StatusTooManyRequests {
		t.Errorf("expected 429 relayed, got %d", res.Status)
	}
	if msg := ErrorMessage(res.Body); msg != "quota exceeded" {
		t.Errorf("unexpected error message %q", msg)
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", hits.Load())
	}
}

func TestComplete_RetriesOnceOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"second try"}}]}`)
	}))
	defer srv.Close()

	tr := &flakyTransport{Client: &fasthttp.Client{}, failures: 1}
	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL, Transport: tr})

	res, err := c.Complete(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
	if tr.calls != 2 || res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got calls=%d attempts=%d", tr.calls, res.Attempts)
	}
	if !bytes.Contains(res.Body, []byte("second try")) {
		t.Errorf("expected second attempt's body, got %s", res.Body)
	}
}

func TestComplete_SlowAttemptTimesOutAndRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-time.After(600 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
			_, _ = io.WriteString(w, `{"id":"chatcmpl-late"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","choices":[{"message":{"content":"in time"}}]}`)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL, Timeout: 200 * time.Millisecond})

	start := time.Now()
	res, err := c.Complete(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("expected the second attempt to succeed, got %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("expected 200, got %d", res.Status)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
	if !bytes.Contains(res.Body, []byte("chatcmpl-1")) {
		t.Errorf("expected the second attempt's body, got %s", res.Body)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("expected exactly 2 upstream hits, got %d", n)
	}
	if elapsed := time.Since(start); elapsed >= 600*time.Millisecond {
		t.Errorf("first attempt was not cut at the timeout, took %s", elapsed)
	}
}

func TestComplete_GivesUpAfterSecondTransportError(t *testing.T) {
	tr := &flakyTransport{Client: &fasthttp.Client{}, failures: 5}
	c := New(Options{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1", Transport: tr})

	_, err := c.Complete(context.Background(), testRequest(), "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if tr.calls != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, tr.calls)
	}
}

func TestComplete_UnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: addr, Timeout: time.Second})
	if _, err := c.Complete(context.Background(), testRequest(), ""); err == nil {
		t.Fatal("expected an error for a closed upstream")
	}
}

func TestComplete_MissingAPIKey(t *testing.T) {
	c := New(Options{})
	if c.Configured() {
		t.Fatal("client without key must not report configured")
	}
	if _, err := c.Complete(context.Background(), testRequest(), ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := c.Stream(context.Background(), testRequest(), ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestStream_RelaysChunksByteForByte(t *testing.T) {
	chunks := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Keep\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\" going\"}}]}\n\n",
		"data: [DONE]\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Error("streaming call must set stream=true")
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected accept header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL})
	s, err := c.Stream(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	if !s.OK() {
		t.Fatalf("expected 2xx, got %d", s.Status)
	}

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	n, err := s.Relay(w)
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}

	want := chunks[0] + chunks[1] + chunks[2]
	if out.String() != want {
		t.Errorf("relayed bytes differ:\nwant %q\ngot  %q", want, out.String())
	}
	if n != int64(len(want)) {
		t.Errorf("expected %d bytes, got %d", len(want), n)
	}
}

func TestStream_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL})
	s, err := c.Stream(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	if s.OK() {
		t.Fatal("401 must not be OK")
	}
	body, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if ErrorMessage(body) != "bad key" {
		t.Errorf("unexpected body %s", body)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBuildBody(t *testing.T) {
	body, err := BuildBody(testRequest(), Buffered)
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	if gjson.GetBytes(body, "messages.0.role").String() != "system" {
		t.Errorf("unexpected first role in %s", body)
	}
	if gjson.GetBytes(body, "messages.1.content").String() != "squat form?" {
		t.Errorf("unexpected content in %s", body)
	}

	body, err = BuildBody(testRequest(), Streaming)
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	if !gjson.GetBytes(body, "stream").Bool() {
		t.Errorf("expected stream=true in %s", body)
	}
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer srv.Close()

	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy upstream, got %v", err)
	}

	status.Store(http.StatusUnauthorized)
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestMode_String(t *testing.T) {
	if Buffered.String() != "buffered" || Streaming.String() != "streaming" {
		t.Errorf("unexpected mode names %q %q", Buffered, Streaming)
	}
}
