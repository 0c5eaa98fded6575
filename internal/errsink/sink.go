// Package errsink ships error reports to an external collector.
//
// Reports go into a bounded channel and a background goroutine posts them in
// batches as JSON to a webhook. Reporting never blocks the request path: when
// the channel is full, or the sink is already closed, the report is dropped
// and counted. Delivery failures are logged and otherwise swallowed.
package errsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	defaultQueueSize = 1_000
	batchSize        = 50
	flushInterval    = 2 * time.Second
	postTimeout      = 5 * time.Second
)

// Report is one captured failure.
type Report struct {
	RequestID   string    `json:"request_id,omitempty"`
	Message     string    `json:"message"`
	Error       string    `json:"error,omitempty"`
	Method      string    `json:"method,omitempty"`
	Path        string    `json:"path,omitempty"`
	ClientIP    string    `json:"client_ip,omitempty"`
	Stack       string    `json:"stack,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reporter accepts reports without blocking.
type Reporter interface {
	Report(r Report)
}

// Nop discards every report. Used when no sink is configured.
type Nop struct{}

func (Nop) Report(Report) {}

// Observer receives delivery statistics. metrics.Registry implements it.
type Observer interface {
	ErrorReportDelivered(count int, ok bool)
	ErrorReportDropped()
}

type Options struct {
	URL         string
	Token       string
	Environment string
	QueueSize   int

	Logger   *slog.Logger
	Observer Observer
}

type Sink struct {
	url   string
	token string
	env   string

	client *fasthttp.Client

	ch        chan Report
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped   int64
	delivered int64

	baseCtx  context.Context
	log      *slog.Logger
	observer Observer
}

func New(ctx context.Context, opts Options) (*Sink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("errsink: context must not be nil")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("errsink: url must not be empty")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	s := &Sink{
		url:   opts.URL,
		token: opts.Token,
		env:   opts.Environment,
		client: &fasthttp.Client{
			Name:                     "coach-gateway-errsink",
			NoDefaultUserAgentHeader: true,
		},
		ch:       make(chan Report, opts.QueueSize),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		log:      opts.Logger,
		observer: opts.Observer,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Report enqueues r. It never blocks and never panics.
func (s *Sink) Report(r Report) {
	defer func() {
		if rec := recover(); rec != nil {
			s.drop()
		}
	}()

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Environment == "" {
		r.Environment = s.env
	}

	select {
	case <-s.done:
		s.drop()
		return
	default:
	}

	select {
	case s.ch <- r:
	default:
		s.drop()
	}
}

func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *Sink) Delivered() int64 {
	return atomic.LoadInt64(&s.delivered)
}

// Close stops accepting reports, flushes what is queued and waits for the
// background goroutine.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *Sink) drop() {
	atomic.AddInt64(&s.dropped, 1)
	if s.observer != nil {
		s.observer.ErrorReportDropped()
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Report, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.post(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-s.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.baseCtx.Done():
			s.drain(&batch, flush)
			return

		case <-s.done:
			s.drain(&batch, flush)
			return
		}
	}
}

func (s *Sink) drain(batch *[]Report, flush func()) {
	for {
		select {
		case r := <-s.ch:
			*batch = append(*batch, r)
			if len(*batch) >= batchSize {
				flush()
			}
		default:
			flush()
			return
		}
	}
}

func (s *Sink) post(batch []Report) {
	body, err := json.Marshal(struct {
		Reports []Report `json:"reports"`
	}{batch})
	if err != nil {
		s.log.Warn("error_sink_encode_failed", slog.String("error", err.Error()))
		s.observe(len(batch), false)
		return
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.SetBody(body)

	if err := s.client.DoTimeout(req, resp, postTimeout); err != nil {
		s.log.Warn("error_sink_delivery_failed",
			slog.Int("reports", len(batch)),
			slog.String("error", err.Error()),
		)
		s.observe(len(batch), false)
		return
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		s.log.Warn("error_sink_rejected",
			slog.Int("reports", len(batch)),
			slog.Int("status", code),
		)
		s.observe(len(batch), false)
		return
	}

	atomic.AddInt64(&s.delivered, int64(len(batch)))
	s.observe(len(batch), true)
}

func (s *Sink) observe(n int, ok bool) {
	if s.observer != nil {
		s.observer.ErrorReportDelivered(n, ok)
	}
}
