// Package ratelimit implements per-client fixed-window rate limiting on top of
// an external atomic counter store.
//
// Each client gets one counter per wall-clock minute. The counter lives only
// in the store, so any number of stateless gateway replicas share the same
// budget. When the store cannot be reached the limiter reports
// StoreUnavailable and the caller lets the request through.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Window is the length of one counting bucket.
const Window = time.Minute

// FallbackClientID identifies callers with no forwarded address. All such
// callers share one bucket.
const FallbackClientID = "unknown"

const keyPrefix = "ratelimit:coach:"

// ErrStoreUnavailable is returned by stores that are not configured.
var ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// CounterStore is a keyed atomic-increment service. Increment adds one to key
// and returns the new value; when the key is created by this call its expiry
// is set to ttl.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Outcome is the limiter's decision for one request.
type Outcome int

const (
	// Allowed means the request is within budget.
	Allowed Outcome = iota
	// Denied means the client exceeded its budget for the current window.
	Denied
	// StoreUnavailable means the count could not be taken; the request is
	// not limited.
	StoreUnavailable
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "blocked"
	case StoreUnavailable:
		return "store_unavailable"
	}
	return "unknown"
}

// Result carries the decision plus the numbers for response headers.
type Result struct {
	Outcome Outcome
	Limit   int
	// Count is the window count after this request. Zero when the store was
	// unavailable.
	Count int64
	// Remaining is max(Limit-Count, 0).
	Remaining int
	// Err is the store error behind a StoreUnavailable outcome.
	Err error
}

// Limiter checks per-client request counts.
type Limiter struct {
	store CounterStore
	limit int
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter allowing limit requests per client per window.
// A nil store makes every check return StoreUnavailable.
func NewLimiter(store CounterStore, limit int, opts ...Option) *Limiter {
	l := &Limiter{store: store, limit: limit, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int { return l.limit }

// Check counts one request for clientID in the current window.
func (l *Limiter) Check(ctx context.Context, clientID string) Result {
	res := Result{Limit: l.limit}
	if l.store == nil {
		res.Outcome = StoreUnavailable
		res.Err = ErrStoreUnavailable
		return res
	}

	count, err := l.store.Increment(ctx, WindowKey(clientID, l.now()), Window)
	if err != nil {
		res.Outcome = StoreUnavailable
		res.Err = err
		return res
	}

	res.Count = count
	res.Remaining = l.limit - int(count)
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if count > int64(l.limit) {
		res.Outcome = Denied
	} else {
		res.Outcome = Allowed
	}
	return res
}

// WindowKey returns the counter key for clientID in the window containing t.
func WindowKey(clientID string, t time.Time) string {
	if clientID == "" {
		clientID = FallbackClientID
	}
	minute := t.Unix() / int64(Window/time.Second)
	return keyPrefix + clientID + ":" + strconv.FormatInt(minute, 10)
}
