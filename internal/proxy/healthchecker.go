package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/coach-gateway/internal/metrics"
)

const defaultHealthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDisabled = "disabled"
	statusUnknown  = "unknown"
)

// Probe checks one dependency. A nil Check marks the dependency as not
// configured; it is reported as "disabled" and never degrades overall health.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "disabled"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	probes   []Probe
	statuses map[string]*componentStatus
	interval time.Duration
	baseCtx  context.Context
	metrics  *metrics.Registry

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. interval <= 0 uses the 30s default.
func NewHealthChecker(ctx context.Context, probes []Probe, interval time.Duration, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = defaultHealthProbeInterval
	}
	hc := &HealthChecker{
		probes:    probes,
		statuses:  make(map[string]*componentStatus, len(probes)),
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}

	for _, p := range probes {
		hc.statuses[p.Name] = &componentStatus{}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Dependencies  map[string]string `json:"dependencies"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK

	deps := make(map[string]string, len(hc.statuses))
	for name, s := range hc.statuses {
		st := s.get()
		deps[name] = st
		if st != statusOK && st != statusDisabled {
			overall = statusDegraded
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Dependencies:  deps,
	}
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Probes run in parallel.
	var wg sync.WaitGroup
	for _, p := range hc.probes {
		p := p
		s := hc.statuses[p.Name]
		if p.Check == nil {
			s.set(statusDisabled)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p.Check(ctx) == nil
			if ok {
				s.set(statusOK)
			} else {
				s.set(statusDegraded)
			}
			if hc.metrics != nil {
				hc.metrics.SetDependencyHealth(p.Name, ok)
			}
		}()
	}
	wg.Wait()
}
