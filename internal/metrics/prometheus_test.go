package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	r.Handler()(&ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("scrape returned %d", ctx.Response.StatusCode())
	}
	return string(ctx.Response.Body())
}

func TestRegistry_ExposesGatewaySeries(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.ObserveHTTP("/coach", 200, 20*time.Millisecond, 128)
	r.RecordRejection("rate_limited")
	r.RecordRateLimit("blocked")
	r.ObserveUpstreamCall("buffered", "ok", 2, 50*time.Millisecond)
	r.AddStreamBytes(42)
	r.SetDependencyHealth("redis", true)
	r.ErrorReportDelivered(3, true)
	r.ErrorReportDropped()

	body := scrape(t, r)

	for _, want := range []string{
		`coach_build_info{version="test"} 1`,
		`coach_http_requests_total{route="/coach",status="200"} 1`,
		`coach_rejections_total{reason="rate_limited"} 1`,
		`coach_ratelimit_total{result="blocked"} 1`,
		`coach_upstream_calls_total{mode="buffered",outcome="ok"} 1`,
		`coach_upstream_retries_total 1`,
		`coach_stream_bytes_total 42`,
		`coach_dependency_health{dependency="redis"} 1`,
		`coach_error_reports_total{result="delivered"} 3`,
		`coach_error_reports_total{result="dropped"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRegistry_InFlight(t *testing.T) {
	r := New()
	r.IncInFlight()
	r.IncInFlight()
	r.DecInFlight()

	if body := scrape(t, r); !strings.Contains(body, "coach_inflight_requests 1") {
		t.Error("expected one in-flight request")
	}
}
