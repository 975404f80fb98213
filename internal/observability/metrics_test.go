package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveOptimization(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.ObserveOptimization("scanning", OutcomeFeasible, 120, 30, 0.25, 40*time.Millisecond)
	c.ObserveOptimization("scanning", OutcomeInfeasible, 80, 0, 0, 10*time.Millisecond)

	if got := testutil.ToFloat64(c.Combinations.WithLabelValues("scanning")); got != 200 {
		t.Errorf("pulse_combinations_total = %v, want 200", got)
	}
	if got := testutil.ToFloat64(c.FeasibleTrials.WithLabelValues("scanning")); got != 30 {
		t.Errorf("pulse_feasible_trials_total = %v, want 30", got)
	}
	if got := testutil.ToFloat64(c.BestDutyFactor.WithLabelValues("scanning")); got != 0.25 {
		t.Errorf("an infeasible run should not clear the best duty factor, got %v", got)
	}
	if n := histogramSampleCount(t, reg, "pulse_optimize_duration_seconds", map[string]string{"outcome": OutcomeInfeasible}); n != 1 {
		t.Errorf("infeasible duration samples = %d, want 1", n)
	}
}

func TestNewCollector_ReRegisterReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	a.Combinations.WithLabelValues("fixed_look").Add(3)
	if got := testutil.ToFloat64(b.Combinations.WithLabelValues("fixed_look")); got != 3 {
		t.Errorf("collectors not shared: %v", got)
	}
}

func TestSetJobCounts(t *testing.T) {
	c, _ := NewCollector(prometheus.NewRegistry())
	c.SetJobCounts(map[string]int{"queued": 2, "running": 1})
	c.SetJobCounts(map[string]int{"done": 3})
	if got := testutil.CollectAndCount(c.Jobs); got != 1 {
		t.Errorf("job series = %d, want 1 after reset", got)
	}
	if got := testutil.ToFloat64(c.Jobs.WithLabelValues("done")); got != 3 {
		t.Errorf("done = %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := NewCollector(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := c.Middleware(mux)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/jobs/def", nil))

	if got := testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET /api/jobs/{id}", "404")); got != 2 {
		t.Errorf("requests = %v, want 2 under one route label", got)
	}

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "pulse_http_requests_total") {
		t.Errorf("/metrics = %d\n%s", rr.Code, rr.Body.String())
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveOptimization("scanning", OutcomeError, 1, 0, 0, time.Millisecond)
	c.SetJobCounts(map[string]int{"queued": 1})
	called := false
	c.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil collector middleware should pass through")
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracing should produce invalid span contexts")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil); err == nil {
		t.Error("unknown exporter should fail")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
