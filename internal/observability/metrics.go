// Package observability holds the Prometheus collector and OpenTelemetry
// tracing setup shared by the batch optimizer and the daemon.
package observability

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Optimization outcomes used as the "outcome" label.
const (
	OutcomeFeasible   = "feasible"
	OutcomeInfeasible = "infeasible"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
)

// Collector bundles the engine's Prometheus metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Combinations     *prometheus.CounterVec
	FeasibleTrials   *prometheus.CounterVec
	OptimizeDuration *prometheus.HistogramVec
	BestDutyFactor   *prometheus.GaugeVec
	Jobs             *prometheus.GaugeVec
	HTTPRequests     *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against one registry returns the
// collectors already there.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	combos, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_combinations_total",
		Help: "Timing combinations evaluated, labeled by instrument model.",
	}, []string{"model"}), "pulse_combinations_total")
	if err != nil {
		return nil, err
	}
	feasible, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_feasible_trials_total",
		Help: "Timing combinations that produced a conflict-free schedule.",
	}, []string{"model"}), "pulse_feasible_trials_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_optimize_duration_seconds",
		Help:    "Wall time of one optimization run.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"model", "outcome"}), "pulse_optimize_duration_seconds")
	if err != nil {
		return nil, err
	}
	duty, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_best_duty_factor",
		Help: "Duty factor of the most recent feasible optimization.",
	}, []string{"model"}), "pulse_best_duty_factor")
	if err != nil {
		return nil, err
	}
	jobs, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_jobs",
		Help: "Optimization jobs known to the daemon, labeled by state.",
	}, []string{"state"}), "pulse_jobs")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_http_requests_total",
		Help: "HTTP requests served by the daemon, labeled by route and status code.",
	}, []string{"route", "code"}), "pulse_http_requests_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Combinations:     combos,
		FeasibleTrials:   feasible,
		OptimizeDuration: duration,
		BestDutyFactor:   duty,
		Jobs:             jobs,
		HTTPRequests:     requests,
	}, nil
}

// ObserveOptimization records one optimization run. Safe on a nil Collector.
func (c *Collector) ObserveOptimization(model, outcome string, combinations, feasible int, dutyFactor float64, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Combinations.WithLabelValues(model).Add(float64(combinations))
	c.FeasibleTrials.WithLabelValues(model).Add(float64(feasible))
	c.OptimizeDuration.WithLabelValues(model, outcome).Observe(elapsed.Seconds())
	if outcome == OutcomeFeasible {
		c.BestDutyFactor.WithLabelValues(model).Set(dutyFactor)
	}
}

// SetJobCounts replaces the per-state job gauges.
func (c *Collector) SetJobCounts(counts map[string]int) {
	if c == nil {
		return
	}
	c.Jobs.Reset()
	for state, n := range counts {
		c.Jobs.WithLabelValues(state).Set(float64(n))
	}
}

// Middleware counts requests by matched route pattern and status code.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack passes websocket upgrades through to the underlying connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
