package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
)

const (
	PollOutcomeTerminal  = "terminal"
	PollOutcomeTimeout   = "timeout"
	PollOutcomeExternal  = "external"
	PollOutcomeCancelled = "cancelled"
	PollOutcomeSkipped   = "skipped"
)

const (
	QueryErrorNetwork   = "network"
	QueryErrorGateway   = "gateway"
	QueryErrorDeadline  = "deadline_exceeded"
	QueryErrorInvariant = "invariant"
	QueryErrorUnknown   = "unknown"
)

// PollerMetrics captures status polling health: how many loops run, how they
// end and how often the gateway is queried.
type PollerMetrics struct {
	loopsStarted  prometheus.Counter
	loopsFinished *prometheus.CounterVec
	attempts      prometheus.Counter
	queryErrors   *prometheus.CounterVec
	loopDuration  *prometheus.HistogramVec
	activeLoops   prometheus.Gauge
	reconciled    *prometheus.CounterVec
	finishedBy    map[string]prometheus.Counter
}

var (
	pollerMetricsOnce sync.Once
	pollerMetrics     *PollerMetrics
)

// Poller returns the singleton poller metrics registry.
func Poller() *PollerMetrics {
	return PollerWithConfig(Config{})
}

// PollerWithConfig returns the singleton poller metrics registry using config labels.
func PollerWithConfig(cfg Config) *PollerMetrics {
	pollerMetricsOnce.Do(func() {
		pollerMetrics = newPollerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pollerMetrics
}

// ResetPollerMetricsForTest resets the poller metrics singleton for tests.
func ResetPollerMetricsForTest() {
	pollerMetricsOnce = sync.Once{}
	pollerMetrics = nil
}

// NewPollerMetricsForTest builds an unshared registry-backed instance.
func NewPollerMetricsForTest(registerer prometheus.Registerer) *PollerMetrics {
	return newPollerMetrics(registerer, Config{ServiceName: "stkpay", Environment: "test"})
}

func newPollerMetrics(registerer prometheus.Registerer, cfg Config) *PollerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "stkpay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	loopsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "stkpay_poll_loops_started_total",
		Help:        "Status poll loops started.",
		ConstLabels: constLabels,
	})
	loopsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stkpay_poll_loops_finished_total",
		Help:        "Status poll loops finished by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "stkpay_poll_attempts_total",
		Help:        "Status queries issued by poll loops.",
		ConstLabels: constLabels,
	})
	queryErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stkpay_poll_query_errors_total",
		Help:        "Failed status queries by low-cardinality kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	loopDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "stkpay_poll_loop_duration_seconds",
		Help:        "Wall time from loop start to its last action.",
		Buckets:     []float64{1, 3, 6, 10, 15, 30, 45, 60, 90, 120, 300},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	activeLoops := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "stkpay_poll_loops_active",
		Help:        "Poll loops currently running.",
		ConstLabels: constLabels,
	})
	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stkpay_timeout_reconciliations_total",
		Help:        "Late results recorded for timed out payments by late status.",
		ConstLabels: constLabels,
	}, []string{"status"})

	registerer.MustRegister(
		loopsStarted,
		loopsFinished,
		attempts,
		queryErrors,
		loopDuration,
		activeLoops,
		reconciled,
	)

	finishedBy := map[string]prometheus.Counter{}
	for _, outcome := range []string{
		PollOutcomeTerminal,
		PollOutcomeTimeout,
		PollOutcomeExternal,
		PollOutcomeCancelled,
		PollOutcomeSkipped,
	} {
		finishedBy[outcome] = loopsFinished.WithLabelValues(outcome)
	}

	return &PollerMetrics{
		loopsStarted:  loopsStarted,
		loopsFinished: loopsFinished,
		attempts:      attempts,
		queryErrors:   queryErrors,
		loopDuration:  loopDuration,
		activeLoops:   activeLoops,
		reconciled:    reconciled,
		finishedBy:    finishedBy,
	}
}

func (m *PollerMetrics) IncLoopStarted() {
	if m == nil {
		return
	}
	m.loopsStarted.Inc()
	m.activeLoops.Inc()
}

// ObserveLoopFinished records the loop outcome and its duration.
func (m *PollerMetrics) ObserveLoopFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeLoops.Dec()
	if counter, ok := m.finishedBy[outcome]; ok {
		counter.Inc()
	} else {
		m.loopsFinished.WithLabelValues(outcome).Inc()
	}
	if duration < 0 {
		duration = 0
	}
	m.loopDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncLoopSkipped counts a loop that never started, e.g. owned by another instance.
func (m *PollerMetrics) IncLoopSkipped() {
	if m == nil {
		return
	}
	m.finishedBy[PollOutcomeSkipped].Inc()
}

func (m *PollerMetrics) IncAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *PollerMetrics) IncQueryError(err error) {
	if m == nil || err == nil {
		return
	}
	m.queryErrors.WithLabelValues(ClassifyQueryError(err)).Inc()
}

func (m *PollerMetrics) IncReconciled(lateStatus string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(strings.TrimSpace(lateStatus)).Inc()
}

// ClassifyQueryError maps a status query failure to a low-cardinality kind.
func ClassifyQueryError(err error) string {
	switch {
	case err == nil:
		return QueryErrorUnknown
	case errors.Is(err, context.DeadlineExceeded) && !domain.IsGatewayError(err):
		return QueryErrorDeadline
	case domain.IsNetworkError(err):
		return QueryErrorNetwork
	case domain.IsGatewayError(err):
		return QueryErrorGateway
	case errors.Is(err, domain.ErrInvariantViolation):
		return QueryErrorInvariant
	default:
		return QueryErrorUnknown
	}
}
