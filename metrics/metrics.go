// Package metrics exports execution telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "databox"

// Observer captures telemetry for submissions and executions.
type Observer interface {
	RecordSubmission(state string)
	RecordViolation(rule string)
	RecordExecution(outcome string, duration time.Duration)
	RecordHelperCall(op string, err error)
	SlotAcquired()
	SlotReleased()
}

// PrometheusObserver exports databox metrics to Prometheus.
type PrometheusObserver struct {
	submissions       *prometheus.CounterVec
	violations        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	helperCalls       *prometheus.CounterVec
	slotsInUse        prometheus.Gauge
}

// NewPrometheusObserver registers the databox collectors on reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions by final state.",
		}, []string{"state"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_violations_total",
			Help:      "Validation violations by rule.",
		}, []string{"rule"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of sandboxed executions by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		helperCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "helper_calls_total",
			Help:      "Artifact helper calls served for runners by operation and status.",
		}, []string{"op", "status"}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_slots_in_use",
			Help:      "Runner processes currently holding an execution slot.",
		}),
	}

	var err error
	if o.submissions, err = register(reg, o.submissions); err != nil {
		return nil, err
	}
	if o.violations, err = register(reg, o.violations); err != nil {
		return nil, err
	}
	if o.executionDuration, err = register(reg, o.executionDuration); err != nil {
		return nil, err
	}
	if o.helperCalls, err = register(reg, o.helperCalls); err != nil {
		return nil, err
	}
	if o.slotsInUse, err = register(reg, o.slotsInUse); err != nil {
		return nil, err
	}
	return o, nil
}

// register adds c to reg, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordSubmission(state string) {
	o.submissions.WithLabelValues(state).Inc()
}

func (o *PrometheusObserver) RecordViolation(rule string) {
	o.violations.WithLabelValues(rule).Inc()
}

func (o *PrometheusObserver) RecordExecution(outcome string, duration time.Duration) {
	o.executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordHelperCall counts one helper call; err decides the status label.
func (o *PrometheusObserver) RecordHelperCall(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.helperCalls.WithLabelValues(op, status).Inc()
}

func (o *PrometheusObserver) SlotAcquired() { o.slotsInUse.Inc() }

func (o *PrometheusObserver) SlotReleased() { o.slotsInUse.Dec() }

type nopObserver struct{}

// Nop returns an Observer that records nothing.
func Nop() Observer { return nopObserver{} }

func (nopObserver) RecordSubmission(string) {}

func (nopObserver) RecordViolation(string) {}

func (nopObserver) RecordExecution(string, time.Duration) {}

func (nopObserver) RecordHelperCall(string, error) {}

func (nopObserver) SlotAcquired() {}

func (nopObserver) SlotReleased() {}
