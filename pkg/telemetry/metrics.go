package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Stagecoach.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	// Bus metrics
	queueDepth     *prometheus.GaugeVec
	deliveries     *prometheus.CounterVec
	redeliveries   *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	replays        prometheus.Counter

	// Gate metrics
	gatesOpened   *prometheus.CounterVec
	gatesResolved *prometheus.CounterVec
	gateWait      *prometheus.HistogramVec

	// Phase metrics
	phaseTransitions *prometheus.CounterVec
	phaseRollbacks   *prometheus.CounterVec
	escalations      prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of workflow steps executed",
			},
			[]string{"unit", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"unit"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of workflow-level step retries",
			},
			[]string{"unit"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bus_queue_depth",
				Help:      "Current number of envelopes queued per priority",
			},
			[]string{"priority"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_deliveries_total",
				Help:      "Total number of envelope deliveries",
			},
			[]string{"priority"},
		),
		redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_redeliveries_total",
				Help:      "Total number of envelope redeliveries",
			},
			[]string{"priority"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_dead_letters_total",
				Help:      "Total number of envelopes moved to the dead letter queue",
			},
			[]string{"destination"},
		),
		replays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bus_replays_total",
				Help:      "Total number of dead letter entries replayed",
			},
		),

		gatesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gates_opened_total",
				Help:      "Total number of approval gates opened",
			},
			[]string{"gate"},
		),
		gatesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gates_resolved_total",
				Help:      "Total number of approval gates resolved",
			},
			[]string{"gate", "status"},
		),
		gateWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_wait_seconds",
				Help:      "Time envelopes spent held behind approval gates",
				Buckets:   buckets,
			},
			[]string{"gate"},
		),

		phaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_transitions_total",
				Help:      "Total number of phase transitions",
			},
			[]string{"from", "to"},
		),
		phaseRollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_rollbacks_total",
				Help:      "Total number of phase rollbacks",
			},
			[]string{"from"},
		),
		escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of runs escalated to a human operator",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active workflow runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.queueDepth,
		m.deliveries,
		m.redeliveries,
		m.deadLetters,
		m.replays,
		m.gatesOpened,
		m.gatesResolved,
		m.gateWait,
		m.phaseTransitions,
		m.phaseRollbacks,
		m.escalations,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(workflow string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Step Metrics

// RecordStepExecution records the terminal outcome of a step.
func (m *Metrics) RecordStepExecution(unit, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(unit, status).Inc()
	m.stepDuration.WithLabelValues(unit).Observe(duration.Seconds())
}

// RecordStepRetry records a workflow-level retry of a step.
func (m *Metrics) RecordStepRetry(unit string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(unit).Inc()
}

// Bus Metrics

// SetQueueDepth sets the current queue depth for a priority tier.
func (m *Metrics) SetQueueDepth(priority string, depth float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(depth)
}

// RecordDelivery records an envelope delivery.
func (m *Metrics) RecordDelivery(priority string) {
	if m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(priority).Inc()
}

// RecordRedelivery records an envelope redelivery after a nack or
// visibility timeout.
func (m *Metrics) RecordRedelivery(priority string) {
	if m.redeliveries == nil {
		return
	}
	m.redeliveries.WithLabelValues(priority).Inc()
}

// RecordDeadLetter records an envelope moved to the dead letter queue.
func (m *Metrics) RecordDeadLetter(destination string) {
	if m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(destination).Inc()
}

// RecordReplay records a dead letter entry being replayed.
func (m *Metrics) RecordReplay() {
	if m.replays == nil {
		return
	}
	m.replays.Inc()
}

// Gate Metrics

// RecordGateOpened records an approval gate opening.
func (m *Metrics) RecordGateOpened(gate string) {
	if m.gatesOpened == nil {
		return
	}
	m.gatesOpened.WithLabelValues(gate).Inc()
}

// RecordGateResolved records an approval gate resolution and the time
// envelopes spent waiting behind it.
func (m *Metrics) RecordGateResolved(gate, status string, wait time.Duration) {
	if m.gatesResolved == nil {
		return
	}
	m.gatesResolved.WithLabelValues(gate, status).Inc()
	m.gateWait.WithLabelValues(gate).Observe(wait.Seconds())
}

// Phase Metrics

// RecordPhaseTransition records a forward phase transition.
func (m *Metrics) RecordPhaseTransition(from, to string) {
	if m.phaseTransitions == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordPhaseRollback records a rollback out of a phase.
func (m *Metrics) RecordPhaseRollback(from string) {
	if m.phaseRollbacks == nil {
		return
	}
	m.phaseRollbacks.WithLabelValues(from).Inc()
}

// RecordEscalation records a run escalated to a human operator.
func (m *Metrics) RecordEscalation() {
	if m.escalations == nil {
		return
	}
	m.escalations.Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
