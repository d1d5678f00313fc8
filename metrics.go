package tokenvault

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports vault activity as Prometheus collectors. It is fed from the
// event bus and registered on a caller supplied registerer, so several
// orchestrators can live in one process with their own registries.
type Metrics struct {
	tokenEvents        *prometheus.CounterVec
	keyEvents          *prometheus.CounterVec
	integrityChecks    *prometheus.CounterVec
	integrityFailures  prometheus.Counter
	integrityDuration  prometheus.Histogram
	consecutiveFailure prometheus.Gauge
	breaches           prometheus.Counter
	backups            *prometheus.CounterVec
	lastBackup         prometheus.Gauge
	cleanupRemoved     prometheus.Counter
	activeTokens       prometheus.Gauge
	errors             *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg. With a nil
// registerer the collectors are created but not exported.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "tokenvault"
	}

	m := &Metrics{
		tokenEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_events_total",
				Help:      "Token lifecycle events by type",
			},
			[]string{"event"},
		),
		keyEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_events_total",
				Help:      "Master key events by type",
			},
			[]string{"event"},
		),
		integrityChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_checks_total",
				Help:      "Integrity check cycles by result (passed|failed)",
			},
			[]string{"result"},
		),
		integrityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_record_failures_total",
				Help:      "Records that failed authenticated decryption during integrity checks",
			},
		),
		integrityDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "integrity_check_duration_seconds",
				Help:      "Duration of integrity check cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		consecutiveFailure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "integrity_consecutive_failures",
				Help:      "Current number of consecutive failed integrity check cycles",
			},
		),
		breaches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_breaches_total",
				Help:      "Security breach detections",
			},
		),
		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_total",
				Help:      "Backups by result (success|failure)",
			},
			[]string{"result"},
		),
		lastBackup: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_backup_timestamp_seconds",
				Help:      "Unix time of the last successful backup",
			},
		),
		cleanupRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_removed_tokens_total",
				Help:      "Tokens removed by cleanup sweeps",
			},
		),
		activeTokens: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tokens",
				Help:      "Tokens whose stored status is active",
			},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Orchestrator errors by operation",
			},
			[]string{"op"},
		),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.all() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) all() []prometheus.Collector {
	return []prometheus.Collector{
		m.tokenEvents,
		m.keyEvents,
		m.integrityChecks,
		m.integrityFailures,
		m.integrityDuration,
		m.consecutiveFailure,
		m.breaches,
		m.backups,
		m.lastBackup,
		m.cleanupRemoved,
		m.activeTokens,
		m.errors,
	}
}

// Observe updates the collectors for e. It is meant to be subscribed to an EventBus.
func (m *Metrics) Observe(e Event) {
	if m == nil {
		return
	}

	switch e.Type {
	case EventCreated, EventRotated, EventRevoked, EventRenewed, EventWarning:
		m.tokenEvents.WithLabelValues(string(e.Type)).Inc()
	case EventKeyGenerated, EventKeyRotated, EventKeyRevoked, EventKeyDeleted:
		m.keyEvents.WithLabelValues(string(e.Type)).Inc()
	case EventIntegrityVerified:
		p, ok := e.Payload.(IntegrityVerifiedPayload)
		if !ok {
			return
		}
		result := "passed"
		if !p.Passed {
			result = "failed"
		}
		m.integrityChecks.WithLabelValues(result).Inc()
		m.integrityFailures.Add(float64(p.Failures))
		m.consecutiveFailure.Set(float64(p.ConsecutiveFailures))
	case EventSecurityBreachDetected:
		m.breaches.Inc()
	case EventBackupCompleted:
		m.backups.WithLabelValues("success").Inc()
		m.lastBackup.Set(float64(e.Timestamp.Unix()))
	case EventBackupRestored:
		m.backups.WithLabelValues("restored").Inc()
	case EventCleanup:
		if p, ok := e.Payload.(CleanupPayload); ok {
			m.cleanupRemoved.Add(float64(p.Removed))
		}
	case EventError:
		p, ok := e.Payload.(ErrorPayload)
		if !ok {
			return
		}
		if p.Op == opBackup {
			m.backups.WithLabelValues("failure").Inc()
		}
		m.errors.WithLabelValues(p.Op).Inc()
	}
}

func (m *Metrics) observeIntegrityDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.integrityDuration.Observe(d.Seconds())
}

func (m *Metrics) setActiveTokens(n int) {
	if m == nil {
		return
	}
	m.activeTokens.Set(float64(n))
}
