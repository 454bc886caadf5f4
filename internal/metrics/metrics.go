// Package metrics provides Prometheus instrumentation for the register
// process: operation counts/latency, register-client reconnects, and
// quorum size. Every method is nil-safe so the rest of the codebase can
// carry a possibly-nil *Metrics with zero overhead when metrics are
// disabled (marmos91-dittofs/pkg/metrics/cache.go's nil-receiver pattern).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector this process registers. A nil
// *Metrics is valid and every method on it is a no-op.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	reconnectsTotal   *prometheus.CounterVec
	quorumSize        *prometheus.GaugeVec
	inFlightWorkers   prometheus.Gauge
}

// New registers every collector against reg and returns a *Metrics. If reg
// is nil (metrics disabled), New returns nil and every method becomes a
// no-op on the nil receiver.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	return &Metrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "atomicdrive_operations_total",
				Help: "Total client operations by type and outcome.",
			},
			[]string{"operation", "status"}, // operation: read|write; status: ok|auth_failure|invalid_sector_index
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "atomicdrive_operation_duration_milliseconds",
				Help: "Client operation latency from dispatch to quorum completion.",
				Buckets: []float64{
					0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000,
				},
			},
			[]string{"operation"},
		),
		reconnectsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "atomicdrive_registerclient_reconnects_total",
				Help: "Total reconnect attempts by the stubborn register-client, per peer.",
			},
			[]string{"peer_rank"},
		),
		quorumSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atomicdrive_quorum_size",
				Help: "Majority quorum size required for a phase to complete.",
			},
			[]string{"phase"}, // read_proc|write_proc
		),
		inFlightWorkers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "atomicdrive_workers_in_flight",
				Help: "Number of workers currently serving a client operation.",
			},
		),
	}
}

// ObserveOperation records a completed or failed client operation.
func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(duration.Microseconds()) / 1000.0)
}

// ObserveReconnect records one reconnect attempt to peerRank.
func (m *Metrics) ObserveReconnect(peerRank uint8) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(strconv.Itoa(int(peerRank))).Inc()
}

// SetQuorumSize records the majority quorum size required for phase.
func (m *Metrics) SetQuorumSize(phase string, size int) {
	if m == nil {
		return
	}
	m.quorumSize.WithLabelValues(phase).Set(float64(size))
}

// SetInFlightWorkers records how many workers are currently serving a
// client operation.
func (m *Metrics) SetInFlightWorkers(count int) {
	if m == nil {
		return
	}
	m.inFlightWorkers.Set(float64(count))
}
