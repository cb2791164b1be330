package blockcrypt

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of an FS. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	BlocksTotal     *prometheus.CounterVec
	BytesTotal      *prometheus.CounterVec
	StreamsOpened   *prometheus.CounterVec
	CleanupFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "blockcrypt"
	}
	factory := promauto.With(reg)

	return &Metrics{
		BlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Total number of data blocks encrypted or decrypted",
			},
			[]string{"op"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of plaintext bytes encrypted or decrypted",
			},
			[]string{"op"},
		),
		StreamsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_opened_total",
				Help:      "Total number of stream sessions opened",
			},
			[]string{"mode", "encrypted"},
		),
		CleanupFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_failures_total",
				Help:      "Key or metadata cleanups that failed after a storage operation succeeded",
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) recordBlock(op string, plaintext int) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(op).Inc()
	m.BytesTotal.WithLabelValues(op).Add(float64(plaintext))
}

func (m *Metrics) recordOpen(mode Mode, encrypted bool) {
	if m == nil {
		return
	}
	m.StreamsOpened.WithLabelValues(mode.String(), strconv.FormatBool(encrypted)).Inc()
}

func (m *Metrics) recordCleanupFailure(op string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(op).Inc()
}
