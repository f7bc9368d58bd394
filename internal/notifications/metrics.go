package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds notification delivery metrics.
type Metrics struct {
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide notification metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledger_notifications_delivered_total",
					Help: "Notification delivery attempts by channel, event type and status",
				},
				[]string{"channel", "event_type", "status"},
			),
			deliveryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ledger_notification_delivery_duration_seconds",
					Help:    "Notification delivery duration in seconds",
					Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
				},
				[]string{"channel"},
			),
			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledger_notification_retries_total",
					Help: "Notification retry attempts",
				},
				[]string{"channel", "retry_count"},
			),
			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "ledger_notification_retry_queue_depth",
					Help: "Current depth of the notification retry queue",
				},
			),
		}
	})
	return metricsInstance
}

// RecordDelivery records one delivery attempt.
func (m *Metrics) RecordDelivery(channel, eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	if duration > 0 {
		m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(channel string, retryCount int) {
	m.retriesTotal.WithLabelValues(channel, strconv.Itoa(retryCount)).Inc()
}

// SetQueueDepth sets the retry queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
