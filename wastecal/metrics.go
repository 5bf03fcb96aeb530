package wastecal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	refreshAddresses *prometheus.CounterVec
	eventUpserts     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	deliveryDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		refreshAddresses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dumpdate",
			Name:      "refresh_addresses_total",
			Help:      "Addresses processed by the schedule refresh, by result.",
		}, []string{"result"}),
		eventUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dumpdate",
			Name:      "event_upserts_total",
			Help:      "Collection events written to the store, by upsert result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dumpdate",
			Name:      "notifications_total",
			Help:      "Notification delivery attempts, by final status.",
		}, []string{"status"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dumpdate",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of one full schedule refresh pass.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dumpdate",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of one notification delivery pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.refreshAddresses, m.eventUpserts, m.notifications, m.refreshDuration, m.deliveryDuration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) IncRefreshAddress(result string) {
	if m == nil {
		return
	}
	m.refreshAddresses.WithLabelValues(result).Inc()
}

func (m *Metrics) IncUpsert(result UpsertResult) {
	if m == nil {
		return
	}
	m.eventUpserts.WithLabelValues(result.String()).Inc()
}

func (m *Metrics) IncNotification(status LogStatus) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveRefresh(d time.Duration) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.Observe(d.Seconds())
}
