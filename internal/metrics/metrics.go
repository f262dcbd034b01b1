// Package metrics exposes the service's Prometheus collectors. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "labeler"

// Subscriber drop reasons.
const (
	DropSlow      = "slow"
	DropTransport = "transport"
	DropStorage   = "storage"
)

// Frame phases.
const (
	PhaseBackfill = "backfill"
	PhaseLive     = "live"
)

type Metrics struct {
	labelsIssued     prometheus.Counter
	issueFailures    *prometheus.CounterVec
	subscribers      prometheus.Gauge
	subscriberDrops  *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	queryDuration    prometheus.Histogram
	subscribeHandled prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		labelsIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_issued_total",
			Help:      "number of labels signed and committed",
		}),
		issueFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_failures_total",
			Help:      "number of label creations that failed, by error kind",
		}, []string{"kind"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "number of live subscribers registered with the hub",
		}),
		subscriberDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_drops_total",
			Help:      "number of subscriptions ended by the server, by reason",
		}, []string{"reason"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "number of label frames written to subscribers, by phase",
		}, []string{"phase"}),
		queryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "queryLabels latency",
			Buckets:   prometheus.DefBuckets,
		}),
		subscribeHandled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "number of subscriptions accepted",
		}),
	}
}

func (m *Metrics) LabelIssued() {
	if m == nil {
		return
	}
	m.labelsIssued.Inc()
}

func (m *Metrics) IssueFailed(kind string) {
	if m == nil {
		return
	}
	m.issueFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SubscriberDropped(reason string) {
	if m == nil {
		return
	}
	m.subscriberDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameSent(phase string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(phase).Inc()
}

func (m *Metrics) SubscriptionStarted() {
	if m == nil {
		return
	}
	m.subscribeHandled.Inc()
}

// ObserveQuery records the time since start.
func (m *Metrics) ObserveQuery(start time.Time) {
	if m == nil {
		return
	}
	m.queryDuration.Observe(time.Since(start).Seconds())
}
