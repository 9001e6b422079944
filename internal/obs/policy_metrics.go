package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/shopthrottle/internal/bucket"
)

// PolicyMetrics counts what the execution policy does on the client side.
// A nil *PolicyMetrics records nothing.
type PolicyMetrics struct {
	Calls         *prometheus.CounterVec
	Throttled     *prometheus.CounterVec
	AdmissionWait *prometheus.HistogramVec
	RetryWait     *prometheus.HistogramVec
	BucketFill    *prometheus.GaugeVec
}

func NewPolicyMetrics(reg prometheus.Registerer) *PolicyMetrics {
	m := &PolicyMetrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopthrottle_calls_total",
				Help: "Calls finished by the execution policy, by outcome",
			},
			[]string{"kind", "outcome"},
		),
		Throttled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopthrottle_throttled_total",
				Help: "Throttled responses seen, by reason and whether the call was retried",
			},
			[]string{"kind", "reason", "retried"},
		),
		AdmissionWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopthrottle_admission_wait_seconds",
				Help:    "Time spent waiting for local bucket capacity",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "priority"},
		),
		RetryWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopthrottle_retry_wait_seconds",
				Help:    "Back-off applied after a throttled response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BucketFill: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shopthrottle_bucket_fill_ratio",
				Help: "Last observed remote bucket fill as a fraction of capacity",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(m.Calls, m.Throttled, m.AdmissionWait, m.RetryWait, m.BucketFill)
	return m
}

func (m *PolicyMetrics) Admitted(kind, priority string, waited time.Duration) {
	if m == nil {
		return
	}
	m.AdmissionWait.WithLabelValues(kind, priority).Observe(waited.Seconds())
}

func (m *PolicyMetrics) Throttle(kind, reason string, retried bool, wait time.Duration) {
	if m == nil {
		return
	}
	r := "false"
	if retried {
		r = "true"
		m.RetryWait.WithLabelValues(kind).Observe(wait.Seconds())
	}
	m.Throttled.WithLabelValues(kind, reason, r).Inc()
}

func (m *PolicyMetrics) Done(kind, outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(kind, outcome).Inc()
}

func (m *PolicyMetrics) Observed(kind string, s bucket.Snapshot) {
	if m == nil || !s.Known() {
		return
	}
	m.BucketFill.WithLabelValues(kind).Set(s.Fill / s.Capacity)
}
