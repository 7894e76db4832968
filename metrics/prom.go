package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delerium_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delerium_paste_retrieved_total",
		Help: "no. of paste views served",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delerium_paste_deleted_total",
		Help: "no. of pastes deleted via token",
	})
	PasteReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delerium_paste_reaped_total",
		Help: "no. of expired pastes removed by the reaper",
	})
	ReapCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delerium_reap_cycles_total",
		Help: "no. of reaper sweep cycles",
	})
	PowIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delerium_pow_issued_total",
		Help: "no. of proof-of-work challenges issued",
	})
	PowVerified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delerium_pow_verified_total",
			Help: "no. of proof-of-work verification attempts",
		},
		[]string{"outcome"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delerium_rate_limit_hits_total",
			Help: "no. of rate limit rejections",
		},
		[]string{"endpoint"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delerium_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "delerium_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
