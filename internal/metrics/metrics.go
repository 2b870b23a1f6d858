package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal 车辆数据拉取次数
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lynkgazer",
			Name:      "fetch_total",
			Help:      "Total number of vehicle data fetches",
		},
		[]string{"trigger", "status"},
	)

	// FetchDuration 拉取耗时
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lynkgazer",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of vehicle data fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	// SkippedTicksTotal 活跃窗口外跳过的调度
	SkippedTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lynkgazer",
			Name:      "skipped_ticks_total",
			Help:      "Scheduler ticks that fell outside the allowed polling band",
		},
	)

	// AuthAttemptsTotal 认证步骤结果
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lynkgazer",
			Name:      "auth_attempts_total",
			Help:      "Authentication steps by outcome",
		},
		[]string{"step", "outcome"},
	)

	// ReauthRequiredTotal 令牌失效次数
	ReauthRequiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lynkgazer",
			Name:      "reauth_required_total",
			Help:      "Number of times a registration required re-authentication",
		},
	)
)

// RecordFetch 记录一次拉取
func RecordFetch(trigger, status string, seconds float64) {
	FetchTotal.WithLabelValues(trigger, status).Inc()
	FetchDuration.WithLabelValues(trigger).Observe(seconds)
}

// RecordAuth 记录认证步骤
func RecordAuth(step, outcome string) {
	AuthAttemptsTotal.WithLabelValues(step, outcome).Inc()
}
