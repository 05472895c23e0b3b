// Package metrics 聚合生成链路的 Prometheus 指标。
//
// 指标在包级注册 (promauto)，调用方通过 Observe* 包装函数上报，
// 不直接接触 collector。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelmuse_submissions_total",
		Help: "Generation submissions grouped by outcome",
	}, []string{"outcome"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelmuse_generation_duration_seconds",
		Help:    "Time from accepted submission to terminal event",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"status"})

	streamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelmuse_stream_events_total",
		Help: "Upstream status events relayed, grouped by type",
	}, []string{"type"})

	inflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelmuse_inflight_requests",
		Help: "Generation requests currently tracked by the relay",
	})

	busSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelmuse_bus_subscribers",
		Help: "Connected push subscribers (WS + SSE)",
	})
)

// ObserveSubmission 记录一次提交结果。outcome: accepted / rejected / upstream_error。
func ObserveSubmission(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveGenerationDone 记录任务从提交到终态的耗时。status: complete / error / lost。
func ObserveGenerationDone(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	generationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveStreamEvent 记录一条中继的上游事件。
func ObserveStreamEvent(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	streamEventsTotal.WithLabelValues(eventType).Inc()
}

// SetInFlight 更新在途请求数。
func SetInFlight(n int) {
	inflightRequests.Set(float64(n))
}

// AddBusSubscriber 订阅方上线/下线计数 (delta 为 ±1)。
func AddBusSubscriber(delta int) {
	busSubscribers.Add(float64(delta))
}
