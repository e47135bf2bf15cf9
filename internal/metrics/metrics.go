// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal 记录 HTTP 请求的总数
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// DispatchTotal 按结果统计 worker 轮询: dispatched / skipped / error
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_dispatch_total",
			Help: "Worker pops by variant and outcome.",
		},
		[]string{"variant", "result"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_submissions_total",
			Help: "Worker result submissions by variant and final state.",
		},
		[]string{"variant", "state"},
	)

	KudosTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_kudos_transferred_total",
			Help: "Kudos moved between accounts, by reason.",
		},
		[]string{"reason"},
	)

	SweeperAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_sweeper_aborts_total",
			Help: "Processing generations aborted for exceeding their job TTL.",
		},
		[]string{"variant"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "horde_queue_depth",
			Help: "Slots still waiting for dispatch, sampled by the priority refresh.",
		},
		[]string{"variant"},
	)

	// TaskRunsTotal 记录后台任务执行次数
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horde_task_runs_total",
			Help: "Background task runs by task name and status.",
		},
		[]string{"task", "status"},
	)

	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "horde_pop_duration_seconds",
			Help:    "Time spent answering a worker pop.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)

	// IsLeader 标记当前节点是否为 Leader
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
