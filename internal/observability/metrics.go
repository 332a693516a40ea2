package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the runtime's Prometheus collectors. Collectors are
// registered on construction; create one Metrics per process.
type Metrics struct {
	// RunsStarted counts runs entering the running state.
	RunsStarted prometheus.Counter

	// RunsFinished counts terminal runs. Labels: state (completed|failed).
	RunsFinished *prometheus.CounterVec

	// RunDuration measures wall time from start to terminal event.
	RunDuration prometheus.Histogram

	// EngineSteps counts finished engine steps. Labels: model.
	EngineSteps *prometheus.CounterVec

	// EngineTokens counts provider tokens. Labels: model, direction
	// (input|output).
	EngineTokens *prometheus.CounterVec

	// ToolExecutions counts kernel executions. Labels: tool, status
	// (success|error).
	ToolExecutions *prometheus.CounterVec

	// ApprovalsPending gauges suspended tool calls.
	ApprovalsPending prometheus.Gauge

	// StreamSubscribers gauges open event subscriptions.
	StreamSubscribers prometheus.Gauge

	// HTTPRequests counts API requests. Labels: method, route, code.
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API latency in seconds. Labels: method, route.
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on reg, or on the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_runs_started_total",
			Help: "Runs that entered the running state.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_runs_finished_total",
			Help: "Runs that reached a terminal state.",
		}, []string{"state"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "strand_run_duration_seconds",
			Help:    "Run wall time from start to terminal event.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		EngineSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_engine_steps_total",
			Help: "Finished engine steps by model.",
		}, []string{"model"}),
		EngineTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_engine_tokens_total",
			Help: "Provider tokens by model and direction.",
		}, []string{"model", "direction"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_tool_executions_total",
			Help: "Kernel tool executions by tool and status.",
		}, []string{"tool", "status"}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_approvals_pending",
			Help: "Tool calls suspended on the approval gate.",
		}),
		StreamSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_stream_subscribers",
			Help: "Open run event subscriptions.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_http_requests_total",
			Help: "API requests by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_http_request_duration_seconds",
			Help:    "API request latency by method and route.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}
