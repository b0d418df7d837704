package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors on a private registry.
// It satisfies permission.Observer.
type Registry struct {
	reg *prometheus.Registry

	// Decisions counts evaluations. Labels: reason, consumed (true|false)
	Decisions *prometheus.CounterVec

	// CounterErrors counts usage counter store failures. Labels: op (peek|consume|reset)
	CounterErrors *prometheus.CounterVec

	// ToolExecutions counts engine runs. Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures executor latency in seconds. Labels: tool
	ToolDuration *prometheus.HistogramVec

	// HTTPDuration measures API latency. Labels: method, route, status
	HTTPDuration *prometheus.HistogramVec

	// EventsDropped counts usage events that could not be published. Labels: sink
	EventsDropped *prometheus.CounterVec

	// StreamSubscribers is the number of live decision stream clients.
	StreamSubscribers prometheus.Gauge
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_decisions_total",
			Help: "Tool permission decisions by reason code",
		}, []string{"reason", "consumed"}),
		CounterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_counter_errors_total",
			Help: "Usage counter store failures that were soft-failed",
		}, []string{"op"}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_executions_total",
			Help: "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_events_dropped_total",
			Help: "Usage events dropped by sink",
		}, []string{"sink"}),
		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_stream_subscribers",
			Help: "Connected decision stream subscribers",
		}),
	}
}

func (r *Registry) ObserveDecision(reason string, consumed bool) {
	r.Decisions.WithLabelValues(reason, strconv.FormatBool(consumed)).Inc()
}

func (r *Registry) ObserveCounterError(op string) {
	r.CounterErrors.WithLabelValues(op).Inc()
}

func (r *Registry) ObserveExecution(tool string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.ToolExecutions.WithLabelValues(tool, status).Inc()
	r.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (r *Registry) EventDropped(sink string) {
	r.EventsDropped.WithLabelValues(sink).Inc()
}

// WatchStreamDrops exports the hub's count of events dropped for slow
// subscribers. Call it once per registry.
func (r *Registry) WatchStreamDrops(dropped func() int64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "toolgate_stream_events_dropped_total",
		Help: "Decision stream events dropped because a subscriber was too slow",
	}, func() float64 { return float64(dropped()) }))
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and push gateways.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Middleware records request latency labelled by the chi route pattern, so
// path parameters do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.HTTPDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
