package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

const namespace = "smartip"

// linkStates are the values smartip_link_state is reported for.
var linkStates = []smartip.LinkState{
	smartip.StateConnecting,
	smartip.StateOnline,
	smartip.StateDegraded,
	smartip.StateOffline,
}

// Recorder collects metrics into a private registry.
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	commands     *prometheus.CounterVec
	cmdDuration  *prometheus.HistogramVec
	linkState    *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ smartip.Metrics = (*Recorder)(nil)

// New creates a Recorder with Go runtime and process collectors
// registered alongside the smartip series.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Telemetry poll cycles by device and result.",
		}, []string{"device", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of complete telemetry poll cycles.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"device"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands issued by device, command and result.",
		}, []string{"device", "command", "result"}),
		cmdDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from Issue to result, including queueing and refresh.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "1 for each device's current link state, 0 for the others.",
		}, []string{"device", "state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.polls, r.pollDuration,
		r.commands, r.cmdDuration,
		r.linkState,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObservePoll records one poll cycle.
func (r *Recorder) ObservePoll(deviceID, result string, d time.Duration) {
	r.polls.WithLabelValues(deviceID, result).Inc()
	r.pollDuration.WithLabelValues(deviceID).Observe(d.Seconds())
}

// ObserveCommand records one command.
func (r *Recorder) ObserveCommand(deviceID, command, result string, d time.Duration) {
	r.commands.WithLabelValues(deviceID, command, result).Inc()
	r.cmdDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetLinkState marks state as the device's current link state. The removed
// state deletes the device's link series.
func (r *Recorder) SetLinkState(deviceID, state string) {
	if state == string(smartip.StateRemoved) {
		r.linkState.DeletePartialMatch(prometheus.Labels{"device": deviceID})
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if string(s) == state {
			v = 1
		}
		r.linkState.WithLabelValues(deviceID, string(s)).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Middleware counts API requests by chi route pattern, so path parameters
// do not create a series per device.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rc := chi.RouteContext(req.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
		r.httpDuration.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}
