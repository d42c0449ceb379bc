package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http/httpguts"
)

const (
	httpRequestsTotal         = "http_requests_total"
	httpRequestDurationMs     = "http_request_duration_milliseconds"
	socketSessionDurationSecs = "socket_session_duration_seconds"

	serviceLabel = "service"
	codeLabel    = "code"
	methodLabel  = "method"
	pathLabel    = "path"
)

var (
	defaultLatencyBuckets = []float64{5, 25, 100, 300, 1000, 5000}
	sessionBuckets        = []float64{1, 10, 60, 300, 900, 3600, 4 * 3600}
)

// Middleware counts requests by code, method and route pattern. Plain
// requests feed a latency histogram in milliseconds; upgraded websocket
// requests feed a session duration histogram instead.
type Middleware struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sessions *prometheus.HistogramVec
}

type MiddlewareOption func(o *prometheus.HistogramOpts)

func WithLatencyBuckets(buckets []float64) MiddlewareOption {
	return func(o *prometheus.HistogramOpts) {
		if len(buckets) > 0 {
			o.Buckets = buckets
		}
	}
}

func NewMiddleware(name string, opts ...MiddlewareOption) *Middleware {
	constLabels := prometheus.Labels{serviceLabel: name}

	latencyOpts := prometheus.HistogramOpts{
		Subsystem:   notifier,
		Name:        httpRequestDurationMs,
		Help:        "time spent serving a plain http request partitioned by status code, method and route",
		ConstLabels: constLabels,
		Buckets:     defaultLatencyBuckets,
	}
	for _, o := range opts {
		o(&latencyOpts)
	}

	return &Middleware{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem:   notifier,
			Name:        httpRequestsTotal,
			Help:        "number of http requests partitioned by status code, method and route",
			ConstLabels: constLabels,
		}, []string{codeLabel, methodLabel, pathLabel}),
		latency: prometheus.NewHistogramVec(latencyOpts, []string{codeLabel, methodLabel, pathLabel}),
		sessions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem:   notifier,
			Name:        socketSessionDurationSecs,
			Help:        "lifetime of websocket sessions partitioned by route",
			ConstLabels: constLabels,
			Buckets:     sessionBuckets,
		}, []string{pathLabel}),
	}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			return
		}
		path := rctx.RoutePattern()
		elapsed := time.Since(start)

		// a hijacked connection never reports a status through the writer
		status := ww.Status()
		if isWebsocketUpgrade(r) && (status == 0 || status == http.StatusSwitchingProtocols) {
			m.requests.WithLabelValues(strconv.Itoa(http.StatusSwitchingProtocols), r.Method, path).Inc()
			m.sessions.WithLabelValues(path).Observe(elapsed.Seconds())
			return
		}

		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.requests.WithLabelValues(code, r.Method, path).Inc()
		m.latency.WithLabelValues(code, r.Method, path).Observe(float64(elapsed.Milliseconds()))
	})
}

func (m *Middleware) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.latency, m.sessions}
}

// MustRegisterDefault registers the collectors on the default registerer
// served by the metrics server.
func (m *Middleware) MustRegisterDefault() {
	prometheus.MustRegister(m.Collectors()...)
}

func isWebsocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
