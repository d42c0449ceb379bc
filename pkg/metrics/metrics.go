package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	notifier = "notifier"

	// Job metrics
	jobTransitionsTotal   = "job_transitions_total"
	jobsRecoveredTotal    = "jobs_recovered_total"
	jobsPrunedTotal       = "jobs_pruned_total"
	submissionsCoalesced  = "submissions_coalesced_total"
	executionsInFlight    = "executions_in_flight"
	executionDurationSecs = "execution_duration_seconds"

	// Connection metrics
	connectionsActive  = "connections_active"
	notificationsTotal = "notifications_total"

	// Labels
	statusLabel  = "status"
	eventLabel   = "event"
	resultLabel  = "result"
	successLabel = "success"
)

/**
* Metrics definition
**/
var jobTransitionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: notifier,
		Name:      jobTransitionsTotal,
		Help:      "number of job status transitions partitioned by target status",
	},
	[]string{statusLabel},
)

var jobsRecoveredTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: notifier,
		Name:      jobsRecoveredTotal,
		Help:      "number of jobs moved to error by the start-up recovery",
	},
)

var jobsPrunedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: notifier,
		Name:      jobsPrunedTotal,
		Help:      "number of superseded accepted jobs deleted",
	},
)

var submissionsCoalescedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: notifier,
		Name:      submissionsCoalesced,
		Help:      "number of submissions folded into an already open job",
	},
)

var executionsInFlightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: notifier,
		Name:      executionsInFlight,
		Help:      "number of scrapes currently running",
	},
)

var executionDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: notifier,
		Name:      executionDurationSecs,
		Help:      "time spent scraping a target",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	},
	[]string{successLabel},
)

var connectionsActiveMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: notifier,
		Name:      connectionsActive,
		Help:      "number of open websocket connections",
	},
)

var notificationsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: notifier,
		Name:      notificationsTotal,
		Help:      "number of outbound notifications partitioned by event and result",
	},
	[]string{eventLabel, resultLabel},
)

func IncreaseJobTransitionMetric(status string) {
	jobTransitionsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseJobsRecoveredMetric(count int) {
	jobsRecoveredTotalMetric.Add(float64(count))
}

func IncreaseJobsPrunedMetric(count int) {
	jobsPrunedTotalMetric.Add(float64(count))
}

func IncreaseSubmissionsCoalescedMetric() {
	submissionsCoalescedMetric.Inc()
}

func IncreaseExecutionsInFlight() {
	executionsInFlightMetric.Inc()
}

func DecreaseExecutionsInFlight() {
	executionsInFlightMetric.Dec()
}

func ObserveExecution(success bool, d time.Duration) {
	executionDurationMetric.With(prometheus.Labels{successLabel: strconv.FormatBool(success)}).Observe(d.Seconds())
}

func SetConnectionsActive(count int) {
	connectionsActiveMetric.Set(float64(count))
}

// IncreaseNotificationMetric records an outbound event. result is "sent" or "dropped".
func IncreaseNotificationMetric(event, result string) {
	notificationsTotalMetric.With(prometheus.Labels{eventLabel: event, resultLabel: result}).Inc()
}

type PrometheusMetricsHandler struct{}

func NewPrometheusMetricsHandler() *PrometheusMetricsHandler {
	return &PrometheusMetricsHandler{}
}

func (h *PrometheusMetricsHandler) Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobTransitionsTotalMetric)
	prometheus.MustRegister(jobsRecoveredTotalMetric)
	prometheus.MustRegister(jobsPrunedTotalMetric)
	prometheus.MustRegister(submissionsCoalescedMetric)
	prometheus.MustRegister(executionsInFlightMetric)
	prometheus.MustRegister(executionDurationMetric)
	prometheus.MustRegister(connectionsActiveMetric)
	prometheus.MustRegister(notificationsTotalMetric)
	prometheus.MustRegister(totalUniqueUsersPerWeekMetric)
}
