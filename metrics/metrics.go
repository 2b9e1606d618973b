package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "suite_runner"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_total",
		Help:      "Count of finished executions by aggregate outcome",
	}, []string{
		"outcome",
	})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall clock duration of executions",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_executions",
		Help:      "Number of executions currently being orchestrated",
	})

	subSuitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "sub_suites_total",
		Help:      "Count of sub-suites by terminal state and outcome",
	}, []string{
		"state",
		"outcome",
	})

	allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "allocations_total",
		Help:      "Count of environment allocations by result",
	}, []string{
		"result",
	})

	allocationAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "allocation_attempts",
		Help:      "Number of provider requests needed per allocation",
		Buckets:   []float64{1, 2, 3, 5, 8, 13},
	})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "events_dropped_total",
		Help:      "Count of events dropped by reason",
	}, []string{
		"reason",
	})

	logLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "log_lines_total",
		Help:      "Count of log lines classified by the log listener",
	}, []string{
		"classification",
	})

	logLinesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "log_lines_dropped_total",
		Help:      "Count of log lines dropped by the log listener under overload",
	})

	httpResponseCodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "http_response_codes_total",
		Help:      "Count of API responses by status code",
	}, []string{
		"status_code",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordExecutionStarted() {
	activeExecutions.Inc()
}

func RecordExecution(outcome string, duration time.Duration) {
	if Debug {
		log.Debug("metric inc",
			"m", "executions_total",
			"outcome", outcome,
			"duration", duration)
	}
	activeExecutions.Dec()
	executionsTotal.WithLabelValues(outcome).Inc()
	executionDuration.Observe(duration.Seconds())
}

func RecordSubSuite(state string, outcome string) {
	subSuitesTotal.WithLabelValues(state, outcome).Inc()
}

func RecordAllocation(result string, attempts int) {
	allocationsTotal.WithLabelValues(result).Inc()
	if attempts > 0 {
		allocationAttempts.Observe(float64(attempts))
	}
}

func RecordEventDropped(reason string) {
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordLogLine(classification string) {
	logLinesTotal.WithLabelValues(classification).Inc()
}

func RecordLogLinesDropped(n int) {
	logLinesDroppedTotal.Add(float64(n))
}

func RecordHTTPResponse(code int) {
	httpResponseCodesTotal.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
}
