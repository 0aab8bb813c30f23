package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "testhost"
)

// Application results used as label values
const (
	ResultPass = "pass"
	ResultFail = "fail"
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

	applicationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "applications_started_total",
		Help:      "Number of test applications launched",
	}, []string{
		"run_id",
	})

	applicationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "applications_completed_total",
		Help:      "Number of test applications that exited, by result",
	}, []string{
		"run_id",
		"result",
	})

	applicationsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "applications_running",
		Help:      "Number of test applications currently running",
	})

	applicationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "application_duration_seconds",
		Help:      "Wall clock duration of test applications",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{
		"result",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Number of test results reported by test applications",
	}, []string{
		"run_id",
		"outcome",
	})

	protocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "protocol_errors_total",
		Help:      "Events received for test applications that never completed the handshake",
	}, []string{
		"event",
	})

	discoveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "discovery_failures_total",
		Help:      "Number of runs aborted because module discovery failed",
	}, []string{
		"source",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of orchestrator runs",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of orchestrator runs",
	}, []string{
		"run_id",
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

// RecordApplicationStarted counts a launched application and marks it running
func RecordApplicationStarted(runID string) {
	applicationsStarted.WithLabelValues(runID).Inc()
	applicationsRunning.Inc()
}

// RecordApplicationCompleted counts an exited application and observes its duration
func RecordApplicationCompleted(runID string, failed bool, duration time.Duration) {
	result := resultLabel(failed)
	if Debug {
		log.Debug("metric inc",
			"m", "applications_completed_total",
			"run_id", runID,
			"result", result,
			"duration", duration)
	}
	applicationsCompleted.WithLabelValues(runID, result).Inc()
	applicationsRunning.Dec()
	applicationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordTestResult counts a single reported test result
func RecordTestResult(runID string, outcome types.TestOutcome) {
	testsTotal.WithLabelValues(runID, string(outcome)).Inc()
}

// RecordProtocolError counts an event that referenced an unregistered application
func RecordProtocolError(event string) {
	protocolErrors.WithLabelValues(event).Inc()
}

// RecordDiscoveryFailure counts a run aborted by a failed discovery step
func RecordDiscoveryFailure(source string) {
	discoveryFailures.WithLabelValues(source).Inc()
}

// RecordRun records the verdict and duration of a whole run
func RecordRun(runID string, failed bool, duration time.Duration) {
	runResults.WithLabelValues(runID, resultLabel(failed)).Set(1)
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func resultLabel(failed bool) string {
	if failed {
		return ResultFail
	}
	return ResultPass
}
