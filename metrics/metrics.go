package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testctl/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "testctl"
)

var (
	Debug                bool = false
	validResults              = []types.TestStatus{types.TestStatusPass, types.TestStatusFail, types.TestStatusSkip, types.TestStatusError, types.TestStatusCancelled}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "actions_total",
		Help:      "Count of executed controller actions",
	}, []string{
		"action",
		"result",
	})

	testCasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_cases_total",
		Help:      "Count of finished test cases",
	}, []string{
		"result",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of finished runs",
	}, []string{
		"result",
		"cancelled",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of test runs",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
	})

	runsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_in_progress",
		Help:      "Number of runs currently executing",
	})

	controllersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "controllers_active",
		Help:      "Number of controller handles held by the host",
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

// RecordAction counts one dispatched action. result is "ok" or "error".
func RecordAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if Debug {
		log.Debug("metric inc", "m", "actions_total", "action", action, "result", result)
	}
	actionsTotal.WithLabelValues(action, result).Inc()
}

func RecordTestCase(result types.TestStatus) {
	if !isValidResult(result) {
		log.Error("RecordTestCase - invalid result", "result", result)
		return
	}
	testCasesTotal.WithLabelValues(string(result)).Inc()
}

func RecordRunStarted() {
	runsInProgress.Inc()
}

func RecordRunFinished(result types.TestStatus, cancelled bool, duration time.Duration) {
	runsInProgress.Dec()
	runsTotal.WithLabelValues(string(result), fmt.Sprint(cancelled)).Inc()
	runDuration.Observe(duration.Seconds())
}

func SetControllersActive(n int) {
	controllersActive.Set(float64(n))
}

func isValidResult(result types.TestStatus) bool {
	return slices.Contains(validResults, result)
}
