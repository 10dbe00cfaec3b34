package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Copy loop
	FilesCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easysave_files_copied_total",
			Help: "Total number of files copied to a target",
		},
		[]string{"job"},
	)

	BytesCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easysave_bytes_copied_total",
			Help: "Total number of bytes written to a target",
		},
		[]string{"job"},
	)

	FilesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easysave_files_skipped_total",
			Help: "Files that vanished from the source before they could be copied",
		},
		[]string{"job"},
	)

	// Runs
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easysave_runs_finished_total",
			Help: "Finished runs by final state",
		},
		[]string{"job", "state"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "easysave_run_duration_seconds",
			Help:    "Wall time of a run from start to its final state",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{"job"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "easysave_active_runs",
			Help: "Runs currently Running, Paused or Stopping",
		},
	)

	// Control protocol
	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easysave_control_commands_total",
			Help: "Control protocol commands by verb and result code",
		},
		[]string{"verb", "result"},
	)

	ControlConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "easysave_control_connections_active",
			Help: "Control connections currently being served",
		},
	)
)

// RegisterDroppedEvents exports the drop counter of the event log. It must
// be called at most once per process.
func RegisterDroppedEvents(dropped func() uint64) {
	promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "easysave_events_dropped_total",
			Help: "Events discarded because the event log queue was full or closed",
		},
		func() float64 { return float64(dropped()) },
	)
}

// RecordCopy counts one file written to the target of job.
func RecordCopy(job string, size int64) {
	FilesCopied.WithLabelValues(job).Inc()
	BytesCopied.WithLabelValues(job).Add(float64(size))
}

func RecordSkip(job string) {
	FilesSkipped.WithLabelValues(job).Inc()
}

// RecordRunFinished records the final state and duration of a run.
func RecordRunFinished(job, state string, seconds float64) {
	RunsFinished.WithLabelValues(job, state).Inc()
	RunDuration.WithLabelValues(job).Observe(seconds)
}

func RecordCommand(verb, result string) {
	ControlCommands.WithLabelValues(verb, result).Inc()
}

// TrackActiveRun adjusts the active run gauge.
func TrackActiveRun(inc bool) {
	if inc {
		ActiveRuns.Inc()
	} else {
		ActiveRuns.Dec()
	}
}

func TrackConnection(inc bool) {
	if inc {
		ControlConnectionsActive.Inc()
	} else {
		ControlConnectionsActive.Dec()
	}
}

// ForgetJob drops the per-job series of a removed job.
func ForgetJob(job string) {
	FilesCopied.DeleteLabelValues(job)
	BytesCopied.DeleteLabelValues(job)
	FilesSkipped.DeleteLabelValues(job)
	RunDuration.DeleteLabelValues(job)
	RunsFinished.DeletePartialMatch(prometheus.Labels{"job": job})
}
