// Package metrics holds the Prometheus instruments for the ingestion
// commands. The batch tools have no HTTP listener, so the registry is
// exported to a node-exporter textfile at the end of a run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesProcessed counts ingested files by result: ok, corrupt, failed, skipped.
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecallisto_files_processed_total",
			Help: "Spectrogram files processed by the ingestion engine",
		},
		[]string{"result"},
	)

	RowsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecallisto_rows_inserted_total",
			Help: "Observation rows inserted (conflicting timestamps excluded)",
		},
		[]string{"instrument"},
	)

	ColumnsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecallisto_columns_added_total",
			Help: "Frequency columns added by additive schema migration",
		},
		[]string{"instrument"},
	)

	TablesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecallisto_tables_created_total",
			Help: "Instrument tables created",
		},
	)

	ClampedValues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecallisto_clamped_values_total",
			Help: "Amplitude samples clamped to the storage domain",
		},
		[]string{"instrument"},
	)

	// Downloads counts materialized files by result: ok, cached, failed.
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecallisto_downloads_total",
			Help: "Remote files materialized locally",
		},
		[]string{"result"},
	)

	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecallisto_download_bytes_total",
			Help: "Bytes downloaded from the archive",
		},
	)

	// ScannedDays counts directory listings by result: ok, empty, unavailable.
	ScannedDays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecallisto_scanned_days_total",
			Help: "Archive day listings scanned",
		},
		[]string{"result"},
	)

	HTTPRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecallisto_http_retries_total",
			Help: "HTTP requests retried after a transient failure",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ecallisto_circuit_breaker_state",
			Help: "Archive circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	SchedulerCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecallisto_scheduler_cycles_total",
			Help: "Completed scheduler cycles",
		},
	)

	LastRunRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecallisto_last_run_rows",
			Help: "Rows inserted by the last completed run",
		},
	)
)

// WriteTextfile writes every registered metric to path in the text
// exposition format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
