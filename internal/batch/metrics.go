package batch

import (
	"fmt"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry       *prometheus.Registry
	filesTotal     *prometheus.CounterVec
	fileDuration   *prometheus.HistogramVec
	bytesWritten   prometheus.Counter
	flattenedTotal prometheus.Counter
	lastRunSeconds prometheus.Gauge
	lastRunEnd     prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbnailer_batch_files_total",
			Help: "Files handled by the batch runner by status and failure kind.",
		}, []string{"status", "failure"}),
		fileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbnailer_batch_file_duration_seconds",
			Help:    "Time spent producing one thumbnail.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbnailer_batch_output_bytes_total",
			Help: "Encoded thumbnail bytes written.",
		}),
		flattenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbnailer_batch_flattened_total",
			Help: "Thumbnails whose source had transparency flattened away.",
		}),
		lastRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbnailer_batch_last_run_duration_seconds",
			Help: "Wall time of the most recent batch run.",
		}),
		lastRunEnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbnailer_batch_last_run_timestamp_seconds",
			Help: "Unix time the most recent batch run finished.",
		}),
	}

	m.registry.MustRegister(
		m.filesTotal,
		m.fileDuration,
		m.bytesWritten,
		m.flattenedTotal,
		m.lastRunSeconds,
		m.lastRunEnd,
	)
	return m
}

func (m *metrics) observe(r domain.TaskResult) {
	m.filesTotal.WithLabelValues(r.Status, string(r.Failure)).Inc()
	if r.Status == domain.TaskStatusSkipped {
		return
	}
	m.fileDuration.WithLabelValues(r.Status).Observe(r.Duration.Seconds())
	if r.Output != nil {
		m.bytesWritten.Add(float64(r.Output.Bytes))
		if r.Output.Flattened {
			m.flattenedTotal.Inc()
		}
	}
}

func (m *metrics) observeRun(s domain.Summary) {
	m.lastRunSeconds.Set(s.Duration().Seconds())
	m.lastRunEnd.Set(float64(s.FinishedAt.Unix()))
}

// writeTextfile renders the registry for the node_exporter textfile collector.
func (m *metrics) writeTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
