package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	activeTasks        prometheus.Gauge
	outputBytesTotal   prometheus.Counter
	pixelsWrittenTotal prometheus.Counter
	throttleWaitTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbnailer_worker_tasks_total",
			Help: "Thumbnail tasks handled by the worker by status and failure kind.",
		}, []string{"status", "failure"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbnailer_worker_task_duration_seconds",
			Help:    "Processing duration of each thumbnail task, throttle wait included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbnailer_worker_active_tasks",
			Help: "Thumbnail tasks currently being processed.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbnailer_worker_output_bytes_total",
			Help: "Encoded thumbnail bytes written by the worker.",
		}),
		pixelsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbnailer_worker_pixels_written_total",
			Help: "Thumbnail pixels produced by the worker.",
		}),
		throttleWaitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbnailer_worker_throttle_wait_seconds_total",
			Help: "Time tasks spent waiting on the shared throttle.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.outputBytesTotal,
		m.pixelsWrittenTotal,
		m.throttleWaitTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
