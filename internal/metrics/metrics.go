package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_queue_tasks_submitted_total",
		Help: "Total number of tasks submitted",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_queue_tasks_finished_total",
		Help: "Total number of tasks that reached a terminal state, by status",
	}, []string{"status"})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_queue_tasks_running",
		Help: "Number of occupied transfer slots",
	})

	TasksWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_queue_tasks_waiting",
		Help: "Number of tasks in the backlog",
	})

	TransfersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_queue_transfers_started_total",
		Help: "Total number of transfer attempts, including resumes",
	})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "download_queue_transfer_duration_seconds",
		Help:    "Transfer duration in seconds, by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_queue_download_bytes_total",
		Help: "Total bytes written to partial files",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_queue_events_dropped_total",
		Help: "Events not delivered because a subscriber buffer was full",
	})
)
