package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/christianlouis/document-processor/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver on a private registry.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	stageTotal       *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	deliveryTotal    *prometheus.CounterVec
	ocrEscalations   prometheus.Counter
	metadataDegraded prometheus.Counter
	documentsTotal   *prometheus.CounterVec
	mailboxPolls     *prometheus.CounterVec
	taskTotal        *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	tasksInFlight    *prometheus.GaugeVec
	queueLag         *prometheus.HistogramVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "pipeline",
			Name:        "stage_attempts_total",
			Help:        "Stage attempts by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"stage", "outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "docproc",
			Subsystem:   "pipeline",
			Name:        "stage_duration_seconds",
			Help:        "Stage attempt duration in seconds.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	deliveryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "delivery",
			Name:        "results_total",
			Help:        "Final delivery results by destination.",
			ConstLabels: constLabels,
		},
		[]string{"destination", "outcome"},
	)
	ocrEscalations := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "pipeline",
			Name:        "ocr_escalations_total",
			Help:        "Documents sent to cloud OCR because local text was too short.",
			ConstLabels: constLabels,
		},
	)
	metadataDegraded := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "pipeline",
			Name:        "metadata_degraded_total",
			Help:        "Documents delivered with partial metadata.",
			ConstLabels: constLabels,
		},
	)
	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "pipeline",
			Name:        "documents_total",
			Help:        "Documents reaching a terminal status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	mailboxPolls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "mailbox",
			Name:        "polls_total",
			Help:        "Mailbox poll cycles by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"mailbox", "outcome"},
	)
	taskTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "docproc",
			Subsystem:   "worker",
			Name:        "tasks_total",
			Help:        "Handled tasks by kind and status.",
			ConstLabels: constLabels,
		},
		[]string{"kind", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "docproc",
			Subsystem:   "worker",
			Name:        "task_duration_seconds",
			Help:        "Task handling duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)
	tasksInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "docproc",
			Subsystem:   "worker",
			Name:        "tasks_in_flight",
			Help:        "Number of tasks being handled.",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "docproc",
			Subsystem:   "worker",
			Name:        "queue_lag_seconds",
			Help:        "Delay between enqueue and handling start.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		},
		[]string{"queue"},
	)

	registry.MustRegister(
		stageTotal,
		stageDuration,
		deliveryTotal,
		ocrEscalations,
		metadataDegraded,
		documentsTotal,
		mailboxPolls,
		taskTotal,
		taskDuration,
		tasksInFlight,
		queueLag,
	)

	return &PipelineMetrics{
		registry:         registry,
		service:          service,
		stageTotal:       stageTotal,
		stageDuration:    stageDuration,
		deliveryTotal:    deliveryTotal,
		ocrEscalations:   ocrEscalations,
		metadataDegraded: metadataDegraded,
		documentsTotal:   documentsTotal,
		mailboxPolls:     mailboxPolls,
		taskTotal:        taskTotal,
		taskDuration:     taskDuration,
		tasksInFlight:    tasksInFlight,
		queueLag:         queueLag,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) StageFinished(stage domain.Stage, outcome string, duration time.Duration) {
	m.stageTotal.WithLabelValues(string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) DeliveryFinished(destination, outcome string) {
	m.deliveryTotal.WithLabelValues(destination, outcome).Inc()
}

func (m *PipelineMetrics) OCREscalated() {
	m.ocrEscalations.Inc()
}

func (m *PipelineMetrics) MetadataDegraded() {
	m.metadataDegraded.Inc()
}

func (m *PipelineMetrics) DocumentFinished(status domain.DocumentStatus) {
	m.documentsTotal.WithLabelValues(string(status)).Inc()
}

func (m *PipelineMetrics) MailboxPolled(mailboxID, outcome string) {
	m.mailboxPolls.WithLabelValues(mailboxID, outcome).Inc()
}

func (m *PipelineMetrics) TaskStarted(kind domain.TaskKind, lag time.Duration) {
	m.tasksInFlight.WithLabelValues(string(kind)).Inc()
	if lag >= 0 {
		m.queueLag.WithLabelValues(string(kind.Queue())).Observe(lag.Seconds())
	}
}

func (m *PipelineMetrics) TaskFinished(kind domain.TaskKind, duration time.Duration, err error) {
	m.tasksInFlight.WithLabelValues(string(kind)).Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.taskTotal.WithLabelValues(string(kind), status).Inc()
	m.taskDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}
