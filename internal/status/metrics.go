package status

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Metrics holds the daemon's counters and gauges, served on the status
// server's /metrics route. Collectors live on a private registry so tests
// can run daemons side by side without global registration clashes.
type Metrics struct {
	registry *prometheus.Registry

	admitted     prometheus.Counter
	completed    *prometheus.CounterVec
	recovered    prometheus.Counter
	qaIterations *prometheus.CounterVec
	running      prometheus.Gauge
	queued       prometheus.Gauge
}

// NewMetrics creates and registers the daemon's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_admitted_total",
			Help: "Tasks admitted to a worker slot.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_recovered_total",
			Help: "Stuck-task recoveries (terminate and re-queue).",
		}),
		qaIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qa_iterations_total",
			Help: "QA review iterations, labeled by verdict.",
		}, []string{"approved"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "running_tasks",
			Help: "Tasks currently holding a worker slot.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queued_tasks",
			Help: "Tasks waiting for admission.",
		}),
	}
	m.registry.MustRegister(
		m.admitted, m.completed, m.recovered, m.qaIterations, m.running, m.queued,
	)
	return m
}

// Registry returns the registry backing the /metrics route.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TaskAdmitted counts one admission.
func (m *Metrics) TaskAdmitted() { m.admitted.Inc() }

// TaskCompleted counts one terminal transition.
func (m *Metrics) TaskCompleted(status core.TaskStatus) {
	m.completed.WithLabelValues(string(status)).Inc()
}

// TaskRecovered counts one stuck-task recovery.
func (m *Metrics) TaskRecovered() { m.recovered.Inc() }

// QAIteration counts one review round.
func (m *Metrics) QAIteration(approved bool) {
	m.qaIterations.WithLabelValues(strconv.FormatBool(approved)).Inc()
}

// ObserveSnapshot updates the population gauges from a snapshot.
func (m *Metrics) ObserveSnapshot(snap *core.DaemonSnapshot) {
	m.running.Set(float64(snap.Stats.Running))
	m.queued.Set(float64(snap.Stats.Queued))
}
