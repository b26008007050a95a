package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for kernel activity.
//
// All methods are safe on a nil receiver so subsystems can run without
// metrics wired in.
type Metrics struct {
	syscalls        *prometheus.CounterVec
	traps           *prometheus.CounterVec
	ipcOps          *prometheus.CounterVec
	threadOps       *prometheus.CounterVec
	threads         *prometheus.GaugeVec
	contextSwitches prometheus.Counter
	sleepersWoken   prometheus.Counter
	queuedBytes     prometheus.Gauge
}

// MustNewMetrics constructs Metrics and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry() to avoid duplicate registration panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparkcore",
			Subsystem: "syscall",
			Name:      "requests_total",
			Help:      "Syscalls handled, by number and resulting status.",
		}, []string{"number", "status"}),
		traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparkcore",
			Subsystem: "trap",
			Name:      "dispatched_total",
			Help:      "Traps dispatched, by trap type and return action.",
		}, []string{"type", "action"}),
		ipcOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparkcore",
			Subsystem: "ipc",
			Name:      "operations_total",
			Help:      "IPC operations, by operation and resulting status.",
		}, []string{"op", "status"}),
		threadOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sparkcore",
			Subsystem: "sched",
			Name:      "operations_total",
			Help:      "Thread operations, by operation and resulting status.",
		}, []string{"op", "status"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sparkcore",
			Subsystem: "sched",
			Name:      "threads",
			Help:      "Thread slots by state.",
		}, []string{"state"}),
		contextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparkcore",
			Subsystem: "sched",
			Name:      "context_switches_total",
			Help:      "Times a different thread was selected to run.",
		}),
		sleepersWoken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sparkcore",
			Subsystem: "sched",
			Name:      "sleepers_woken_total",
			Help:      "Sleeping threads promoted to ready by the timer.",
		}),
		queuedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sparkcore",
			Subsystem: "ipc",
			Name:      "queued_payload_bytes",
			Help:      "Payload bytes held in channel-owned storage.",
		}),
	}
	reg.MustRegister(m.syscalls, m.traps, m.ipcOps, m.threadOps, m.threads,
		m.contextSwitches, m.sleepersWoken, m.queuedBytes)
	return m
}

func (m *Metrics) Syscall(number uint32, status string) {
	if m == nil {
		return
	}
	m.syscalls.WithLabelValues(strconv.FormatUint(uint64(number), 10), status).Inc()
}

func (m *Metrics) Trap(kind, action string) {
	if m == nil {
		return
	}
	m.traps.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) IPC(op, status string) {
	if m == nil {
		return
	}
	m.ipcOps.WithLabelValues(op, status).Inc()
}

func (m *Metrics) ThreadOp(op, status string) {
	if m == nil {
		return
	}
	m.threadOps.WithLabelValues(op, status).Inc()
}

// ThreadStates replaces the per-state gauge values.
func (m *Metrics) ThreadStates(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.threads.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) ContextSwitch() {
	if m == nil {
		return
	}
	m.contextSwitches.Inc()
}

func (m *Metrics) SleepersWoken(n int) {
	if m == nil || n == 0 {
		return
	}
	m.sleepersWoken.Add(float64(n))
}

func (m *Metrics) QueuedBytes(n int) {
	if m == nil {
		return
	}
	m.queuedBytes.Set(float64(n))
}
