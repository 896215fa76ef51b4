// Package eclpmetrics exposes ECLP link state, error, and queue counters as
// prometheus metrics, grounded on internal/liveness/metrics.go's
// promauto-vector-plus-label-helper shape.
package eclpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/earthcomputing/eclpd/internal/eclp"
)

const (
	LabelModule    = "module_id"
	LabelPort      = "port_id"
	LabelState     = "state"
	LabelStateFrom = "state_from"
	LabelStateTo   = "state_to"
	LabelErrorFlag = "error_flag"
	LabelQueue     = "queue" // "send" or "recv"
	LabelIface     = "iface"
)

var linkLabels = []string{LabelModule, LabelPort}

func withLinkLabels(labels ...string) []string {
	out := make([]string, 0, len(linkLabels)+len(labels))
	out = append(out, linkLabels...)
	return append(out, labels...)
}

// Metrics is the full set of ECLP counters/gauges for one daemon process.
// Construct one with New and share it across every registered link.
type Metrics struct {
	LinkState         *prometheus.GaugeVec
	StateTransitions  *prometheus.CounterVec
	ErrorsLatched     *prometheus.CounterVec
	AITQueueDepth     *prometheus.GaugeVec
	FramesTX          *prometheus.CounterVec
	FramesRX          *prometheus.CounterVec
	AITForwarded      *prometheus.CounterVec
	EventsDropped     prometheus.Gauge
	SchedulerQueueLen prometheus.Gauge
}

// New registers every ECLP metric against reg (pass
// prometheus.DefaultRegisterer for the global registry, as
// internal/liveness does when MetricsRegistry is unset).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LinkState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eclp_link_state",
			Help: "Current number of links by LSM state.",
		}, withLinkLabels(LabelState)),

		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eclp_link_state_transitions_total",
			Help: "Count of LSM state transitions.",
		}, withLinkLabels(LabelStateFrom, LabelStateTo)),

		ErrorsLatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eclp_link_errors_latched_total",
			Help: "Count of latched link errors by flag.",
		}, withLinkLabels(LabelErrorFlag)),

		AITQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eclp_ait_queue_depth",
			Help: "Current AIT queue occupancy by link and queue (send/recv).",
		}, withLinkLabels(LabelQueue)),

		FramesTX: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eclp_frames_tx_total",
			Help: "Count of ECLP frames transmitted.",
		}, linkLabels),

		FramesRX: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eclp_frames_rx_total",
			Help: "Count of ECLP frames received.",
		}, linkLabels),

		AITForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eclp_ait_forwarded_total",
			Help: "Count of inbound frames relayed through the forwarding plane instead of delivered locally.",
		}, withLinkLabels(LabelIface)),

		EventsDropped: f.NewGauge(prometheus.GaugeOpts{
			Name: "eclp_event_bus_dropped_total",
			Help: "Running count of event-bus messages dropped for a full subscriber channel.",
		}),

		SchedulerQueueLen: f.NewGauge(prometheus.GaugeOpts{
			Name: "eclp_scheduler_queue_len",
			Help: "Total events currently pending in the link scheduler's event queue.",
		}),
	}
}

// ObserveStateTransition records a link's LSM moving from prev to cur,
// updating both the transition counter and the current-state gauge.
func (m *Metrics) ObserveStateTransition(moduleID, portID string, prev, cur eclp.State) {
	m.StateTransitions.WithLabelValues(moduleID, portID, prev.String(), cur.String()).Inc()
	if prev != cur {
		m.LinkState.WithLabelValues(moduleID, portID, prev.String()).Dec()
		m.LinkState.WithLabelValues(moduleID, portID, cur.String()).Inc()
	}
}

// ObserveError records a latched error flag for a link.
func (m *Metrics) ObserveError(moduleID, portID string, flag eclp.ErrorFlag) {
	if flag == 0 {
		return
	}
	m.ErrorsLatched.WithLabelValues(moduleID, portID, flag.String()).Inc()
}

// SetAITQueueDepth records the current send/recv queue occupancy for a link.
func (m *Metrics) SetAITQueueDepth(moduleID, portID string, sendDepth, recvDepth int) {
	m.AITQueueDepth.WithLabelValues(moduleID, portID, "send").Set(float64(sendDepth))
	m.AITQueueDepth.WithLabelValues(moduleID, portID, "recv").Set(float64(recvDepth))
}

// IncFramesTX counts one transmitted frame for a link.
func (m *Metrics) IncFramesTX(moduleID, portID string) {
	m.FramesTX.WithLabelValues(moduleID, portID).Inc()
}

// IncFramesRX counts one received frame for a link.
func (m *Metrics) IncFramesRX(moduleID, portID string) {
	m.FramesRX.WithLabelValues(moduleID, portID).Inc()
}

// IncAITForwarded counts one frame relayed through the forwarding plane.
func (m *Metrics) IncAITForwarded(moduleID, portID, iface string) {
	m.AITForwarded.WithLabelValues(moduleID, portID, iface).Inc()
}

// SetEventsDropped publishes the event bus's running drop counter.
func (m *Metrics) SetEventsDropped(n uint64) {
	m.EventsDropped.Set(float64(n))
}

// SetSchedulerQueueLen publishes the scheduler's current queue length.
func (m *Metrics) SetSchedulerQueueLen(n int) {
	m.SchedulerQueueLen.Set(float64(n))
}
