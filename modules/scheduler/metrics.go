package scheduler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kaspr"

// Monitor receives scheduler observation points. Workers get an instance
// passed in explicitly; there is no process-wide sink.
type Monitor interface {
	OnMessageScheduled(loc TTLocation)
	OnMessageDelivered(partition int32)
	OnInstantSend(partition int32)
	OnMessageRemoved(loc TTLocation)
	OnCheckpointUpdated(pt PT, loc TTLocation)

	OnDispatcherAssigned(partition int32)
	OnDispatcherRevoked(partition int32)
	OnDispatcherPaused(partition int32)
	OnDispatcherResumed(partition int32)
	OnDispatcherLag(partition int32, seconds int64)

	OnJanitorAssigned(partition int32)
	OnJanitorRevoked(partition int32)
	OnJanitorPaused(partition int32)
	OnJanitorResumed(partition int32)
	OnJanitorLag(partition int32, seconds int64)
}

// NopMonitor discards all observations.
type NopMonitor struct{}

func (NopMonitor) OnMessageScheduled(TTLocation)      {}
func (NopMonitor) OnMessageDelivered(int32)           {}
func (NopMonitor) OnInstantSend(int32)                {}
func (NopMonitor) OnMessageRemoved(TTLocation)        {}
func (NopMonitor) OnCheckpointUpdated(PT, TTLocation) {}
func (NopMonitor) OnDispatcherAssigned(int32)         {}
func (NopMonitor) OnDispatcherRevoked(int32)          {}
func (NopMonitor) OnDispatcherPaused(int32)           {}
func (NopMonitor) OnDispatcherResumed(int32)          {}
func (NopMonitor) OnDispatcherLag(int32, int64)       {}
func (NopMonitor) OnJanitorAssigned(int32)            {}
func (NopMonitor) OnJanitorRevoked(int32)             {}
func (NopMonitor) OnJanitorPaused(int32)              {}
func (NopMonitor) OnJanitorResumed(int32)             {}
func (NopMonitor) OnJanitorLag(int32, int64)          {}

// PrometheusMonitor exports scheduler observations as prometheus metrics.
type PrometheusMonitor struct {
	messagesScheduled *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	instantSends      *prometheus.CounterVec
	messagesRemoved   *prometheus.CounterVec
	checkpointUpdates *prometheus.CounterVec

	dispatchersAssigned prometheus.Gauge
	janitorsAssigned    prometheus.Gauge
	dispatcherLag       *prometheus.GaugeVec
	janitorLag          *prometheus.GaugeVec
}

var _ Monitor = (*PrometheusMonitor)(nil)

func NewPrometheusMonitor(reg prometheus.Registerer) *PrometheusMonitor {
	factory := promauto.With(reg)
	return &PrometheusMonitor{
		messagesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "messages_scheduled_total",
			Help:      "Total messages written to the timetable.",
		}, []string{"partition"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "messages_delivered_total",
			Help:      "Total messages delivered to destination topics.",
		}, []string{"partition"}),
		instantSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "instant_send_total",
			Help:      "Total past-due messages delivered without a timetable write.",
		}, []string{"partition"}),
		messagesRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "messages_removed_total",
			Help:      "Total delivered entries removed from the timetable.",
		}, []string{"partition"}),
		checkpointUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "checkpoint_updates_total",
			Help:      "Total checkpoint writes acknowledged by the changelog.",
		}, []string{"part"}),
		dispatchersAssigned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "dispatchers_assigned",
			Help:      "Dispatchers currently owned by this worker.",
		}),
		janitorsAssigned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "janitors_assigned",
			Help:      "Janitors currently owned by this worker.",
		}),
		dispatcherLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "dispatcher_lag_seconds",
			Help:      "Seconds the dispatcher scan trails its highwater.",
		}, []string{"partition"}),
		janitorLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "janitor_lag_seconds",
			Help:      "Seconds the janitor scan trails its highwater.",
		}, []string{"partition"}),
	}
}

func partitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}

func (m *PrometheusMonitor) OnMessageScheduled(loc TTLocation) {
	m.messagesScheduled.WithLabelValues(partitionLabel(loc.Partition)).Inc()
}

func (m *PrometheusMonitor) OnMessageDelivered(partition int32) {
	m.messagesDelivered.WithLabelValues(partitionLabel(partition)).Inc()
}

func (m *PrometheusMonitor) OnInstantSend(partition int32) {
	m.instantSends.WithLabelValues(partitionLabel(partition)).Inc()
}

func (m *PrometheusMonitor) OnMessageRemoved(loc TTLocation) {
	m.messagesRemoved.WithLabelValues(partitionLabel(loc.Partition)).Inc()
}

func (m *PrometheusMonitor) OnCheckpointUpdated(pt PT, _ TTLocation) {
	m.checkpointUpdates.WithLabelValues(string(pt.Part)).Inc()
}

func (m *PrometheusMonitor) OnDispatcherAssigned(int32) { m.dispatchersAssigned.Inc() }
func (m *PrometheusMonitor) OnDispatcherRevoked(partition int32) {
	m.dispatchersAssigned.Dec()
	m.dispatcherLag.DeleteLabelValues(partitionLabel(partition))
}
func (m *PrometheusMonitor) OnDispatcherPaused(int32)  {}
func (m *PrometheusMonitor) OnDispatcherResumed(int32) {}

func (m *PrometheusMonitor) OnDispatcherLag(partition int32, seconds int64) {
	m.dispatcherLag.WithLabelValues(partitionLabel(partition)).Set(float64(seconds))
}

func (m *PrometheusMonitor) OnJanitorAssigned(int32) { m.janitorsAssigned.Inc() }
func (m *PrometheusMonitor) OnJanitorRevoked(partition int32) {
	m.janitorsAssigned.Dec()
	m.janitorLag.DeleteLabelValues(partitionLabel(partition))
}
func (m *PrometheusMonitor) OnJanitorPaused(int32)  {}
func (m *PrometheusMonitor) OnJanitorResumed(int32) {}

func (m *PrometheusMonitor) OnJanitorLag(partition int32, seconds int64) {
	m.janitorLag.WithLabelValues(partitionLabel(partition)).Set(float64(seconds))
}
