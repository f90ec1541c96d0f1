// Package metrics holds the Prometheus collectors for the sync service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	publishTotal     *prometheus.CounterVec
	statusUpdates    *prometheus.CounterVec
	responses        *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	staleDeliveries  *prometheus.CounterVec
	offlineQueued    prometheus.Counter
	offlineDelivered prometheus.Counter
	pendingUpdates   prometheus.Gauge
	sequence         prometheus.Gauge
	realtimeDropped  prometheus.Counter
	realtimeClients  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "publish_total",
			Help:      "Fan-out publish attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "status_updates_total",
			Help:      "Faculty status updates by outcome.",
		}, []string{"outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "faculty_responses_total",
			Help:      "Faculty responses by response type and outcome.",
		}, []string{"response_type", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "consultation_transitions_total",
			Help:      "Consultation status transitions by target status.",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "tx_retries_total",
			Help:      "Transaction retries by operation.",
		}, []string{"op"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "handler_failures_total",
			Help:      "Topic handler failures and recovered panics.",
		}, []string{"handler"}),
		offlineQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "offline_queued_total",
			Help:      "Desk messages queued for offline delivery.",
		}),
		offlineDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "offline_delivered_total",
			Help:      "Queued desk messages delivered after the faculty came back.",
		}),
		pendingUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "consultease",
			Name:      "pending_status_updates",
			Help:      "Status updates waiting for their faculty record.",
		}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "consultease",
			Name:      "status_sequence",
			Help:      "Last allocated faculty status notification sequence.",
		}),
		staleDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "stale_deliveries_total",
			Help:      "Status events dropped by a consumer for carrying an old sequence.",
		}, []string{"consumer"}),
		realtimeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consultease",
			Name:      "realtime_dropped_total",
			Help:      "Realtime messages dropped for slow clients.",
		}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "consultease",
			Name:      "realtime_clients",
			Help:      "Connected realtime dashboard clients.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.publishTotal,
		m.statusUpdates,
		m.responses,
		m.transitions,
		m.retries,
		m.handlerFailures,
		m.staleDeliveries,
		m.offlineQueued,
		m.offlineDelivered,
		m.pendingUpdates,
		m.sequence,
		m.realtimeDropped,
		m.realtimeClients,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Publish(channel string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.publishTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) StatusUpdate(outcome string) {
	if m == nil {
		return
	}
	m.statusUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Response(responseType, outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(responseType, outcome).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) HandlerFailure(handler string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(handler).Inc()
}

func (m *Metrics) OfflineQueued() {
	if m == nil {
		return
	}
	m.offlineQueued.Inc()
}

func (m *Metrics) OfflineDelivered() {
	if m == nil {
		return
	}
	m.offlineDelivered.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingUpdates.Set(float64(n))
}

func (m *Metrics) SetSequence(seq int64) {
	if m == nil {
		return
	}
	m.sequence.Set(float64(seq))
}

func (m *Metrics) StaleDelivery(consumer string) {
	if m == nil {
		return
	}
	m.staleDeliveries.WithLabelValues(consumer).Inc()
}

func (m *Metrics) RealtimeDropped() {
	if m == nil {
		return
	}
	m.realtimeDropped.Inc()
}

func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.realtimeClients.Set(float64(n))
}
