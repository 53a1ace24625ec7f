// Package metrics exposes engine counters and gauges. A nil *Metrics is
// valid and turns every recording method into a no-op, so components can be
// tested without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for the device-communication engine.
type Metrics struct {
	messagesReceived     prometheus.Counter
	messagesSent         prometheus.Counter
	messagesDropped      prometheus.Counter
	duplicatesSuppressed prometheus.Counter
	queryTimeouts        prometheus.Counter
	linkDBDownloads      prometheus.Counter
	devices              prometheus.Gauge
	pendingRequests      prometheus.Gauge
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insteon", Name: "messages_received_total",
			Help: "Frames decoded from the modem.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insteon", Name: "messages_sent_total",
			Help: "Frames written to the modem.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insteon", Name: "messages_dropped_total",
			Help: "Frames rejected during framing or dispatch.",
		}),
		duplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insteon", Name: "duplicates_suppressed_total",
			Help: "Broadcast or group messages judged duplicates.",
		}),
		queryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insteon", Name: "query_timeouts_total",
			Help: "Feature queries that expired without a reply.",
		}),
		linkDBDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insteon", Name: "link_db_downloads_total",
			Help: "Completed link-database download attempts.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "insteon", Name: "devices",
			Help: "Configured devices.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "insteon", Name: "pending_requests",
			Help: "Requests waiting in per-device queues.",
		}),
	}
	reg.MustRegister(
		m.messagesReceived, m.messagesSent, m.messagesDropped,
		m.duplicatesSuppressed, m.queryTimeouts, m.linkDBDownloads,
		m.devices, m.pendingRequests,
	)
	return m
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) IncDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *Metrics) IncDuplicates() {
	if m != nil {
		m.duplicatesSuppressed.Inc()
	}
}

func (m *Metrics) IncQueryTimeouts() {
	if m != nil {
		m.queryTimeouts.Inc()
	}
}

func (m *Metrics) IncLinkDBDownloads() {
	if m != nil {
		m.linkDBDownloads.Inc()
	}
}

func (m *Metrics) SetDevices(n int) {
	if m != nil {
		m.devices.Set(float64(n))
	}
}

func (m *Metrics) AddPendingRequests(delta int) {
	if m != nil {
		m.pendingRequests.Add(float64(delta))
	}
}
