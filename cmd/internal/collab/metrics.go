package collab

import "github.com/prometheus/client_golang/prometheus"

// Frame handling results used as the "result" label on FramesTotal.
const (
	FrameResultOK            = "ok"
	FrameResultProtocolError = "protocol_error"
	FrameResultIgnored       = "ignored"
)

// Metrics holds the collaboration transport's Prometheus instruments.
// Instances are registered against an injected Registerer so tests can run
// isolated gateways without collisions on the default registry.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	Deliveries        prometheus.Counter
	DeliveryDrops     prometheus.Counter
}

// NewMetrics constructs and registers the transport metrics. A nil
// registerer yields working but unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geopro",
			Subsystem: "collab",
			Name:      "connections_active",
			Help:      "Number of live websocket connections.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geopro",
			Subsystem: "collab",
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one member.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geopro",
			Subsystem: "collab",
			Name:      "frames_total",
			Help:      "Inbound frames by type and handling result.",
		}, []string{"type", "result"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geopro",
			Subsystem: "collab",
			Name:      "deliveries_total",
			Help:      "Envelopes enqueued to member connections.",
		}),
		DeliveryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geopro",
			Subsystem: "collab",
			Name:      "delivery_drops_total",
			Help:      "Envelopes dropped due to member backpressure.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.RoomsActive,
			m.FramesTotal,
			m.Deliveries,
			m.DeliveryDrops,
		)
	}
	return m
}

// observeFrame records one inbound frame. Safe on a nil receiver so the
// gateway does not need nil checks at every call site.
func (m *Metrics) observeFrame(frameType, result string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(frameType, result).Inc()
}
