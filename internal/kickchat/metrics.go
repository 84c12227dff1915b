package kickchat

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks ingest counters for the upstream socket. A nil *Metrics is a no-op.
type Metrics struct {
	frames      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	persistErrs prometheus.Counter
	connects    *prometheus.CounterVec
	state       prometheus.Gauge
	rooms       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdeck_ingest_frames_total",
			Help: "Inbound upstream frames by decoded kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdeck_ingest_dropped_total",
			Help: "Inbound frames skipped by reason.",
		}, []string{"reason"}),
		persistErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatdeck_ingest_persist_errors_total",
			Help: "Chat messages that failed to persist.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdeck_upstream_connects_total",
			Help: "Upstream socket dial attempts by result.",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatdeck_upstream_state",
			Help: "Supervisor state (0 idle, 1 connecting, 2 connected, 3 closing).",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatdeck_upstream_rooms",
			Help: "Chatrooms subscribed on the upstream socket.",
		}),
	}
}

// Collectors returns the collectors for registration on a metrics registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.frames, m.dropped, m.persistErrs, m.connects, m.state, m.rooms}
}

func (m *Metrics) incFrame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incPersistError() {
	if m == nil {
		return
	}
	m.persistErrs.Inc()
}

func (m *Metrics) incConnect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) setState(s State, rooms int) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
	m.rooms.Set(float64(rooms))
}
