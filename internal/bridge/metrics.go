package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the bridge core updates
// directly (§2 "Metrics [DOMAIN STACK]"). Construct once per process
// and pass the same instance to every Options.Metrics; a nil *Metrics
// on Options is fine, every method below is a nil-receiver no-op.
type Metrics struct {
	bridgesActive   prometheus.Gauge
	channelsActive  prometheus.Gauge
	pushes          prometheus.Counter
	pulls           prometheus.Counter
	dissolves       *prometheus.CounterVec
	hotSwaps        prometheus.Counter
	dtmfHooksFired  prometheus.Counter
	syncFrameWaits  prometheus.Histogram
}

// NewMetrics registers the bridge core's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bridgesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_bridges_active",
			Help: "Number of currently live bridges.",
		}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_channels_active",
			Help: "Number of BridgeChannels currently joined to a bridge.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_pushes_total",
			Help: "Total successful Bridge.Push calls.",
		}),
		pulls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_pulls_total",
			Help: "Total Bridge.Pull calls.",
		}),
		dissolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_dissolves_total",
			Help: "Total bridge dissolves, by cause.",
		}, []string{"cause"}),
		hotSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_technology_hotswaps_total",
			Help: "Total Smart-bridge technology hot-swaps.",
		}),
		dtmfHooksFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dtmf_hooks_fired_total",
			Help: "Total DTMF feature hook dispatches.",
		}),
		syncFrameWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_sync_frame_wait_seconds",
			Help:    "Time a caller blocked in BridgeChannel.EnqueueSync.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bridgesActive, m.channelsActive, m.pushes, m.pulls, m.dissolves, m.hotSwaps, m.dtmfHooksFired, m.syncFrameWaits)
	}
	return m
}

func (m *Metrics) bridgeConstructed() {
	if m != nil {
		m.bridgesActive.Inc()
	}
}

func (m *Metrics) bridgeDissolved(cause Cause) {
	if m != nil {
		m.bridgesActive.Dec()
		m.dissolves.WithLabelValues(causeLabel(cause)).Inc()
	}
}

func (m *Metrics) channelPushed() {
	if m != nil {
		m.pushes.Inc()
		m.channelsActive.Inc()
	}
}

func (m *Metrics) channelPulled() {
	if m != nil {
		m.pulls.Inc()
		m.channelsActive.Dec()
	}
}

func (m *Metrics) technologyHotSwap() {
	if m != nil {
		m.hotSwaps.Inc()
	}
}

func (m *Metrics) dtmfHookFired() {
	if m != nil {
		m.dtmfHooksFired.Inc()
	}
}

func (m *Metrics) observeSyncWait(d time.Duration) {
	if m != nil {
		m.syncFrameWaits.Observe(d.Seconds())
	}
}

func causeLabel(c Cause) string {
	switch c {
	case CauseNormalClearing:
		return "normal_clearing"
	case CauseCallRejected:
		return "call_rejected"
	case CauseNoAnswer:
		return "no_answer"
	default:
		return "unspecified"
	}
}
