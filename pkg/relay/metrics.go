package relay

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// relayMetrics holds the VictoriaMetrics counters/gauges for one relay
// instance, in the naming style of pkg/api/api0/metrics.go: a metrics.Set
// with label-suffixed GetOrCreate* names, each label value held in its own
// struct field.
type relayMetrics struct {
	set *metrics.Set

	connectionsAcceptedTotal *metrics.Counter
	connectionsClosedTotal   *metrics.Counter
	clientsConnected         *metrics.Gauge
	neighboursConnected      *metrics.Gauge

	framesRoutedTotal struct {
		hello            *metrics.Counter
		server_hello     *metrics.Counter
		chat             *metrics.Counter
		public_chat      *metrics.Counter
		client_list      *metrics.Counter
		client_update    *metrics.Counter
		list_request     *metrics.Counter
		update_request   *metrics.Counter
	}

	framesDroppedTotal struct {
		replay       *metrics.Counter
		routing_miss *metrics.Counter
		malformed    *metrics.Counter
		violation    *metrics.Counter
	}

	outboundQueueDroppedTotal *metrics.Counter
}

var (
	metricsOnce sync.Once
	m           *relayMetrics
)

// Metrics returns the process-wide relay metrics set, creating it on first use.
func Metrics() *relayMetrics {
	metricsOnce.Do(func() {
		set := metrics.NewSet()
		m = &relayMetrics{
			set:                       set,
			connectionsAcceptedTotal:  set.GetOrCreateCounter(`olaf_relay_connections_accepted_total`),
			connectionsClosedTotal:    set.GetOrCreateCounter(`olaf_relay_connections_closed_total`),
			clientsConnected:          set.GetOrCreateGauge(`olaf_relay_clients_connected`, nil),
			neighboursConnected:       set.GetOrCreateGauge(`olaf_relay_neighbours_connected`, nil),
			outboundQueueDroppedTotal: set.GetOrCreateCounter(`olaf_relay_outbound_queue_dropped_total`),
		}
		m.framesRoutedTotal.hello = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="hello"}`)
		m.framesRoutedTotal.server_hello = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="server_hello"}`)
		m.framesRoutedTotal.chat = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="chat"}`)
		m.framesRoutedTotal.public_chat = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="public_chat"}`)
		m.framesRoutedTotal.client_list = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="client_list"}`)
		m.framesRoutedTotal.client_update = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="client_update"}`)
		m.framesRoutedTotal.list_request = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="client_list_request"}`)
		m.framesRoutedTotal.update_request = set.GetOrCreateCounter(`olaf_relay_frames_routed_total{type="client_update_request"}`)
		m.framesDroppedTotal.replay = set.GetOrCreateCounter(`olaf_relay_frames_dropped_total{reason="replay"}`)
		m.framesDroppedTotal.routing_miss = set.GetOrCreateCounter(`olaf_relay_frames_dropped_total{reason="routing_miss"}`)
		m.framesDroppedTotal.malformed = set.GetOrCreateCounter(`olaf_relay_frames_dropped_total{reason="malformed"}`)
		m.framesDroppedTotal.violation = set.GetOrCreateCounter(`olaf_relay_frames_dropped_total{reason="protocol_violation"}`)
	})
	return m
}

// WritePrometheus writes all relay metrics in Prometheus exposition format.
func (rm *relayMetrics) WritePrometheus(w io.Writer) {
	rm.set.WritePrometheus(w)
}
