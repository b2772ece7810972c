package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mesh"

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Packets        PacketMetrics     `json:"packets"`
	Fragments      FragmentMetrics   `json:"fragments"`
	StoreFwd       StoreFwdMetrics   `json:"storefwd"`
	Gossip         GossipMetrics     `json:"gossip"`
	ReceivedByType map[string]uint64 `json:"received_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	Handshakes     map[string]uint64 `json:"handshakes"`
	ActivePeers    int64             `json:"active_peers"`
	QueueFull      uint64            `json:"queue_full"`
	EventsDropped  uint64            `json:"events_dropped"`
}

type PacketMetrics struct {
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Relayed   uint64 `json:"relayed"`
	Delivered uint64 `json:"delivered"`
}

type FragmentMetrics struct {
	Reassembled uint64 `json:"reassembled"`
	Expired     uint64 `json:"expired"`
}

type StoreFwdMetrics struct {
	Cached  int64  `json:"cached"`
	Flushed uint64 `json:"flushed"`
}

type GossipMetrics struct {
	RequestsSent     uint64 `json:"requests_sent"`
	RequestsReceived uint64 `json:"requests_received"`
	Backfilled       uint64 `json:"backfilled"`
}

// Metrics mirrors every prometheus series with a plain counter so a JSON
// snapshot can be written without scraping. A nil *Metrics is a no-op.
type Metrics struct {
	reg *prometheus.Registry

	received    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	relayed     prometheus.Counter
	delivered   *prometheus.CounterVec
	reassembled prometheus.Counter
	fragExpired prometheus.Counter
	handshakes  *prometheus.CounterVec
	cached      prometheus.Gauge
	flushed     prometheus.Counter
	syncReqs    *prometheus.CounterVec
	backfilled  prometheus.Counter
	queueFull   prometheus.Counter
	evDropped   prometheus.Counter
	activePeers prometheus.Gauge

	nReceived    atomic.Uint64
	nDropped     atomic.Uint64
	nRelayed     atomic.Uint64
	nDelivered   atomic.Uint64
	nReassembled atomic.Uint64
	nFragExpired atomic.Uint64
	nCached      atomic.Int64
	nFlushed     atomic.Uint64
	nSyncSent    atomic.Uint64
	nSyncRecv    atomic.Uint64
	nBackfilled  atomic.Uint64
	nQueueFull   atomic.Uint64
	nEvDropped   atomic.Uint64
	nActive      atomic.Int64

	mu       sync.Mutex
	byType   map[string]uint64
	byReason map[string]uint64
	byResult map[string]uint64
}

// New registers the mesh series on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets decoded from links, by type",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped, by reason",
		}, []string{"reason"}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_relayed_total",
			Help:      "Packets relayed with a decremented TTL",
		}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_delivered_total",
			Help:      "Packets delivered to the local handler, by type",
		}, []string{"type"}),
		reassembled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_reassembled_total",
			Help:      "Fragmented packets reassembled",
		}),
		fragExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_expired_total",
			Help:      "Incomplete fragment buffers discarded",
		}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake outcomes",
		}, []string{"result"}),
		cached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storefwd_cached",
			Help:      "Packets held for offline recipients",
		}),
		flushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storefwd_flushed_total",
			Help:      "Held packets delivered after the recipient came back",
		}),
		syncReqs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_sync_requests_total",
			Help:      "Gossip sync requests, by direction",
		}, []string{"direction"}),
		backfilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_backfilled_total",
			Help:      "Packets sent in answer to sync requests",
		}),
		queueFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_full_total",
			Help:      "Frames refused because a link queue was full",
		}),
		evDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Application notifications dropped because the event queue was full",
		}),
		activePeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Peers seen within the liveness timeout",
		}),
		byType:   make(map[string]uint64),
		byReason: make(map[string]uint64),
		byResult: make(map[string]uint64),
	}
}

// Registry is what the metrics endpoint serves.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) IncReceived(typ string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(typ).Inc()
	m.nReceived.Add(1)
	m.bump(m.byType, typ)
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
	m.nDropped.Add(1)
	m.bump(m.byReason, reason)
}

func (m *Metrics) IncRelayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
	m.nRelayed.Add(1)
}

func (m *Metrics) IncDelivered(typ string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(typ).Inc()
	m.nDelivered.Add(1)
}

func (m *Metrics) IncReassembled() {
	if m == nil {
		return
	}
	m.reassembled.Inc()
	m.nReassembled.Add(1)
}

func (m *Metrics) AddFragmentsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fragExpired.Add(float64(n))
	m.nFragExpired.Add(uint64(n))
}

func (m *Metrics) IncHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
	m.bump(m.byResult, result)
}

func (m *Metrics) SetCached(n int) {
	if m == nil {
		return
	}
	m.cached.Set(float64(n))
	m.nCached.Store(int64(n))
}

func (m *Metrics) AddFlushed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flushed.Add(float64(n))
	m.nFlushed.Add(uint64(n))
}

func (m *Metrics) IncSyncSent() {
	if m == nil {
		return
	}
	m.syncReqs.WithLabelValues("sent").Inc()
	m.nSyncSent.Add(1)
}

func (m *Metrics) IncSyncReceived() {
	if m == nil {
		return
	}
	m.syncReqs.WithLabelValues("received").Inc()
	m.nSyncRecv.Add(1)
}

func (m *Metrics) AddBackfilled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfilled.Add(float64(n))
	m.nBackfilled.Add(uint64(n))
}

func (m *Metrics) IncQueueFull() {
	if m == nil {
		return
	}
	m.queueFull.Inc()
	m.nQueueFull.Add(1)
}

func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.evDropped.Inc()
	m.nEvDropped.Add(1)
}

func (m *Metrics) SetActivePeers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
	m.nActive.Store(int64(n))
}

func (m *Metrics) bump(set map[string]uint64, key string) {
	m.mu.Lock()
	set[key]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	byType := copyCounts(m.byType)
	byReason := copyCounts(m.byReason)
	byResult := copyCounts(m.byResult)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Packets: PacketMetrics{
			Received:  m.nReceived.Load(),
			Dropped:   m.nDropped.Load(),
			Relayed:   m.nRelayed.Load(),
			Delivered: m.nDelivered.Load(),
		},
		Fragments: FragmentMetrics{
			Reassembled: m.nReassembled.Load(),
			Expired:     m.nFragExpired.Load(),
		},
		StoreFwd: StoreFwdMetrics{
			Cached:  m.nCached.Load(),
			Flushed: m.nFlushed.Load(),
		},
		Gossip: GossipMetrics{
			RequestsSent:     m.nSyncSent.Load(),
			RequestsReceived: m.nSyncRecv.Load(),
			Backfilled:       m.nBackfilled.Load(),
		},
		ReceivedByType: byType,
		DropByReason:   byReason,
		Handshakes:     byResult,
		ActivePeers:    m.nActive.Load(),
		QueueFull:      m.nQueueFull.Load(),
		EventsDropped:  m.nEvDropped.Load(),
	}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Reasons lists the drop reasons seen so far, sorted.
func (s Snapshot) Reasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
