// Package gossip reconciles recently seen public packets between direct
// neighbours. A node summarises what it holds in a bloom filter; the peer
// answers with whatever the filter does not contain.
package gossip

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/rs/zerolog"

	"bitchatmesh/internal/proto"
)

const (
	DefaultCapacity       = 1024
	DefaultFPRate         = 0.01
	DefaultMaxFilterBytes = 400
	DefaultMaxSend        = 128
	DefaultInterval       = 30 * time.Second
	minFilterElements     = 8
	maxHashes             = 32
)

var ErrBadFilter = errors.New("gossip: bad filter")

// Sender delivers gossip traffic to one direct neighbour.
type Sender interface {
	SendSyncRequest(to proto.PeerID, req proto.SyncRequest) error
	SendBackfill(to proto.PeerID, p proto.Packet) error
}

// Neighbors lists the peers a periodic round is sent to.
type Neighbors interface {
	DirectPeers() []proto.PeerID
}

type Options struct {
	Capacity       int
	FPRate         float64
	MaxFilterBytes int
	MaxSend        int
	Interval       time.Duration
	Logger         zerolog.Logger
}

type item struct {
	id     [proto.PacketIDSize]byte
	packet proto.Packet
}

type Synchronizer struct {
	sender    Sender
	neighbors Neighbors
	capacity  int
	fp        float64
	maxFilter int
	maxSend   int
	interval  time.Duration
	log       zerolog.Logger

	mu        sync.Mutex
	hot       map[[proto.PacketIDSize]byte]*list.Element
	order     *list.List
	announces map[proto.PeerID][proto.PacketIDSize]byte
	timers    map[proto.PeerID]*time.Timer
	closed    bool
	// firing counts timer callbacks past their closed check.
	firing sync.WaitGroup
}

func New(sender Sender, neighbors Neighbors, opts Options) *Synchronizer {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FPRate <= 0 || opts.FPRate >= 1 {
		opts.FPRate = DefaultFPRate
	}
	if opts.MaxFilterBytes <= 0 {
		opts.MaxFilterBytes = DefaultMaxFilterBytes
	}
	if opts.MaxSend <= 0 {
		opts.MaxSend = DefaultMaxSend
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Synchronizer{
		sender:    sender,
		neighbors: neighbors,
		capacity:  opts.Capacity,
		fp:        opts.FPRate,
		maxFilter: opts.MaxFilterBytes,
		maxSend:   opts.MaxSend,
		interval:  opts.Interval,
		log:       opts.Logger.With().Str("component", "gossip").Logger(),
		hot:       make(map[[proto.PacketIDSize]byte]*list.Element),
		order:     list.New(),
		announces: make(map[proto.PeerID][proto.PacketIDSize]byte),
		timers:    make(map[proto.PeerID]*time.Timer),
	}
}

// OnPublicPacketSeen records broadcast messages and the latest announce of
// each sender. Anything else is ignored.
func (s *Synchronizer) OnPublicPacketSeen(p proto.Packet) {
	if !p.IsBroadcast() {
		return
	}
	if p.Type != proto.TypeMessage && p.Type != proto.TypeAnnounce {
		return
	}
	id := p.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.hot[id]; ok {
		return
	}
	if p.Type == proto.TypeAnnounce {
		if prev, ok := s.announces[p.Sender]; ok {
			s.removeLocked(prev)
		}
		s.announces[p.Sender] = id
	}
	s.hot[id] = s.order.PushBack(&item{id: id, packet: p.WithTTL(p.TTL)})
	for s.order.Len() > s.capacity {
		s.removeLocked(s.order.Front().Value.(*item).id)
	}
}

func (s *Synchronizer) removeLocked(id [proto.PacketIDSize]byte) {
	el, ok := s.hot[id]
	if !ok {
		return
	}
	it := el.Value.(*item)
	if it.packet.Type == proto.TypeAnnounce && s.announces[it.packet.Sender] == id {
		delete(s.announces, it.packet.Sender)
	}
	s.order.Remove(el)
	delete(s.hot, id)
}

func (s *Synchronizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// BuildRequest summarises the held packets. When the filter for every
// held id would not fit MaxFilterBytes, only the newest ids that fit are
// summarised.
func (s *Synchronizer) BuildRequest() (proto.SyncRequest, error) {
	s.mu.Lock()
	ids := make([][proto.PacketIDSize]byte, 0, s.order.Len())
	for el := s.order.Back(); el != nil; el = el.Prev() {
		ids = append(ids, el.Value.(*item).id)
	}
	s.mu.Unlock()

	n := len(ids)
	if n < minFilterElements {
		n = minFilterElements
	}
	for {
		f := bloom.NewWithEstimates(uint(n), s.fp)
		for i := 0; i < n && i < len(ids); i++ {
			f.Add(ids[i][:])
		}
		b, err := f.MarshalBinary()
		if err != nil {
			return proto.SyncRequest{}, fmt.Errorf("marshal filter: %w", err)
		}
		if len(b) <= s.maxFilter || n <= minFilterElements {
			return proto.SyncRequest{Filter: b, MaxSend: uint16(s.maxSend)}, nil
		}
		n = n * 3 / 4
		if n < minFilterElements {
			n = minFilterElements
		}
	}
}

// HandleRequestSync sends from, oldest first, every held packet the
// request's filter does not contain. It returns how many were sent.
func (s *Synchronizer) HandleRequestSync(from proto.PeerID, req proto.SyncRequest) (int, error) {
	if err := checkFilter(req.Filter, s.maxFilter*4); err != nil {
		return 0, err
	}
	var f bloom.BloomFilter
	if err := f.UnmarshalBinary(req.Filter); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadFilter, err)
	}
	limit := s.maxSend
	if req.MaxSend > 0 && int(req.MaxSend) < limit {
		limit = int(req.MaxSend)
	}

	var missing []proto.Packet
	s.mu.Lock()
	for el := s.order.Front(); el != nil && len(missing) < limit; el = el.Next() {
		it := el.Value.(*item)
		if !f.Test(it.id[:]) {
			missing = append(missing, it.packet)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, p := range missing {
		// Backfill is link-local.
		if err := s.sender.SendBackfill(from, p.WithTTL(0)); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		s.log.Debug().Str("peer", from.String()).Int("sent", sent).Msg("backfilled")
	}
	return sent, nil
}

// checkFilter bounds a marshaled filter before it is decoded: the bitset
// length prefix is trusted by the decoder for its allocation.
func checkFilter(b []byte, max int) error {
	const header = 24
	if len(b) < header || len(b) > max {
		return fmt.Errorf("%w: %d bytes", ErrBadFilter, len(b))
	}
	m := binary.BigEndian.Uint64(b[0:8])
	k := binary.BigEndian.Uint64(b[8:16])
	bits := binary.BigEndian.Uint64(b[16:24])
	if k == 0 || k > maxHashes || m == 0 || bits != m {
		return fmt.Errorf("%w: m=%d k=%d", ErrBadFilter, m, k)
	}
	if m > uint64(len(b)-header)*8 {
		return fmt.Errorf("%w: %d bits in %d bytes", ErrBadFilter, m, len(b))
	}
	return nil
}

// SyncWith sends one sync request to id.
func (s *Synchronizer) SyncWith(id proto.PeerID) error {
	req, err := s.BuildRequest()
	if err != nil {
		return err
	}
	return s.sender.SendSyncRequest(id, req)
}

// ScheduleInitialSyncToPeer sends a sync request to id after delay. A
// later call for the same peer replaces the pending one.
func (s *Synchronizer) ScheduleInitialSyncToPeer(id proto.PeerID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.firing.Add(1)
		s.mu.Unlock()
		defer s.firing.Done()
		if err := s.SyncWith(id); err != nil {
			s.log.Debug().Err(err).Str("peer", id.String()).Msg("initial sync failed")
		}
	})
	s.timers[id] = t
}

// PeerRemoved cancels pending work for id and forgets its announce.
func (s *Synchronizer) PeerRemoved(id proto.PeerID) {
	s.RemovePeer(id)
}

func (s *Synchronizer) RemovePeer(id proto.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if ann, ok := s.announces[id]; ok {
		s.removeLocked(ann)
	}
}

func (s *Synchronizer) PendingSyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run sends a sync request to every direct neighbour each interval until
// ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.round()
		}
	}
}

func (s *Synchronizer) round() {
	if s.neighbors == nil {
		return
	}
	peers := s.neighbors.DirectPeers()
	if len(peers) == 0 {
		return
	}
	req, err := s.BuildRequest()
	if err != nil {
		s.log.Warn().Err(err).Msg("build sync request")
		return
	}
	for _, id := range peers {
		if err := s.sender.SendSyncRequest(id, req); err != nil {
			s.log.Debug().Err(err).Str("peer", id.String()).Msg("sync request failed")
		}
	}
}

// Close stops pending timers, waits for callbacks already running and
// drops all held packets. No Sender call happens after it returns.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.firing.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.hot = make(map[[proto.PacketIDSize]byte]*list.Element)
	s.order.Init()
	s.announces = make(map[proto.PeerID][proto.PacketIDSize]byte)
}
