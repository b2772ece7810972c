package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitchatmesh/internal/proto"
)

type recorder struct {
	mu       sync.Mutex
	requests map[proto.PeerID]int
	sent     []proto.Packet
}

func newRecorder() *recorder {
	return &recorder{requests: make(map[proto.PeerID]int)}
}

func (r *recorder) SendSyncRequest(to proto.PeerID, req proto.SyncRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[to]++
	return nil
}

func (r *recorder) SendBackfill(to proto.PeerID, p proto.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

func (r *recorder) requestCount(id proto.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id]
}

type neighbors []proto.PeerID

func (n neighbors) DirectPeers() []proto.PeerID { return n }

func broadcast(sender byte, ts uint64, typ proto.Type) proto.Packet {
	return proto.Packet{
		Version:   proto.Version1,
		Type:      typ,
		TTL:       proto.DefaultTTL,
		Timestamp: ts,
		Sender:    proto.PeerID{sender},
		Payload:   []byte{sender, byte(ts)},
	}
}

func newSync(r *recorder, capacity int) *Synchronizer {
	return New(r, nil, Options{Capacity: capacity, Logger: zerolog.Nop()})
}

func TestReconcileSendsOnlyMissing(t *testing.T) {
	ra, rb := newRecorder(), newRecorder()
	a, b := newSync(ra, 64), newSync(rb, 64)
	for ts := uint64(1); ts <= 5; ts++ {
		a.OnPublicPacketSeen(broadcast(1, ts, proto.TypeMessage))
		if ts <= 3 {
			b.OnPublicPacketSeen(broadcast(1, ts, proto.TypeMessage))
		}
	}
	req, err := b.BuildRequest()
	require.NoError(t, err)

	n, err := a.HandleRequestSync(proto.PeerID{2}, req)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, ra.sent, 2)
	assert.Equal(t, uint64(4), ra.sent[0].Timestamp)
	assert.Equal(t, uint64(5), ra.sent[1].Timestamp)
	for _, p := range ra.sent {
		assert.Zero(t, p.TTL, "backfill must not be relayed further")
	}
}

func TestIgnoresPrivateAndNonPublicTypes(t *testing.T) {
	s := newSync(newRecorder(), 64)
	p := broadcast(1, 1, proto.TypeMessage)
	rcpt := proto.PeerID{9}
	p.Recipient = &rcpt
	s.OnPublicPacketSeen(p)
	s.OnPublicPacketSeen(broadcast(1, 2, proto.TypeLeave))
	s.OnPublicPacketSeen(broadcast(1, 3, proto.TypeNoiseEncrypted))
	assert.Zero(t, s.Len())
}

func TestCapacityEvictsOldest(t *testing.T) {
	r := newRecorder()
	s := newSync(r, 3)
	for ts := uint64(1); ts <= 5; ts++ {
		s.OnPublicPacketSeen(broadcast(1, ts, proto.TypeMessage))
	}
	assert.Equal(t, 3, s.Len())

	empty, err := newSync(newRecorder(), 3).BuildRequest()
	require.NoError(t, err)
	_, err = s.HandleRequestSync(proto.PeerID{2}, empty)
	require.NoError(t, err)
	require.Len(t, r.sent, 3)
	assert.Equal(t, uint64(3), r.sent[0].Timestamp)
}

func TestLatestAnnouncePerSender(t *testing.T) {
	r := newRecorder()
	s := newSync(r, 64)
	s.OnPublicPacketSeen(broadcast(1, 1, proto.TypeAnnounce))
	s.OnPublicPacketSeen(broadcast(1, 2, proto.TypeAnnounce))
	s.OnPublicPacketSeen(broadcast(2, 3, proto.TypeAnnounce))
	assert.Equal(t, 2, s.Len())

	s.RemovePeer(proto.PeerID{1})
	assert.Equal(t, 1, s.Len())
}

func TestBuildRequestFitsBudget(t *testing.T) {
	s := New(newRecorder(), nil, Options{Capacity: 2000, MaxFilterBytes: 400, Logger: zerolog.Nop()})
	for ts := uint64(1); ts <= 2000; ts++ {
		s.OnPublicPacketSeen(broadcast(byte(ts%7), ts, proto.TypeMessage))
	}
	req, err := s.BuildRequest()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(req.Filter), 400)
	require.NoError(t, checkFilter(req.Filter, 1600))
}

func TestBadFilterRejected(t *testing.T) {
	s := newSync(newRecorder(), 64)
	s.OnPublicPacketSeen(broadcast(1, 1, proto.TypeMessage))
	_, err := s.HandleRequestSync(proto.PeerID{2}, proto.SyncRequest{Filter: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrBadFilter)

	huge := make([]byte, 32)
	huge[7] = 0xff
	huge[6] = 0xff
	huge[15] = 3
	huge[23] = 0xff
	huge[22] = 0xff
	_, err = s.HandleRequestSync(proto.PeerID{2}, proto.SyncRequest{Filter: huge})
	assert.ErrorIs(t, err, ErrBadFilter)
}

func TestInitialSyncFiresAndCanBeCancelled(t *testing.T) {
	r := newRecorder()
	s := newSync(r, 64)
	defer s.Close()
	a, b := proto.PeerID{1}, proto.PeerID{2}
	s.ScheduleInitialSyncToPeer(a, 10*time.Millisecond)
	s.ScheduleInitialSyncToPeer(b, time.Hour)
	s.RemovePeer(b)

	require.Eventually(t, func() bool { return r.requestCount(a) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.requestCount(b))
	assert.Zero(t, s.PendingSyncs())
}

func TestRunSyncsNeighbors(t *testing.T) {
	r := newRecorder()
	peers := neighbors{{1}, {2}}
	s := New(r, peers, Options{Interval: 5 * time.Millisecond, Logger: zerolog.Nop()})
	s.round()
	assert.Equal(t, 1, r.requestCount(proto.PeerID{1}))
	assert.Equal(t, 1, r.requestCount(proto.PeerID{2}))
}

func TestCloseDropsState(t *testing.T) {
	s := newSync(newRecorder(), 64)
	s.OnPublicPacketSeen(broadcast(1, 1, proto.TypeMessage))
	s.ScheduleInitialSyncToPeer(proto.PeerID{1}, time.Hour)
	s.Close()
	assert.Zero(t, s.Len())
	assert.Zero(t, s.PendingSyncs())
	s.OnPublicPacketSeen(broadcast(1, 2, proto.TypeMessage))
	assert.Zero(t, s.Len())
}

type blockingSender struct {
	recorder
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) SendSyncRequest(to proto.PeerID, req proto.SyncRequest) error {
	close(b.entered)
	<-b.release
	return b.recorder.SendSyncRequest(to, req)
}

func TestCloseWaitsForRunningTimer(t *testing.T) {
	b := &blockingSender{
		recorder: recorder{requests: make(map[proto.PeerID]int)},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := New(b, nil, Options{Logger: zerolog.Nop()})
	s.ScheduleInitialSyncToPeer(proto.PeerID{1}, time.Millisecond)
	<-b.entered

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("Close returned while a sync callback was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(b.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close did not return after the callback finished")
	}
	assert.Equal(t, 1, b.requestCount(proto.PeerID{1}))
}
