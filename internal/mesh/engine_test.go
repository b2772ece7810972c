package mesh

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitchatmesh/internal/fragment"
	"bitchatmesh/internal/metrics"
	"bitchatmesh/internal/node"
	"bitchatmesh/internal/peer"
	"bitchatmesh/internal/proto"
	"bitchatmesh/internal/testutil"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu          sync.Mutex
	public      []Message
	private     []Message
	delivered   []string
	read        []string
	undelivered []string
	handshakes  []proto.PeerID
	verified    map[proto.PeerID]bool
	files       []File
	progress    int
	peerLists   int
}

func (r *recorder) OnPublicMessage(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.public = append(r.public, m)
}

func (r *recorder) OnPrivateMessage(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.private = append(r.private, m)
}

func (r *recorder) OnPeerListUpdated(map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerLists++
}

func (r *recorder) OnDelivered(_ proto.PeerID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, id)
}

func (r *recorder) OnReadReceipt(_ proto.PeerID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = append(r.read, id)
}

func (r *recorder) OnUndelivered(_ proto.PeerID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.undelivered = append(r.undelivered, id)
}

func (r *recorder) OnHandshakeComplete(id proto.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes = append(r.handshakes, id)
}

func (r *recorder) OnVerified(id proto.PeerID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verified == nil {
		r.verified = make(map[proto.PeerID]bool)
	}
	r.verified[id] = ok
}

func (r *recorder) OnTransferProgress(proto.PeerID, string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
}

func (r *recorder) OnFileReceived(f File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, f)
}

func (r *recorder) publicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.public)
}

func (r *recorder) privateContents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.private))
	for _, m := range r.private {
		out = append(out, m.Content)
	}
	return out
}

func (r *recorder) deliveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Unix(1_700_000_000, 0).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

type testNode struct {
	*Engine
	rec     *recorder
	metrics *metrics.Metrics
}

func newTestNode(t *testing.T, nick string, tweak func(*Options)) *testNode {
	t.Helper()
	self, err := node.NewEphemeral(nick)
	require.NoError(t, err)
	rec := &recorder{}
	m := metrics.New()
	opts := Options{
		RequireSignatures:  true,
		GossipInitialDelay: time.Hour,
		Metrics:            m,
		Logger:             zerolog.Nop(),
		Sinks: Sinks{
			Messages:   rec,
			Peers:      rec,
			Receipts:   rec,
			Handshakes: rec,
			Transfers:  rec,
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	e, err := New(self, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &testNode{Engine: e, rec: rec, metrics: m}
}

var linkSeq atomic.Int64

func connect(t *testing.T, a, b *testNode) (Link, Link) {
	t.Helper()
	n := linkSeq.Add(1)
	la, lb := NewMemoryLinkPair(fmt.Sprintf("a%d", n), fmt.Sprintf("b%d", n), 0)
	require.NoError(t, a.AttachLink(la))
	require.NoError(t, b.AttachLink(lb))
	return la, lb
}

func waitEstablished(t *testing.T, a, b *testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.SessionEstablished(b.ID()) && b.SessionEstablished(a.ID())
	}, waitFor, tick, "sessions not established")
}

// rawLink attaches a raw link end to e so the test can inject and observe
// frames directly.
func rawLink(t *testing.T, e *testNode) Link {
	t.Helper()
	n := linkSeq.Add(1)
	engineSide, testSide := NewMemoryLinkPair(fmt.Sprintf("engine%d", n), fmt.Sprintf("raw%d", n), 256)
	require.NoError(t, e.AttachLink(engineSide))
	t.Cleanup(func() { _ = testSide.Close() })
	return testSide
}

func inject(t *testing.T, l Link, p proto.Packet) {
	t.Helper()
	b, err := proto.Encode(p)
	require.NoError(t, err)
	require.NoError(t, l.WriteFrame(context.Background(), b))
}

// nextOfType reads from l until a packet of type want arrives or d passes.
func nextOfType(l Link, want proto.Type, d time.Duration) (proto.Packet, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		b, err := l.ReadFrame(ctx)
		if err != nil {
			return proto.Packet{}, false
		}
		p, err := proto.Decode(b)
		if err == nil && p.Type == want {
			return p, true
		}
	}
}

func publicMessage(t *testing.T, from proto.PeerID, ts uint64, ttl uint8, text string) proto.Packet {
	t.Helper()
	payload, err := proto.EncodePublicMessage(proto.PublicMessage{MessageID: fmt.Sprintf("m%d", ts), Nickname: "x", Content: text})
	require.NoError(t, err)
	return proto.Packet{Version: proto.Version1, Type: proto.TypeMessage, TTL: ttl, Timestamp: ts, Sender: from, Payload: payload}
}

func unsigned(o *Options) { o.RequireSignatures = false }

func TestAnnounceExchangeEstablishesSession(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	info, ok := a.Peer(b.ID())
	require.True(t, ok)
	assert.Equal(t, "bob", info.Nickname)
	assert.True(t, info.Direct)
	assert.Equal(t, peer.StateEstablished, info.State)
	assert.Equal(t, "alice", b.Nicknames()[a.ID()])
}

func TestTTLExhaustedPacketsAreNotRelayed(t *testing.T) {
	b := newTestNode(t, "bob", unsigned)
	in := rawLink(t, b)
	out := rawLink(t, b)
	src := proto.PeerID{0x42}

	inject(t, in, publicMessage(t, src, 1, 0, "ttl zero"))
	inject(t, in, publicMessage(t, src, 2, 1, "ttl one"))
	require.Eventually(t, func() bool { return b.rec.publicCount() == 2 }, waitFor, tick)
	_, relayed := nextOfType(out, proto.TypeMessage, 100*time.Millisecond)
	assert.False(t, relayed, "packet with TTL <= 1 was relayed")

	inject(t, in, publicMessage(t, src, 3, 3, "ttl three"))
	p, ok := nextOfType(out, proto.TypeMessage, time.Second)
	require.True(t, ok, "packet with TTL 3 was not relayed")
	assert.Equal(t, uint8(2), p.TTL)
	assert.Equal(t, uint64(3), p.Timestamp)
	_, echoed := nextOfType(in, proto.TypeMessage, 100*time.Millisecond)
	assert.False(t, echoed, "packet relayed back on its arrival link")
}

func TestReplayedPacketDroppedAtEngine(t *testing.T) {
	b := newTestNode(t, "bob", unsigned)
	in := rawLink(t, b)
	src := proto.PeerID{0x42}
	inject(t, in, publicMessage(t, src, 7, 1, "first"))
	inject(t, in, publicMessage(t, src, 7, 1, "different payload, same pair"))
	require.Eventually(t, func() bool {
		return b.metrics.Snapshot().DropByReason["duplicate_or_replayed"] == 1
	}, waitFor, tick)
	assert.Equal(t, 1, b.rec.publicCount())
}

func TestRelayChainOnceAndNeverBack(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	c := newTestNode(t, "carol", nil)
	connect(t, a, b)
	connect(t, b, c)
	require.Eventually(t, func() bool {
		_, ok := c.Peer(a.ID())
		return ok
	}, waitFor, tick, "carol never learned alice")

	_, err := a.SendBroadcast("hello mesh")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.rec.publicCount() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, b.rec.publicCount())
	assert.Equal(t, 1, c.rec.publicCount())
	assert.Zero(t, a.rec.publicCount())
	assert.Zero(t, a.metrics.Snapshot().ReceivedByType["message"], "message came back to its origin")
	assert.Equal(t, uint64(1), c.metrics.Snapshot().ReceivedByType["message"])
	assert.Equal(t, "hello mesh", c.rec.public[0].Content)
	assert.Equal(t, a.ID(), c.rec.public[0].From)
}

func TestOfflinePrivateMessagesFlushOnceInOrder(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	la, _ := connect(t, a, b)
	waitEstablished(t, a, b)

	require.NoError(t, la.Close())
	require.Eventually(t, func() bool {
		_, known := a.Peer(b.ID())
		return !known && !a.SessionEstablished(b.ID())
	}, waitFor, tick)

	for _, text := range []string{"one", "two", "three"} {
		_, err := a.SendPrivate(b.ID(), text)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, a.Pending(b.ID()))

	connect(t, a, b)
	require.Eventually(t, func() bool { return len(b.rec.privateContents()) == 3 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, b.rec.privateContents())
	assert.Zero(t, a.Pending(b.ID()))
	require.Eventually(t, func() bool { return a.rec.deliveredCount() == 3 }, waitFor, tick)
}

func TestLostFinalFragmentTimesOutThenRetransmitSucceeds(t *testing.T) {
	clock := newFakeClock()
	b := newTestNode(t, "bob", func(o *Options) {
		o.RequireSignatures = false
		o.FragmentTimeout = time.Second
		o.Now = clock.Now
	})
	in := rawLink(t, b)
	src := proto.PeerID{0x42}
	big := publicMessage(t, src, 100, 1, hex.EncodeToString(testutil.Noise(7, 2000)))

	ts := uint64(1000)
	nextTS := func() uint64 { ts++; return ts }
	frags, err := fragment.Fragment(big, 256, fragment.NewTransferID(), nextTS)
	require.NoError(t, err)
	require.Greater(t, len(frags), 2)
	for _, f := range frags[:len(frags)-1] {
		inject(t, in, f)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.rec.publicCount())

	clock.Advance(2 * time.Second)
	b.maintainOnce(clock.Now())
	assert.Equal(t, uint64(1), b.metrics.Snapshot().Fragments.Expired)
	inject(t, in, frags[len(frags)-1])
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.rec.publicCount(), "expired transfer must not deliver")

	again, err := fragment.Fragment(big, 256, fragment.NewTransferID(), nextTS)
	require.NoError(t, err)
	for _, f := range again {
		inject(t, in, f)
	}
	require.Eventually(t, func() bool { return b.rec.publicCount() == 1 }, waitFor, tick)
	assert.Equal(t, uint64(1), b.metrics.Snapshot().Fragments.Reassembled)
}

func TestCrossedHandshakesConverge(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	var wg sync.WaitGroup
	for _, pair := range [][2]*testNode{{a, b}, {b, a}} {
		wg.Add(1)
		go func(from, to *testNode) {
			defer wg.Done()
			assert.NoError(t, from.TriggerHandshake(to.ID()))
		}(pair[0], pair[1])
	}
	wg.Wait()
	waitEstablished(t, a, b)

	require.Eventually(t, func() bool {
		if _, err := a.SendPrivate(b.ID(), "after rekey"); err != nil {
			return false
		}
		for _, c := range b.rec.privateContents() {
			if c == "after rekey" {
				return true
			}
		}
		return false
	}, waitFor, 50*time.Millisecond)
}

func TestVerifyChallenge(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	require.NoError(t, a.SendVerifyChallenge(b.ID(), nil))
	require.Eventually(t, func() bool {
		info, ok := a.Peer(b.ID())
		return ok && info.Verified
	}, waitFor, tick)
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	assert.True(t, a.rec.verified[b.ID()])
}

func TestPrivateFileTransferIsFragmented(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	content := bytes.Repeat([]byte{0xab, 0x01, 0x77}, 3000)
	dst := b.ID()
	id, err := a.SendFile(&dst, "blob.bin", "application/octet-stream", content)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b.rec.mu.Lock()
		defer b.rec.mu.Unlock()
		return len(b.rec.files) == 1
	}, waitFor, tick)
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	f := b.rec.files[0]
	assert.Equal(t, id, f.TransferID)
	assert.Equal(t, content, f.Content)
	assert.True(t, f.Private)
	assert.Greater(t, b.rec.progress, 1)
}

func TestReadReceipt(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	id, err := a.SendPrivate(b.ID(), "did you read this")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.rec.privateContents()) == 1 }, waitFor, tick)
	require.NoError(t, b.SendReadReceipt(a.ID(), id))
	require.Eventually(t, func() bool {
		a.rec.mu.Lock()
		defer a.rec.mu.Unlock()
		return len(a.rec.read) == 1 && a.rec.read[0] == id
	}, waitFor, tick)
}

func TestLeaveRemovesPeer(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	require.NoError(t, a.Leave())
	require.Eventually(t, func() bool {
		_, ok := b.Peer(a.ID())
		return !ok && !b.SessionEstablished(a.ID())
	}, waitFor, tick)
}

func TestGossipBackfillsMissedBroadcast(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	_, err := a.SendBroadcast("sent while alone")
	require.NoError(t, err)

	connect(t, a, b)
	require.Eventually(t, func() bool {
		info, ok := b.Peer(a.ID())
		return ok && info.Direct
	}, waitFor, tick)
	require.NoError(t, b.gossip.SyncWith(a.ID()))
	require.Eventually(t, func() bool { return b.rec.publicCount() == 1 }, waitFor, tick)
	assert.Equal(t, "sent while alone", b.rec.public[0].Content)
}

func TestUndeliveredReportedOnExpiry(t *testing.T) {
	clock := newFakeClock()
	a := newTestNode(t, "alice", func(o *Options) {
		o.Now = clock.Now
		o.StoreFwdTTL = time.Minute
	})
	id, err := a.SendPrivate(proto.PeerID{9}, "nobody home")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	a.maintainOnce(clock.Now())
	require.Eventually(t, func() bool {
		a.rec.mu.Lock()
		defer a.rec.mu.Unlock()
		return len(a.rec.undelivered) == 1 && a.rec.undelivered[0] == id
	}, waitFor, tick)
}

type stuckLink struct {
	id      string
	release chan struct{}
}

func (l *stuckLink) ID() string { return l.id }
func (l *stuckLink) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.release:
		return nil, ErrLinkClosed
	}
}
func (l *stuckLink) WriteFrame(ctx context.Context, _ []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.release:
		return ErrLinkClosed
	}
}
func (l *stuckLink) Close() error {
	select {
	case <-l.release:
	default:
		close(l.release)
	}
	return nil
}

func TestQueueFullIsReported(t *testing.T) {
	a := newTestNode(t, "alice", func(o *Options) { o.QueueDepth = 1 })
	require.NoError(t, a.AttachLink(&stuckLink{id: "stuck", release: make(chan struct{})}))

	var sawFull bool
	for i := 0; i < 5 && !sawFull; i++ {
		_, err := a.SendBroadcast("x")
		sawFull = errors.Is(err, ErrQueueFull)
	}
	assert.True(t, sawFull)
	assert.NotZero(t, a.metrics.Snapshot().QueueFull)
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatalf("engine did not finish closing")
	}
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatalf("Run did not return after Close")
	}
	assert.False(t, a.SessionEstablished(b.ID()))
	assert.Zero(t, a.LinkCount())

	_, err := a.SendBroadcast("late")
	assert.ErrorIs(t, err, ErrEngineClosed)
	la, _ := NewMemoryLinkPair("x", "y", 0)
	assert.ErrorIs(t, a.AttachLink(la), ErrEngineClosed)
	assert.ErrorIs(t, a.Run(context.Background()), ErrEngineClosed)
}

func TestFragmentedBroadcastSurvivesSmallDedupWindow(t *testing.T) {
	small := func(o *Options) {
		o.DedupPerSender = 16
		o.MaxFrameSize = 256
	}
	a := newTestNode(t, "alice", small)
	b := newTestNode(t, "bob", small)
	connect(t, a, b)
	waitEstablished(t, a, b)

	content := testutil.Noise(11, 8000)
	id, err := a.SendFile(nil, "notes.bin", "application/octet-stream", content)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b.rec.mu.Lock()
		defer b.rec.mu.Unlock()
		return len(b.rec.files) == 1
	}, waitFor, tick)
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	assert.Equal(t, id, b.rec.files[0].TransferID)
	assert.Equal(t, content, b.rec.files[0].Content)
}

// replyingSink answers every private message with a read receipt from inside
// the callback, after a short pause.
type replyingSink struct {
	*recorder
	engine atomic.Pointer[Engine]
}

func (s *replyingSink) OnPrivateMessage(m Message) {
	s.recorder.OnPrivateMessage(m)
	time.Sleep(10 * time.Millisecond)
	if e := s.engine.Load(); e != nil {
		_ = e.SendReadReceipt(m.From, m.ID)
	}
}

func TestSinkMaySendWhileTransferArrives(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	sink := &replyingSink{recorder: &recorder{}}
	b := newTestNode(t, "bob", func(o *Options) {
		o.Sinks = Sinks{Messages: sink, Peers: sink, Receipts: sink, Handshakes: sink, Transfers: sink}
		o.QueueDepth = 4096
	})
	sink.engine.Store(b.Engine)
	connect(t, a, b)
	require.Eventually(t, func() bool {
		return a.SessionEstablished(b.ID()) && b.SessionEstablished(a.ID())
	}, waitFor, tick)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := a.SendPrivate(b.ID(), text)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	dst := b.ID()
	content := testutil.Noise(12, 60_000)
	_, err := a.SendFile(&dst, "big.bin", "application/octet-stream", content)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.files) == 1
	}, 2*waitFor, tick)
	require.Eventually(t, func() bool {
		a.rec.mu.Lock()
		defer a.rec.mu.Unlock()
		return len(a.rec.read) == len(ids)
	}, waitFor, tick)
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	assert.ElementsMatch(t, ids, a.rec.read)
}

// blockingSink holds the event goroutine inside OnPublicMessage until
// release is closed.
type blockingSink struct {
	*recorder
	release chan struct{}
}

func (s *blockingSink) OnPublicMessage(m Message) {
	s.recorder.OnPublicMessage(m)
	<-s.release
}

func TestEventOverflowIsDroppedAndCounted(t *testing.T) {
	sink := &blockingSink{recorder: &recorder{}, release: make(chan struct{})}
	b := newTestNode(t, "bob", func(o *Options) {
		o.RequireSignatures = false
		o.EventQueueDepth = 1
		o.Sinks = Sinks{Messages: sink}
	})
	t.Cleanup(func() { close(sink.release) })
	in := rawLink(t, b)
	src := proto.PeerID{0x51}
	for i := 0; i < 5; i++ {
		inject(t, in, publicMessage(t, src, uint64(100+i), 1, fmt.Sprintf("flood %d", i)))
	}
	require.Eventually(t, func() bool {
		return b.metrics.Snapshot().EventsDropped > 0
	}, waitFor, tick)
	assert.NoError(t, b.Err())
}

func TestUnpinnedHandshakeCannotReplaceSession(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	in := rawLink(t, b)
	mallory, err := node.NewEphemeral("mallory")
	require.NoError(t, err)
	dst := b.ID()
	forge := func(seed int64) proto.Packet {
		msg := append([]byte{0x01}, testutil.Noise(seed, 64)...)
		return proto.Packet{
			Version:   proto.Version1,
			Type:      proto.TypeNoiseHandshake,
			TTL:       1,
			Timestamp: uint64(time.Now().UnixMilli()) + uint64(seed),
			Sender:    a.ID(),
			Recipient: &dst,
			Payload:   msg,
		}
	}
	inject(t, in, forge(1))
	wrongKey, err := mallory.Sign(forge(2))
	require.NoError(t, err)
	inject(t, in, wrongKey)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.SessionEstablished(a.ID()))

	_, err = a.SendPrivate(b.ID(), "still ours")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, c := range b.rec.privateContents() {
			if c == "still ours" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestLargeFileFitsDefaultQueue(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connect(t, a, b)
	waitEstablished(t, a, b)

	content := testutil.Noise(13, 200_000)
	dst := b.ID()
	_, err := a.SendFile(&dst, "large.bin", "application/octet-stream", content)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b.rec.mu.Lock()
		defer b.rec.mu.Unlock()
		return len(b.rec.files) == 1
	}, 3*waitFor, tick)
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	assert.Equal(t, content, b.rec.files[0].Content)
}

func TestPacedSendTimesOutOnStuckLink(t *testing.T) {
	a := newTestNode(t, "alice", func(o *Options) {
		o.QueueDepth = 2
		o.EnqueueTimeout = 30 * time.Millisecond
	})
	require.NoError(t, a.AttachLink(&stuckLink{id: "stuck", release: make(chan struct{})}))

	_, err := a.SendFile(nil, "blob.bin", "application/octet-stream", testutil.Noise(14, 5000))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.NotZero(t, a.metrics.Snapshot().QueueFull)
}

// gatedLink accepts writes only once open is closed and keeps what it got.
type gatedLink struct {
	id     string
	open   chan struct{}
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	frames [][]byte
}

func newGatedLink(id string) *gatedLink {
	return &gatedLink{id: id, open: make(chan struct{}), closed: make(chan struct{})}
}

func (l *gatedLink) ID() string { return l.id }
func (l *gatedLink) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrLinkClosed
	}
}
func (l *gatedLink) WriteFrame(ctx context.Context, b []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrLinkClosed
	case <-l.open:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte{}, b...))
	return nil
}
func (l *gatedLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *gatedLink) sawType(want proto.Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.frames {
		if p, err := proto.Decode(b); err == nil && p.Type == want {
			return true
		}
	}
	return false
}

func TestDrainFlushesLeave(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	l := newGatedLink("gated")
	require.NoError(t, a.AttachLink(l))
	require.NoError(t, a.Leave())

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Drain(short), context.DeadlineExceeded)

	close(l.open)
	ctx, cancel2 := context.WithTimeout(context.Background(), waitFor)
	defer cancel2()
	require.NoError(t, a.Drain(ctx))
	assert.True(t, l.sawType(proto.TypeLeave))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Drain(ctx), ErrEngineClosed)
}
