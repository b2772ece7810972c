// Package mesh is the protocol engine: it owns the links to direct
// neighbours, routes every received packet through validation, delivery and
// relay, and exposes the command surface applications drive.
package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bitchatmesh/internal/filter"
	"bitchatmesh/internal/fragment"
	"bitchatmesh/internal/gossip"
	"bitchatmesh/internal/logging"
	"bitchatmesh/internal/metrics"
	"bitchatmesh/internal/node"
	"bitchatmesh/internal/peer"
	"bitchatmesh/internal/proto"
	"bitchatmesh/internal/session"
	"bitchatmesh/internal/store"
	"bitchatmesh/internal/storefwd"
)

var (
	ErrQueueFull    = errors.New("outbound queue full")
	ErrEngineClosed = errors.New("engine closed")
	ErrUnknownPeer  = errors.New("unknown peer")

	errNoRoute   = errors.New("no link towards peer")
	errNoSession = errors.New("no session with peer")
)

const (
	DefaultMaxFrameSize        = 512
	DefaultQueueDepth          = 256
	DefaultMaintenanceInterval = 5 * time.Second
	DefaultAnnounceInterval    = 30 * time.Second
	DefaultGossipInitialDelay  = 5 * time.Second
	DefaultEventQueueDepth     = 4096
	DefaultEnqueueTimeout      = 5 * time.Second
	peerLockStripes            = 64
)

type Options struct {
	MaxFrameSize        int
	DefaultTTL          uint8
	QueueDepth          int
	RequireSignatures   bool
	FragmentTimeout     time.Duration
	HandshakeTimeout    time.Duration
	PeerTimeout         time.Duration
	DedupPerSender      int
	StoreFwdPerPeer     int
	StoreFwdTTL         time.Duration
	GossipCapacity      int
	GossipFPRate        float64
	GossipMaxFilter     int
	GossipInterval      time.Duration
	GossipInitialDelay  time.Duration
	AnnounceInterval    time.Duration
	MaintenanceInterval time.Duration
	// EventQueueDepth bounds sink notifications waiting for the
	// application. Overflow is dropped and counted.
	EventQueueDepth int
	// EnqueueTimeout bounds how long a multi-frame send waits for room in
	// a link queue.
	EnqueueTimeout time.Duration

	// Favorites persists favorite peers when set.
	Favorites *store.Favorites
	Metrics   *metrics.Metrics
	Sinks     Sinks
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.DefaultTTL == 0 {
		o.DefaultTTL = proto.DefaultTTL
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = DefaultAnnounceInterval
	}
	if o.GossipInitialDelay <= 0 {
		o.GossipInitialDelay = DefaultGossipInitialDelay
	}
	if o.EventQueueDepth <= 0 {
		o.EventQueueDepth = DefaultEventQueueDepth
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RoutedPacket is a packet in flight through the router. LinkID is empty
// for locally originated packets.
type RoutedPacket struct {
	Packet      proto.Packet
	LinkID      string
	TransferID  string
	Reassembled bool
}

type outFrame struct {
	data     []byte
	transfer string
	// abort is shared by the frames of one paced batch; once set the
	// writer skips what is left of it.
	abort *atomic.Bool
}

type linkState struct {
	link   Link
	out    chan outFrame
	ctx    context.Context
	cancel context.CancelFunc
	// queued counts frames accepted but not yet written or skipped.
	queued atomic.Int64
}

type Engine struct {
	self    *node.Node
	opts    Options
	log     zerolog.Logger
	dropLog *logging.RateLimiter
	metrics *metrics.Metrics
	sinks   Sinks
	now     func() time.Time

	dir       *peer.Directory
	filter    *filter.Filter
	sessions  *session.Manager
	assembler *fragment.Assembler
	cache     *storefwd.Cache
	gossip    *gossip.Synchronizer

	ctx       context.Context
	cancel    context.CancelFunc
	tasks     errgroup.Group
	runs      sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	closed   bool
	links    map[string]*linkState
	fatalErr error

	evMu    sync.Mutex
	evQueue []func()
	evWake  chan struct{}

	clockMu sync.Mutex
	lastTS  uint64

	peerLocks [peerLockStripes]sync.Mutex

	stateMu    sync.Mutex
	challenges map[proto.PeerID][]byte
	cancelled  map[string]time.Time
}

func New(self *node.Node, opts Options) (*Engine, error) {
	if self == nil {
		return nil, fmt.Errorf("missing local identity")
	}
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("component", "engine").Str("peer_id", self.ID.String()).Logger()
	e := &Engine{
		self:       self,
		opts:       opts,
		log:        log,
		dropLog:    logging.NewRateLimiter(time.Second),
		metrics:    opts.Metrics,
		sinks:      opts.Sinks,
		now:        opts.Now,
		evWake:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		links:      make(map[string]*linkState),
		challenges: make(map[proto.PeerID][]byte),
		cancelled:  make(map[string]time.Time),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.dir = peer.NewDirectory(peer.Options{Timeout: opts.PeerTimeout, Logger: opts.Logger, Now: opts.Now})
	e.filter = filter.New(filter.Options{
		LocalID:           self.ID,
		Keys:              e.dir,
		PerSender:         opts.DedupPerSender,
		RequireSignatures: opts.RequireSignatures,
		Logger:            opts.Logger,
	})
	e.sessions = session.NewManager(self, e.dir, session.Options{
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           opts.Logger,
		OnEstablished:    e.onEstablished,
		Now:              opts.Now,
	})
	e.assembler = fragment.NewAssembler(fragment.Options{
		Timeout:  opts.FragmentTimeout,
		Logger:   opts.Logger,
		Now:      opts.Now,
		Progress: e.onFragmentProgress,
	})
	e.cache = storefwd.New(cachePolicy{dir: e.dir}, storefwd.Options{
		PerPeer: opts.StoreFwdPerPeer,
		TTL:     opts.StoreFwdTTL,
		Logger:  opts.Logger,
		Now:     opts.Now,
	})
	e.gossip = gossip.New(gossipSender{e: e}, e.dir, gossip.Options{
		Capacity:       opts.GossipCapacity,
		FPRate:         opts.GossipFPRate,
		MaxFilterBytes: opts.GossipMaxFilter,
		Interval:       opts.GossipInterval,
		Logger:         opts.Logger,
	})
	e.dir.AddRemovalListener(hooks{e: e})
	e.dir.AddRemovalListener(e.gossip)
	e.dir.AddChangeListener(hooks{e: e})

	if opts.Favorites != nil {
		for _, fav := range opts.Favorites.List() {
			e.dir.SetFavorite(fav.PeerID, true)
		}
	}
	e.tasks.Go(func() error {
		e.dispatch()
		return nil
	})
	return e, nil
}

func (e *Engine) ID() proto.PeerID { return e.self.ID }

// Done is closed once Close has finished.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports the fatal error that closed the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

// AttachLink starts the reader and writer for link and announces this node
// on it.
func (e *Engine) AttachLink(link Link) error {
	id := link.ID()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = link.Close()
		return ErrEngineClosed
	}
	if _, dup := e.links[id]; dup {
		e.mu.Unlock()
		return fmt.Errorf("link %s already attached", id)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	ls := &linkState{link: link, out: make(chan outFrame, e.opts.QueueDepth), ctx: ctx, cancel: cancel}
	e.links[id] = ls
	e.tasks.Go(func() error {
		e.readLoop(ctx, ls)
		return nil
	})
	e.tasks.Go(func() error {
		e.writeLoop(ctx, ls)
		return nil
	})
	e.mu.Unlock()

	e.log.Info().Str("link", id).Msg("link attached")
	p, err := e.announcePacket()
	if err != nil {
		return err
	}
	enc, err := proto.Encode(p)
	if err != nil {
		return err
	}
	return e.sendFrames(ls, [][]byte{enc}, "")
}

func (e *Engine) readLoop(ctx context.Context, ls *linkState) {
	defer e.detach(ls)
	for {
		frame, err := ls.link.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Debug().Err(err).Str("link", ls.link.ID()).Msg("link read ended")
			}
			return
		}
		e.handleFrame(ls.link.ID(), frame)
	}
}

func (e *Engine) writeLoop(ctx context.Context, ls *linkState) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ls.out:
			if (f.abort != nil && f.abort.Load()) || (f.transfer != "" && e.transferCancelled(f.transfer)) {
				ls.queued.Add(-1)
				continue
			}
			err := ls.link.WriteFrame(ctx, f.data)
			ls.queued.Add(-1)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Debug().Err(err).Str("link", ls.link.ID()).Msg("link write failed")
				}
				_ = ls.link.Close()
				return
			}
		}
	}
}

// detach forgets ls and every peer that was reachable only through it.
func (e *Engine) detach(ls *linkState) {
	id := ls.link.ID()
	e.mu.Lock()
	if e.links[id] == ls {
		delete(e.links, id)
	}
	e.mu.Unlock()
	ls.cancel()
	_ = ls.link.Close()
	removed := e.dir.RemoveByLink(id)
	e.log.Info().Str("link", id).Int("peers_removed", len(removed)).Msg("link detached")
}

func (e *Engine) linkByID(id string) (*linkState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.links[id]
	return ls, ok
}

func (e *Engine) linksExcept(exclude string) []*linkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*linkState, 0, len(e.links))
	for id, ls := range e.links {
		if id != exclude {
			out = append(out, ls)
		}
	}
	return out
}

// LinkCount reports attached links.
func (e *Engine) LinkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

// Run drives maintenance, periodic announces and gossip rounds until ctx
// is done or the engine closes.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.runs.Add(1)
	e.mu.Unlock()
	defer e.runs.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.maintain(gctx) })
	g.Go(func() error { return e.gossip.Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (e *Engine) maintain(ctx context.Context) error {
	tick := time.NewTicker(e.opts.MaintenanceInterval)
	defer tick.Stop()
	announce := time.NewTicker(e.opts.AnnounceInterval)
	defer announce.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			e.maintainOnce(e.now())
		case <-announce.C:
			if err := e.Announce(); err != nil {
				e.log.Debug().Err(err).Msg("periodic announce failed")
			}
		}
	}
}

func (e *Engine) maintainOnce(now time.Time) {
	if n := e.assembler.Expire(now); n > 0 {
		e.metrics.AddFragmentsExpired(n)
	}
	for _, id := range e.sessions.Expire(now) {
		e.metrics.IncHandshake("timeout")
		if e.dir.State(id) == peer.StateHandshaking {
			e.dir.SetState(id, peer.StateAnnounced)
		}
	}
	e.dir.ExpireStale(now)
	for _, ent := range e.cache.Expire(now) {
		if ent.MessageID == "" {
			continue
		}
		to, id := ent.Recipient, ent.MessageID
		if s := e.sinks.Receipts; s != nil {
			e.notify(func() { s.OnUndelivered(to, id) })
		}
	}
	e.metrics.SetCached(e.cache.Total())
	e.metrics.SetActivePeers(e.dir.ActivePeerCount())

	cutoff := now.Add(-2 * e.assemblerTimeout())
	e.stateMu.Lock()
	for id, at := range e.cancelled {
		if at.Before(cutoff) {
			delete(e.cancelled, id)
		}
	}
	e.stateMu.Unlock()
}

func (e *Engine) assemblerTimeout() time.Duration {
	if e.opts.FragmentTimeout > 0 {
		return e.opts.FragmentTimeout
	}
	return fragment.DefaultTimeout
}

// Close stops every task, closes all links and wipes session and gossip
// state. It returns once no engine goroutine is running. Safe to call more
// than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		links := make([]*linkState, 0, len(e.links))
		for _, ls := range e.links {
			links = append(links, ls)
		}
		e.mu.Unlock()

		e.cancel()
		for _, ls := range links {
			_ = ls.link.Close()
		}
		e.gossip.Close()
		_ = e.tasks.Wait()
		e.runs.Wait()
		e.sessions.Close()
		e.log.Info().Msg("engine closed")
		close(e.done)
	})
	return nil
}

// fail closes the engine after a resource-exhaustion error.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.mu.Unlock()
	e.log.Error().Err(err).Msg("fatal engine error, closing")
	go func() { _ = e.Close() }()
}

func (e *Engine) dispatch() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.evWake:
		}
		e.evMu.Lock()
		batch := e.evQueue
		e.evQueue = nil
		e.evMu.Unlock()
		for _, fn := range batch {
			if e.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// notify queues a sink callback and never blocks, so it is safe under peer
// locks. Callbacks run in order on one goroutine. A full queue drops fn.
func (e *Engine) notify(fn func()) {
	e.evMu.Lock()
	if len(e.evQueue) >= e.opts.EventQueueDepth {
		e.evMu.Unlock()
		e.metrics.IncEventsDropped()
		if ev := e.dropLog.Debug(e.log, "event_overflow"); ev != nil {
			ev.Int("depth", e.opts.EventQueueDepth).Msg("event queue full, notification dropped")
		}
		return
	}
	e.evQueue = append(e.evQueue, fn)
	e.evMu.Unlock()
	select {
	case e.evWake <- struct{}{}:
	default:
	}
}

// Drain waits until every link has written what it has queued, or ctx is
// done. Call it before Close to let a final LEAVE go out.
func (e *Engine) Drain(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		idle := true
		for _, ls := range e.linksExcept("") {
			if ls.queued.Load() > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrEngineClosed
		case <-tick.C:
		}
	}
}

// nextTimestamp returns wall-clock milliseconds, bumped so that no two
// local packets share a timestamp.
func (e *Engine) nextTimestamp() uint64 {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	ts := uint64(e.now().UnixMilli())
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

func (e *Engine) peerLock(id proto.PeerID) *sync.Mutex {
	return &e.peerLocks[binary.BigEndian.Uint64(id[:])%peerLockStripes]
}

func (e *Engine) drop(reason, linkID string, err error) {
	e.metrics.IncDropped(reason)
	ev := e.dropLog.Debug(e.log, reason)
	if ev == nil {
		return
	}
	ev.Str("reason", reason).Str("link", linkID).Err(err).Msg("packet dropped")
}

func (e *Engine) transferCancelled(id string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	_, ok := e.cancelled[id]
	return ok
}

func (e *Engine) onFragmentProgress(sender proto.PeerID, id proto.TransferID, received, total int) {
	s := e.sinks.Transfers
	if s == nil {
		return
	}
	tid := id.String()
	e.notify(func() { s.OnTransferProgress(sender, tid, received, total) })
}

func (e *Engine) onEstablished(id proto.PeerID) {
	e.dir.SetState(id, peer.StateEstablished)
	e.metrics.IncHandshake("established")
	e.log.Debug().Str("peer", id.String()).Msg("session established")
	if s := e.sinks.Handshakes; s != nil {
		e.notify(func() { s.OnHandshakeComplete(id) })
	}
}

type hooks struct{ e *Engine }

// PeerRemoved releases the session, partial transfers and pending
// verification of a removed peer. Dedup history is kept.
func (h hooks) PeerRemoved(id proto.PeerID) {
	h.e.sessions.Remove(id)
	h.e.assembler.Forget(id)
	h.e.stateMu.Lock()
	delete(h.e.challenges, id)
	h.e.stateMu.Unlock()
}

func (h hooks) PeersChanged() {
	e := h.e
	e.metrics.SetActivePeers(e.dir.ActivePeerCount())
	s := e.sinks.Peers
	if s == nil {
		return
	}
	names := make(map[string]string)
	for id, nick := range e.dir.Nicknames() {
		names[id.String()] = nick
	}
	e.notify(func() { s.OnPeerListUpdated(names) })
}

type cachePolicy struct{ dir *peer.Directory }

func (c cachePolicy) IsFavorite(id proto.PeerID) bool   { return c.dir.IsFavorite(id) }
func (c cachePolicy) IsPeerOnline(id proto.PeerID) bool { return c.dir.IsOnline(id) }

type gossipSender struct{ e *Engine }

func (g gossipSender) SendSyncRequest(to proto.PeerID, req proto.SyncRequest) error {
	payload, err := proto.EncodeSyncRequest(req)
	if err != nil {
		return err
	}
	p := proto.Packet{
		Version:   proto.Version1,
		Type:      proto.TypeRequestSync,
		Timestamp: g.e.nextTimestamp(),
		Sender:    g.e.self.ID,
		Recipient: &to,
		Payload:   payload,
	}
	if err := g.e.sendDirect(to, p); err != nil {
		return err
	}
	g.e.metrics.IncSyncSent()
	return nil
}

func (g gossipSender) SendBackfill(to proto.PeerID, p proto.Packet) error {
	return g.e.sendDirect(to, p)
}

// sendDirect writes p only on the direct link to id, unfragmented.
func (e *Engine) sendDirect(to proto.PeerID, p proto.Packet) error {
	linkID, ok := e.dir.DirectLink(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	ls, ok := e.linkByID(linkID)
	if !ok {
		return fmt.Errorf("%w: %s", errNoRoute, to)
	}
	enc, err := proto.Encode(p)
	if err != nil {
		return err
	}
	return e.sendFrames(ls, [][]byte{enc}, "")
}
