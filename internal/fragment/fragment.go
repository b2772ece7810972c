// Package fragment splits packets that exceed a link's frame size and
// reassembles them on the far side.
package fragment

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitchatmesh/internal/proto"
)

var (
	ErrTransferTimeout  = errors.New("fragment transfer timed out")
	ErrTooManyFragments = errors.New("too many fragments")
	ErrBufferExhausted  = errors.New("fragment buffer exhausted")
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxBufferedBytes = 8 << 20
	DefaultMaxTransfers     = 128

	// MaxFragments bounds Total. No packet needs more pieces than its
	// largest encoding split into minChunk byte chunks.
	MaxFragments = (proto.MaxFrameSize + minChunk - 1) / minChunk
	minChunk     = 64

	// pieceOverhead is charged against the budget for every stored piece.
	pieceOverhead = 32
)

func NewTransferID() proto.TransferID {
	var id proto.TransferID
	_, _ = rand.Read(id[:])
	return id
}

// Fragment splits the encoding of p into FRAGMENT packets whose encodings
// fit maxFrameSize. A packet that already fits is returned unchanged. clock
// supplies one timestamp per fragment.
func Fragment(p proto.Packet, maxFrameSize int, id proto.TransferID, clock func() uint64) ([]proto.Packet, error) {
	enc, err := proto.Encode(p)
	if err != nil {
		return nil, err
	}
	if len(enc) <= maxFrameSize {
		return []proto.Packet{p}, nil
	}
	overhead := proto.HeaderSizeV1 + proto.PeerIDSize + proto.FragmentHeaderSize
	if p.Recipient != nil {
		overhead += proto.PeerIDSize
	}
	chunk := maxFrameSize - overhead
	if limit := proto.MaxPayloadV1 - proto.FragmentHeaderSize; chunk > limit {
		chunk = limit
	}
	if chunk <= 0 {
		return nil, fmt.Errorf("frame size %d too small for fragments", maxFrameSize)
	}
	total := (len(enc) + chunk - 1) / chunk
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, total)
	}
	out := make([]proto.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(enc) {
			end = len(enc)
		}
		h := proto.FragmentHeader{TransferID: id, Index: uint16(i), Total: uint16(total), OriginalType: p.Type}
		frag := proto.Packet{
			Version:   proto.Version1,
			Type:      proto.TypeFragment,
			TTL:       p.TTL,
			Timestamp: clock(),
			Sender:    p.Sender,
			Payload:   proto.EncodeFragment(h, enc[start:end]),
		}
		if p.Recipient != nil {
			r := *p.Recipient
			frag.Recipient = &r
		}
		out = append(out, frag)
	}
	return out, nil
}

type key struct {
	sender proto.PeerID
	id     proto.TransferID
}

type buffer struct {
	total    uint16
	origType proto.Type
	pieces   map[uint16][]byte
	have     int
	bytes    int
	created  time.Time
}

type Options struct {
	Timeout          time.Duration
	MaxBufferedBytes int
	MaxTransfers     int
	Logger           zerolog.Logger
	Now              func() time.Time
	// Progress reports each newly stored piece.
	Progress func(sender proto.PeerID, id proto.TransferID, received, total int)
}

type Assembler struct {
	timeout  time.Duration
	maxBytes int
	maxXfers int
	log      zerolog.Logger
	now      func() time.Time
	progress func(proto.PeerID, proto.TransferID, int, int)

	mu       sync.Mutex
	buffers  map[key]*buffer
	rejected map[key]time.Time
	buffered int
}

func NewAssembler(opts Options) *Assembler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if opts.MaxTransfers <= 0 {
		opts.MaxTransfers = DefaultMaxTransfers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Assembler{
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBufferedBytes,
		maxXfers: opts.MaxTransfers,
		log:      opts.Logger.With().Str("component", "fragment").Logger(),
		now:      opts.Now,
		progress: opts.Progress,
		buffers:  make(map[key]*buffer),
		rejected: make(map[key]time.Time),
	}
}

// Handle stores one fragment. It returns the original packet and true once
// every index of the transfer has arrived.
func (a *Assembler) Handle(frag proto.Packet) (proto.Packet, bool, error) {
	if frag.Type != proto.TypeFragment {
		return proto.Packet{}, false, fmt.Errorf("%w: not a fragment", proto.ErrMalformed)
	}
	h, chunk, err := proto.DecodeFragment(frag.Payload)
	if err != nil {
		return proto.Packet{}, false, err
	}
	if int(h.Total) > MaxFragments {
		return proto.Packet{}, false, fmt.Errorf("%w: total %d", ErrTooManyFragments, h.Total)
	}
	cost := len(chunk) + pieceOverhead
	if cost > a.maxBytes {
		return proto.Packet{}, false, ErrBufferExhausted
	}
	k := key{sender: frag.Sender, id: h.TransferID}
	now := a.now()

	a.mu.Lock()
	if until, ok := a.rejected[k]; ok {
		if now.Before(until) {
			a.mu.Unlock()
			return proto.Packet{}, false, ErrTransferTimeout
		}
		delete(a.rejected, k)
	}
	buf, ok := a.buffers[k]
	if ok && now.Sub(buf.created) >= a.timeout {
		a.expireLocked(k, buf, now)
		a.mu.Unlock()
		return proto.Packet{}, false, ErrTransferTimeout
	}
	if !ok {
		for len(a.buffers) >= a.maxXfers && a.evictOldestLocked(nil) {
		}
		buf = &buffer{total: h.Total, origType: h.OriginalType, pieces: make(map[uint16][]byte), created: now}
		a.buffers[k] = buf
	}
	if h.Total != buf.total || h.OriginalType != buf.origType {
		a.mu.Unlock()
		return proto.Packet{}, false, fmt.Errorf("%w: fragment %d/%d inconsistent with transfer %s", proto.ErrMalformed, h.Index, h.Total, h.TransferID)
	}
	if _, dup := buf.pieces[h.Index]; dup {
		a.mu.Unlock()
		return proto.Packet{}, false, nil
	}
	for a.buffered+cost > a.maxBytes && a.evictOldestLocked(&k) {
	}
	if a.buffered+cost > a.maxBytes {
		a.expireLocked(k, buf, now)
		a.mu.Unlock()
		return proto.Packet{}, false, ErrBufferExhausted
	}
	buf.pieces[h.Index] = append([]byte{}, chunk...)
	buf.have++
	buf.bytes += cost
	a.buffered += cost
	received, total := buf.have, int(buf.total)
	var joined []byte
	if buf.have == int(buf.total) {
		joined = make([]byte, 0, buf.bytes)
		for i := uint16(0); i < buf.total; i++ {
			joined = append(joined, buf.pieces[i]...)
		}
		a.dropLocked(k, buf)
	}
	a.mu.Unlock()

	if a.progress != nil {
		a.progress(frag.Sender, h.TransferID, received, total)
	}
	if joined == nil {
		return proto.Packet{}, false, nil
	}
	p, err := proto.Decode(joined)
	if err != nil {
		return proto.Packet{}, false, err
	}
	if p.Sender != frag.Sender || p.Type != h.OriginalType {
		return proto.Packet{}, false, fmt.Errorf("%w: reassembled packet does not match its fragments", proto.ErrMalformed)
	}
	return p, true, nil
}

// Expire drops buffers older than the timeout and returns how many were
// dropped. Their transfer ids stay rejected for twice the timeout.
func (a *Assembler) Expire(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k, buf := range a.buffers {
		if now.Sub(buf.created) >= a.timeout {
			a.expireLocked(k, buf, now)
			n++
		}
	}
	for k, until := range a.rejected {
		if !now.Before(until) {
			delete(a.rejected, k)
		}
	}
	return n
}

// Abort discards a transfer, as if it had timed out.
func (a *Assembler) Abort(sender proto.PeerID, id proto.TransferID) bool {
	k := key{sender: sender, id: id}
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[k]
	if ok {
		a.expireLocked(k, buf, a.now())
	}
	return ok
}

// Forget drops every buffer from sender.
func (a *Assembler) Forget(sender proto.PeerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, buf := range a.buffers {
		if k.sender == sender {
			a.dropLocked(k, buf)
		}
	}
}

func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

func (a *Assembler) BufferedBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffered
}

func (a *Assembler) expireLocked(k key, buf *buffer, now time.Time) {
	a.dropLocked(k, buf)
	a.rejected[k] = now.Add(2 * a.timeout)
	a.log.Debug().Err(ErrTransferTimeout).Str("sender", k.sender.String()).Str("transfer", k.id.String()).
		Int("have", buf.have).Int("total", int(buf.total)).Msg("dropped incomplete transfer")
}

func (a *Assembler) dropLocked(k key, buf *buffer) {
	a.buffered -= buf.bytes
	delete(a.buffers, k)
}

// evictOldestLocked expires the oldest buffer other than keep.
func (a *Assembler) evictOldestLocked(keep *key) bool {
	var oldestKey key
	var oldest *buffer
	for k, buf := range a.buffers {
		if keep != nil && k == *keep {
			continue
		}
		if oldest == nil || buf.created.Before(oldest.created) {
			oldestKey, oldest = k, buf
		}
	}
	if oldest == nil {
		return false
	}
	a.expireLocked(oldestKey, oldest, a.now())
	return true
}
