package mesh

import (
	"errors"
	"sync/atomic"
	"time"

	"bitchatmesh/internal/filter"
	"bitchatmesh/internal/fragment"
	"bitchatmesh/internal/proto"
)

func (e *Engine) handleFrame(linkID string, frame []byte) {
	p, err := proto.Decode(frame)
	if err != nil {
		e.drop(filter.Malformed.String(), linkID, err)
		return
	}
	e.metrics.IncReceived(p.Type.String())
	e.route(RoutedPacket{Packet: p, LinkID: linkID})
}

// route runs rp through the pipeline. A reassembled packet goes around
// once more as if it had just arrived.
func (e *Engine) route(rp RoutedPacket) {
	for {
		next, again := e.routeOnce(rp)
		if !again {
			return
		}
		rp = next
	}
}

func (e *Engine) routeOnce(rp RoutedPacket) (RoutedPacket, bool) {
	p := rp.Packet
	var v filter.Verdict
	if rp.Reassembled {
		v = e.filter.ValidateReassembled(p, rp.LinkID)
	} else {
		v = e.filter.Validate(p, rp.LinkID)
	}
	if !v.Accept {
		e.drop(v.Reason.String(), rp.LinkID, nil)
		return RoutedPacket{}, false
	}

	mu := e.peerLock(p.Sender)
	mu.Lock()
	defer mu.Unlock()

	e.dir.MarkLastSeen(p.Sender)
	e.gossip.OnPublicPacketSeen(p)
	local := p.IsBroadcast() || p.IsAddressedTo(e.self.ID)

	if p.Type == proto.TypeFragment {
		e.relay(rp)
		if !local {
			return RoutedPacket{}, false
		}
		return e.reassemble(rp)
	}
	if local {
		e.metrics.IncDelivered(p.Type.String())
		e.handle(rp, v)
	}
	if !rp.Reassembled {
		e.relay(rp)
	}
	return RoutedPacket{}, false
}

func (e *Engine) reassemble(rp RoutedPacket) (RoutedPacket, bool) {
	inner, done, err := e.assembler.Handle(rp.Packet)
	switch {
	case errors.Is(err, fragment.ErrBufferExhausted):
		e.fail(err)
		return RoutedPacket{}, false
	case errors.Is(err, fragment.ErrTransferTimeout):
		e.drop("transfer_timeout", rp.LinkID, err)
		return RoutedPacket{}, false
	case err != nil:
		e.drop(filter.Malformed.String(), rp.LinkID, err)
		return RoutedPacket{}, false
	case !done:
		return RoutedPacket{}, false
	}
	e.metrics.IncReassembled()
	var tid string
	if h, _, err := proto.DecodeFragment(rp.Packet.Payload); err == nil {
		tid = h.TransferID.String()
	}
	return RoutedPacket{Packet: inner, LinkID: rp.LinkID, TransferID: tid, Reassembled: true}, true
}

// relay forwards rp with its TTL decremented. Packets addressed to this
// node, link-local sync requests and packets whose TTL would reach zero
// stay here.
func (e *Engine) relay(rp RoutedPacket) {
	p := rp.Packet
	if p.Type == proto.TypeRequestSync || p.IsAddressedTo(e.self.ID) || p.TTL <= 1 {
		return
	}
	out := p.WithTTL(p.TTL - 1)
	enc, err := proto.Encode(out)
	if err != nil {
		e.log.Debug().Err(err).Msg("re-encode for relay failed")
		return
	}
	frames := [][]byte{enc}
	if p.IsBroadcast() {
		err = e.flood(frames, rp.LinkID, "")
	} else {
		to := *p.Recipient
		if cacheable(p.Type) && e.cache.ShouldCache(to) {
			e.cache.Cache(to, enc)
			e.metrics.SetCached(e.cache.Total())
		}
		err = e.sendTowards(to, frames, rp.LinkID, "")
	}
	switch {
	case err == nil:
		e.metrics.IncRelayed()
	case errors.Is(err, errNoRoute):
	default:
		e.log.Debug().Err(err).Str("type", p.Type.String()).Msg("relay failed")
	}
}

// cacheable reports the private packet types worth holding for an offline
// recipient. Handshake messages go stale before they could be flushed.
func cacheable(t proto.Type) bool {
	switch t {
	case proto.TypeMessage, proto.TypeNoiseEncrypted, proto.TypeFragment, proto.TypeFileTransfer:
		return true
	}
	return false
}

// originate sends a locally built packet, fragmenting it when the encoding
// exceeds the frame size.
func (e *Engine) originate(p proto.Packet, transfer string) error {
	frames, err := e.encodeForWire(p)
	if err != nil {
		return err
	}
	if p.IsBroadcast() {
		return e.flood(frames, "", transfer)
	}
	return e.sendTowards(*p.Recipient, frames, "", transfer)
}

func (e *Engine) encodeForWire(p proto.Packet) ([][]byte, error) {
	enc, err := proto.Encode(p)
	if err != nil {
		return nil, err
	}
	if len(enc) <= e.opts.MaxFrameSize {
		return [][]byte{enc}, nil
	}
	frags, err := fragment.Fragment(p, e.opts.MaxFrameSize, fragment.NewTransferID(), e.nextTimestamp)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(frags))
	for _, f := range frags {
		b, err := proto.Encode(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// sendTowards uses the recipient's direct link when there is one and floods
// every other link otherwise. The arrival link never gets the packet back.
func (e *Engine) sendTowards(to proto.PeerID, frames [][]byte, exclude, transfer string) error {
	if linkID, ok := e.dir.DirectLink(to); ok {
		if linkID == exclude {
			return errNoRoute
		}
		if ls, ok := e.linkByID(linkID); ok {
			return e.sendFrames(ls, frames, transfer)
		}
	}
	return e.flood(frames, exclude, transfer)
}

// flood queues frames on every link but exclude. It fails only when no link
// took them.
func (e *Engine) flood(frames [][]byte, exclude, transfer string) error {
	links := e.linksExcept(exclude)
	if len(links) == 0 {
		return errNoRoute
	}
	var lastErr error
	sent := 0
	for _, ls := range links {
		if err := e.sendFrames(ls, frames, transfer); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return lastErr
	}
	return nil
}

// sendFrames queues frames on ls. A single frame is queued only if there is
// room right now. A multi-frame batch waits for room, frame by frame, up to
// EnqueueTimeout each; on failure the part already queued is skipped by the
// writer so the receiver never sees a partial transfer.
func (e *Engine) sendFrames(ls *linkState, frames [][]byte, transfer string) error {
	if len(frames) == 1 {
		ls.queued.Add(1)
		select {
		case ls.out <- outFrame{data: frames[0], transfer: transfer}:
			return nil
		default:
			ls.queued.Add(-1)
			e.metrics.IncQueueFull()
			return ErrQueueFull
		}
	}
	abort := new(atomic.Bool)
	timer := time.NewTimer(e.opts.EnqueueTimeout)
	defer timer.Stop()
	for i, f := range frames {
		if i > 0 {
			timer.Reset(e.opts.EnqueueTimeout)
		}
		var err error
		ls.queued.Add(1)
		select {
		case ls.out <- outFrame{data: f, transfer: transfer, abort: abort}:
			continue
		case <-timer.C:
			e.metrics.IncQueueFull()
			err = ErrQueueFull
		case <-ls.ctx.Done():
			err = ErrLinkClosed
		}
		ls.queued.Add(-1)
		abort.Store(true)
		return err
	}
	return nil
}
