package mesh

import (
	"errors"
	"time"

	"bitchatmesh/internal/crypto"
	"bitchatmesh/internal/filter"
	"bitchatmesh/internal/peer"
	"bitchatmesh/internal/proto"
	"bitchatmesh/internal/session"
	"bitchatmesh/internal/storefwd"
)

const labelVerify = "mesh:verify:v1"

// handle acts on a validated packet that is broadcast or addressed here.
// The caller holds the sender's peer lock.
func (e *Engine) handle(rp RoutedPacket, v filter.Verdict) {
	p := rp.Packet
	switch p.Type {
	case proto.TypeAnnounce:
		e.handleAnnounce(rp, v.Announcement)
	case proto.TypeMessage:
		e.handleMessage(p)
	case proto.TypeLeave:
		e.handleLeave(p)
	case proto.TypeNoiseHandshake:
		e.handleHandshake(p)
	case proto.TypeNoiseEncrypted:
		e.handleEncrypted(p)
	case proto.TypeFragment:
		// reassembled by the router
	case proto.TypeRequestSync:
		e.handleRequestSync(rp)
	case proto.TypeFileTransfer:
		e.handleFile(p)
	default:
		e.drop(filter.Malformed.String(), rp.LinkID, nil)
	}
}

func (e *Engine) handleAnnounce(rp RoutedPacket, ann *proto.Announcement) {
	p := rp.Packet
	if ann == nil {
		a, err := proto.DecodeAnnouncement(p.Payload)
		if err != nil {
			e.drop(filter.Malformed.String(), rp.LinkID, err)
			return
		}
		ann = &a
	}
	id := p.Sender
	fresh := e.dir.State(id) == peer.StateUnknown
	e.dir.UpdateFullProfile(id, ann.Nickname, ann.NoiseKey, ann.SigningKey, false)
	direct := rp.LinkID != "" && !rp.Reassembled && p.TTL == e.opts.DefaultTTL
	if direct {
		e.dir.SetDirectConnection(id, rp.LinkID, true)
	}
	if fresh {
		e.dir.SetState(id, peer.StateAnnounced)
		e.log.Debug().Str("peer", id.String()).Str("nickname", ann.Nickname).Bool("direct", direct).Msg("peer announced")
	}
	if !e.dir.HasAnnouncedTo(id) {
		e.dir.MarkAnnouncedTo(id)
		if err := e.Announce(); err != nil && !errors.Is(err, errNoRoute) {
			e.log.Debug().Err(err).Msg("reply announce failed")
		}
	}
	if !e.sessions.Established(id) && !e.sessions.Handshaking(id) &&
		(e.sessions.ShouldInitiate(id) || e.cache.Len(id) > 0) {
		e.startHandshake(id)
	}
	if direct && fresh {
		e.gossip.ScheduleInitialSyncToPeer(id, e.opts.GossipInitialDelay)
	}
	e.flush(id)
}

func (e *Engine) handleMessage(p proto.Packet) {
	if p.IsBroadcast() {
		m, err := proto.DecodePublicMessage(p.Payload)
		if err != nil {
			e.drop(filter.Malformed.String(), "", err)
			return
		}
		msg := Message{
			ID:        m.MessageID,
			From:      p.Sender,
			Nickname:  m.Nickname,
			Content:   m.Content,
			Timestamp: packetTime(p),
		}
		if s := e.sinks.Messages; s != nil {
			e.notify(func() { s.OnPublicMessage(msg) })
		}
		return
	}
	m, err := proto.DecodePrivateMessage(p.Payload)
	if err != nil {
		e.drop(filter.Malformed.String(), "", err)
		return
	}
	e.deliverPrivate(p, m, false)
}

func (e *Engine) deliverPrivate(p proto.Packet, m proto.PrivateMessage, encrypted bool) {
	msg := Message{
		ID:        m.MessageID,
		From:      p.Sender,
		Content:   m.Content,
		Timestamp: packetTime(p),
		Private:   true,
		Encrypted: encrypted,
	}
	if info, ok := e.dir.Get(p.Sender); ok {
		msg.Nickname = info.Nickname
	}
	if s := e.sinks.Messages; s != nil {
		e.notify(func() { s.OnPrivateMessage(msg) })
	}
}

// handleLeave drops the peer. Its dedup history stays so a replayed LEAVE
// or message is still caught.
func (e *Engine) handleLeave(p proto.Packet) {
	if e.dir.Remove(p.Sender) {
		e.log.Debug().Str("peer", p.Sender.String()).Msg("peer left")
	}
}

func (e *Engine) handleHandshake(p proto.Packet) {
	if !p.IsAddressedTo(e.self.ID) {
		return
	}
	id := p.Sender
	resp, err := e.sessions.ProcessHandshakeMessage(p.Payload, id)
	if err != nil {
		e.metrics.IncHandshake("failed")
		e.log.Debug().Err(err).Str("peer", id.String()).Msg("handshake message rejected")
		return
	}
	if resp != nil {
		if e.dir.State(id) != peer.StateEstablished {
			e.dir.SetState(id, peer.StateHandshaking)
		}
		out, err := e.handshakePacket(id, resp)
		if err == nil {
			err = e.originate(out, "")
		}
		if err != nil {
			e.log.Debug().Err(err).Str("peer", id.String()).Msg("handshake response not sent")
		}
	}
	// Held messages go out only after the response is queued so the peer
	// has the session before the first ciphertext.
	if e.sessions.Established(id) {
		e.flush(id)
	}
}

func (e *Engine) handleEncrypted(p proto.Packet) {
	if !p.IsAddressedTo(e.self.ID) {
		return
	}
	id := p.Sender
	plain, err := e.sessions.Decrypt(p.Payload, id)
	switch {
	case errors.Is(err, session.ErrSessionNotEstablished):
		if !e.sessions.Handshaking(id) {
			e.startHandshake(id)
		}
		return
	case err != nil:
		e.drop("decrypt", "", err)
		return
	}
	np, err := proto.DecodeNoisePayload(plain)
	if err != nil {
		e.drop(filter.Malformed.String(), "", err)
		return
	}
	switch np.Kind {
	case proto.NoisePrivateMessage:
		m, err := proto.DecodePrivateMessage(np.Data)
		if err != nil {
			e.drop(filter.Malformed.String(), "", err)
			return
		}
		e.deliverPrivate(p, m, true)
		if err := e.sendNoise(id, proto.NoiseDelivered, proto.EncodeReceipt(m.MessageID)); err != nil {
			e.log.Debug().Err(err).Str("peer", id.String()).Msg("delivery ack not sent")
		}
	case proto.NoiseDelivered, proto.NoiseReadReceipt:
		msgID, err := proto.DecodeReceipt(np.Data)
		if err != nil {
			e.drop(filter.Malformed.String(), "", err)
			return
		}
		s := e.sinks.Receipts
		if s == nil {
			return
		}
		if np.Kind == proto.NoiseDelivered {
			e.notify(func() { s.OnDelivered(id, msgID) })
		} else {
			e.notify(func() { s.OnReadReceipt(id, msgID) })
		}
	case proto.NoiseVerifyChallenge:
		sig := e.self.Signing.Sign(verifyMessage(e.self.ID, np.Data))
		if err := e.sendNoise(id, proto.NoiseVerifyResponse, sig); err != nil {
			e.log.Debug().Err(err).Str("peer", id.String()).Msg("verify response not sent")
		}
	case proto.NoiseVerifyResponse:
		e.handleVerifyResponse(id, np.Data)
	case proto.NoiseFileTransfer:
		f, err := proto.DecodeFilePacket(np.Data)
		if err != nil {
			e.drop(filter.Malformed.String(), "", err)
			return
		}
		e.deliverFile(id, f, true)
	default:
		e.drop(filter.Malformed.String(), "", nil)
	}
}

func (e *Engine) handleVerifyResponse(id proto.PeerID, sig []byte) {
	e.stateMu.Lock()
	nonce, ok := e.challenges[id]
	delete(e.challenges, id)
	e.stateMu.Unlock()
	if !ok {
		return
	}
	key, known := e.dir.SigningKey(id)
	verified := known && crypto.Verify(key, verifyMessage(id, nonce), sig)
	if verified {
		e.dir.SetVerified(id, true)
	}
	if s := e.sinks.Handshakes; s != nil {
		e.notify(func() { s.OnVerified(id, verified) })
	}
}

func verifyMessage(responder proto.PeerID, nonce []byte) []byte {
	msg := make([]byte, 0, len(labelVerify)+proto.PeerIDSize+len(nonce))
	msg = append(msg, labelVerify...)
	msg = append(msg, responder[:]...)
	return append(msg, nonce...)
}

func (e *Engine) handleRequestSync(rp RoutedPacket) {
	if rp.LinkID == "" {
		return
	}
	req, err := proto.DecodeSyncRequest(rp.Packet.Payload)
	if err != nil {
		e.drop(filter.Malformed.String(), rp.LinkID, err)
		return
	}
	e.metrics.IncSyncReceived()
	n, err := e.gossip.HandleRequestSync(rp.Packet.Sender, req)
	e.metrics.AddBackfilled(n)
	if err != nil {
		e.log.Debug().Err(err).Str("peer", rp.Packet.Sender.String()).Msg("sync request not served")
	}
}

func (e *Engine) handleFile(p proto.Packet) {
	f, err := proto.DecodeFilePacket(p.Payload)
	if err != nil {
		e.drop(filter.Malformed.String(), "", err)
		return
	}
	e.deliverFile(p.Sender, f, !p.IsBroadcast())
}

func (e *Engine) deliverFile(from proto.PeerID, f proto.FilePacket, private bool) {
	s := e.sinks.Transfers
	if s == nil {
		return
	}
	file := File{
		TransferID: f.TransferID,
		From:       from,
		Name:       f.Name,
		MimeType:   f.MimeType,
		Content:    f.Content,
		Private:    private,
	}
	e.notify(func() { s.OnFileReceived(file) })
}

func (e *Engine) startHandshake(id proto.PeerID) {
	msg, err := e.sessions.InitiateHandshake(id)
	if err != nil {
		e.log.Debug().Err(err).Str("peer", id.String()).Msg("handshake not started")
		return
	}
	if e.dir.State(id) != peer.StateEstablished {
		e.dir.SetState(id, peer.StateHandshaking)
	}
	p, err := e.handshakePacket(id, msg)
	if err == nil {
		err = e.originate(p, "")
	}
	if err != nil {
		e.log.Debug().Err(err).Str("peer", id.String()).Msg("handshake message not sent")
	}
}

// flush sends everything held for id. Locally queued private messages
// need a session; the first one found without it stops the flush.
func (e *Engine) flush(id proto.PeerID) {
	n, err := e.cache.Flush(id, func(ent storefwd.Entry) error {
		if ent.MessageID == "" {
			return e.sendTowards(id, [][]byte{ent.Packet}, "", "")
		}
		if !e.sessions.Established(id) {
			return errNoSession
		}
		return e.sendEncrypted(id, ent.Packet, "")
	})
	e.metrics.AddFlushed(n)
	e.metrics.SetCached(e.cache.Total())
	if err != nil && !errors.Is(err, errNoSession) {
		e.log.Debug().Err(err).Str("peer", id.String()).Int("sent", n).Msg("flush stopped")
	}
}

func (e *Engine) sendNoise(to proto.PeerID, kind proto.NoiseKind, data []byte) error {
	return e.sendEncrypted(to, proto.EncodeNoisePayload(proto.NoisePayload{Kind: kind, Data: data}), "")
}

func (e *Engine) sendEncrypted(to proto.PeerID, plain []byte, transfer string) error {
	ct, err := e.sessions.Encrypt(plain, to)
	if err != nil {
		return err
	}
	return e.originate(e.newPacket(proto.TypeNoiseEncrypted, &to, ct), transfer)
}

func (e *Engine) handshakePacket(to proto.PeerID, msg []byte) (proto.Packet, error) {
	return e.self.Sign(e.newPacket(proto.TypeNoiseHandshake, &to, msg))
}

func (e *Engine) newPacket(t proto.Type, to *proto.PeerID, payload []byte) proto.Packet {
	p := proto.Packet{
		Version:   proto.Version1,
		Type:      t,
		TTL:       e.opts.DefaultTTL,
		Timestamp: e.nextTimestamp(),
		Sender:    e.self.ID,
		Payload:   payload,
	}
	if len(payload) > proto.MaxPayloadV1 {
		p.Version = proto.Version2
	}
	if to != nil {
		r := *to
		p.Recipient = &r
	}
	return p
}

func packetTime(p proto.Packet) time.Time {
	return time.UnixMilli(int64(p.Timestamp))
}
