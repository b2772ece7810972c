package mesh

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bitchatmesh/internal/peer"
	"bitchatmesh/internal/proto"
	"bitchatmesh/internal/store"
	"bitchatmesh/internal/storefwd"
)

const verifyNonceSize = 32

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// SendBroadcast floods a signed public message and returns its id. Having
// no neighbours is not an error; gossip backfills the message later.
func (e *Engine) SendBroadcast(text string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	payload, err := proto.EncodePublicMessage(proto.PublicMessage{MessageID: id, Nickname: e.self.Nickname, Content: text})
	if err != nil {
		return "", err
	}
	p, err := e.self.Sign(e.newPacket(proto.TypeMessage, nil, payload))
	if err != nil {
		return "", err
	}
	e.gossip.OnPublicPacketSeen(p)
	if err := e.originate(p, ""); err != nil && !errors.Is(err, errNoRoute) {
		return id, err
	}
	return id, nil
}

// SendPrivate encrypts text for to. Without a session, or while to is
// unreachable, the message is held and sent once a session is up.
func (e *Engine) SendPrivate(to proto.PeerID, text string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if to == e.self.ID || to.IsBroadcast() {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	id := uuid.NewString()
	body, err := proto.EncodePrivateMessage(proto.PrivateMessage{MessageID: id, Content: text})
	if err != nil {
		return "", err
	}
	plain := proto.EncodeNoisePayload(proto.NoisePayload{Kind: proto.NoisePrivateMessage, Data: body})

	mu := e.peerLock(to)
	mu.Lock()
	defer mu.Unlock()
	if e.sessions.Established(to) && e.cache.Len(to) == 0 {
		err := e.sendEncrypted(to, plain, "")
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, errNoRoute) {
			return id, err
		}
	}
	e.cache.Add(storefwd.Entry{Recipient: to, Packet: plain, MessageID: id})
	e.metrics.SetCached(e.cache.Total())
	switch {
	case e.sessions.Established(to):
		e.flush(to)
	case e.dir.IsOnline(to) && !e.sessions.Handshaking(to):
		e.startHandshake(to)
	}
	return id, nil
}

func (e *Engine) SendReadReceipt(to proto.PeerID, messageID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	mu := e.peerLock(to)
	mu.Lock()
	defer mu.Unlock()
	if !e.sessions.Established(to) {
		return fmt.Errorf("read receipt to %s: %w", to, errNoSession)
	}
	return e.sendNoise(to, proto.NoiseReadReceipt, proto.EncodeReceipt(messageID))
}

// SendFile sends content publicly when to is nil and encrypted otherwise.
// The returned id can be passed to CancelTransfer.
func (e *Engine) SendFile(to *proto.PeerID, name, mimeType string, content []byte) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	body, err := proto.EncodeFilePacket(proto.FilePacket{TransferID: id, Name: name, MimeType: mimeType, Content: content})
	if err != nil {
		return "", err
	}
	if to == nil {
		p, err := e.self.Sign(e.newPacket(proto.TypeFileTransfer, nil, body))
		if err != nil {
			return "", err
		}
		if err := e.originate(p, id); err != nil && !errors.Is(err, errNoRoute) {
			return id, err
		}
		return id, nil
	}
	dst := *to
	plain := proto.EncodeNoisePayload(proto.NoisePayload{Kind: proto.NoiseFileTransfer, Data: body})
	mu := e.peerLock(dst)
	mu.Lock()
	if !e.sessions.Established(dst) {
		mu.Unlock()
		return "", fmt.Errorf("file to %s: %w", dst, errNoSession)
	}
	ct, err := e.sessions.Encrypt(plain, dst)
	mu.Unlock()
	if err != nil {
		return "", err
	}
	// The paced send can wait on the link queue; the peer lock is not held.
	return id, e.originate(e.newPacket(proto.TypeNoiseEncrypted, &dst, ct), id)
}

// CancelTransfer stops frames of an outgoing transfer that are still
// queued. It reports whether the id was not already cancelled.
func (e *Engine) CancelTransfer(id string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if _, ok := e.cancelled[id]; ok {
		return false
	}
	e.cancelled[id] = e.now()
	return true
}

func (e *Engine) TriggerHandshake(to proto.PeerID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if _, ok := e.dir.StaticKey(to); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	mu := e.peerLock(to)
	mu.Lock()
	defer mu.Unlock()
	e.startHandshake(to)
	return nil
}

// SendVerifyChallenge asks to to sign nonce with its announced signing key.
// A nil nonce is replaced with a random one.
func (e *Engine) SendVerifyChallenge(to proto.PeerID, nonce []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(nonce) == 0 {
		nonce = make([]byte, verifyNonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
	}
	mu := e.peerLock(to)
	mu.Lock()
	defer mu.Unlock()
	if !e.sessions.Established(to) {
		return fmt.Errorf("verify %s: %w", to, errNoSession)
	}
	e.stateMu.Lock()
	e.challenges[to] = append([]byte(nil), nonce...)
	e.stateMu.Unlock()
	return e.sendNoise(to, proto.NoiseVerifyChallenge, nonce)
}

func (e *Engine) Peers() []peer.Info {
	return e.dir.List()
}

func (e *Engine) Peer(id proto.PeerID) (peer.Info, bool) {
	return e.dir.Get(id)
}

func (e *Engine) Nicknames() map[proto.PeerID]string {
	return e.dir.Nicknames()
}

func (e *Engine) SessionEstablished(id proto.PeerID) bool {
	return e.sessions.Established(id)
}

// Pending reports messages held for id.
func (e *Engine) Pending(id proto.PeerID) int {
	return e.cache.Len(id)
}

func (e *Engine) SetFavorite(id proto.PeerID, on bool) error {
	e.dir.SetFavorite(id, on)
	if e.opts.Favorites == nil {
		return nil
	}
	fav := store.Favorite{PeerID: id}
	if info, ok := e.dir.Get(id); ok {
		fav.Nickname = info.Nickname
		fav.NoiseKey = info.NoiseKey
	}
	return e.opts.Favorites.Set(fav, on)
}

func (e *Engine) announcePacket() (proto.Packet, error) {
	payload, err := proto.EncodeAnnouncement(e.self.Announcement(e.dir.DirectPeers()))
	if err != nil {
		return proto.Packet{}, err
	}
	return e.self.Sign(e.newPacket(proto.TypeAnnounce, nil, payload))
}

// Announce floods this node's identity.
func (e *Engine) Announce() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	p, err := e.announcePacket()
	if err != nil {
		return err
	}
	e.gossip.OnPublicPacketSeen(p)
	return e.originate(p, "")
}

// Leave tells every neighbour this node is going away.
func (e *Engine) Leave() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	p, err := e.self.Sign(e.newPacket(proto.TypeLeave, nil, nil))
	if err != nil {
		return err
	}
	if err := e.originate(p, ""); err != nil && !errors.Is(err, errNoRoute) {
		return err
	}
	return nil
}
