// Package session runs the two-message key exchange between peers and the
// per-peer encrypted channel built on it.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitchatmesh/internal/crypto"
	"bitchatmesh/internal/node"
	"bitchatmesh/internal/proto"
)

var (
	ErrSessionNotEstablished = errors.New("session not established")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrHandshakeTimeout      = errors.New("handshake timed out")
	ErrNoStaticKey           = errors.New("no static key for peer")
)

const (
	msgInit     byte = 0x01
	msgResponse byte = 0x02

	ephemeralSize    = 32
	handshakeNonce   = 32
	handshakeMsgSize = 1 + ephemeralSize + handshakeNonce
	counterSize      = 8
	replayWindow     = 64

	labelTranscript = "mesh:hs:v1"

	defaultHandshakeTimeout = 10 * time.Second
)

// StaticKeys resolves the long-term X25519 key of a remote peer.
type StaticKeys interface {
	StaticKey(id proto.PeerID) ([]byte, bool)
}

type Options struct {
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
	// OnEstablished runs after a session is installed, outside the manager
	// lock.
	OnEstablished func(id proto.PeerID)
	Now           func() time.Time
}

type state struct {
	mu            sync.Mutex
	sendKey       []byte
	recvKey       []byte
	nonceBaseSend []byte
	nonceBaseRecv []byte
	sendCounter   uint64
	recvHighest   uint64
	recvBitmap    uint64
	haveRecv      bool
	established   time.Time
}

type pendingHandshake struct {
	ephemeral *crypto.Ephemeral
	msg1      []byte
	created   time.Time
}

type Manager struct {
	local   *node.Node
	keys    StaticKeys
	timeout time.Duration
	log     zerolog.Logger
	onEst   func(proto.PeerID)
	now     func() time.Time

	mu       sync.Mutex
	sessions map[proto.PeerID]*state
	pending  map[proto.PeerID]*pendingHandshake
	lastMsg1 map[proto.PeerID][32]byte
}

func NewManager(local *node.Node, keys StaticKeys, opts Options) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		local:    local,
		keys:     keys,
		timeout:  opts.HandshakeTimeout,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		onEst:    opts.OnEstablished,
		now:      opts.Now,
		sessions: make(map[proto.PeerID]*state),
		pending:  make(map[proto.PeerID]*pendingHandshake),
		lastMsg1: make(map[proto.PeerID][32]byte),
	}
}

// ShouldInitiate applies the tie-break: the lower id initiates.
func (m *Manager) ShouldInitiate(id proto.PeerID) bool {
	return m.local.ID.Less(id)
}

func (m *Manager) Established(id proto.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *Manager) Handshaking(id proto.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	return ok && m.now().Sub(p.created) < m.timeout
}

// InitiateHandshake returns the first handshake message for id. A live
// pending handshake is retransmitted rather than replaced.
func (m *Manager) InitiateHandshake(id proto.PeerID) ([]byte, error) {
	if _, ok := m.keys.StaticKey(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStaticKey, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if p, ok := m.pending[id]; ok {
		if now.Sub(p.created) < m.timeout {
			return append([]byte(nil), p.msg1...), nil
		}
		p.ephemeral.Destroy()
		delete(m.pending, id)
	}
	eph, msg, err := newHandshakeMessage(msgInit)
	if err != nil {
		return nil, err
	}
	m.pending[id] = &pendingHandshake{ephemeral: eph, msg1: msg, created: now}
	return append([]byte(nil), msg...), nil
}

// ProcessHandshakeMessage consumes a handshake message from id and returns
// the reply to send, or nil when none is due.
func (m *Manager) ProcessHandshakeMessage(data []byte, id proto.PeerID) ([]byte, error) {
	if len(data) != handshakeMsgSize {
		return nil, fmt.Errorf("%w: handshake message size %d", ErrAuthenticationFailed, len(data))
	}
	switch data[0] {
	case msgInit:
		return m.respond(data, id)
	case msgResponse:
		return nil, m.complete(data, id)
	}
	return nil, fmt.Errorf("%w: handshake message kind 0x%02x", ErrAuthenticationFailed, data[0])
}

func (m *Manager) respond(msg1 []byte, id proto.PeerID) ([]byte, error) {
	remoteStatic, ok := m.keys.StaticKey(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStaticKey, id)
	}
	hash := sha3Array(msg1)

	m.mu.Lock()
	if last, ok := m.lastMsg1[id]; ok && last == hash {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: handshake replay", ErrAuthenticationFailed)
	}
	if p, ok := m.pending[id]; ok && m.now().Sub(p.created) < m.timeout {
		if m.ShouldInitiate(id) {
			m.mu.Unlock()
			m.log.Debug().Str("peer", id.String()).Msg("ignoring crossed handshake, keeping ours")
			return nil, nil
		}
		p.ephemeral.Destroy()
		delete(m.pending, id)
	}
	m.lastMsg1[id] = hash
	m.mu.Unlock()

	eph, msg2, err := newHandshakeMessage(msgResponse)
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	remoteEph := msg1[1 : 1+ephemeralSize]
	ee, err := eph.Shared(remoteEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	se, err := eph.Shared(remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	es, err := m.local.Static.Shared(remoteEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	keys, err := crypto.DeriveSessionKeys(concat(ee, se, es), m.transcript(msg1, msg2, id, m.local.ID), false)
	zeroBytes(ee, se, es)
	if err != nil {
		return nil, err
	}
	m.install(id, keys)
	return msg2, nil
}

func (m *Manager) complete(msg2 []byte, id proto.PeerID) error {
	remoteStatic, ok := m.keys.StaticKey(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStaticKey, id)
	}
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unexpected handshake response", ErrAuthenticationFailed)
	}
	defer p.ephemeral.Destroy()
	if m.now().Sub(p.created) >= m.timeout {
		return ErrHandshakeTimeout
	}
	remoteEph := msg2[1 : 1+ephemeralSize]
	ee, err := p.ephemeral.Shared(remoteEph)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	se, err := m.local.Static.Shared(remoteEph)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	es, err := p.ephemeral.Shared(remoteStatic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	keys, err := crypto.DeriveSessionKeys(concat(ee, se, es), m.transcript(p.msg1, msg2, m.local.ID, id), true)
	zeroBytes(ee, se, es)
	if err != nil {
		return err
	}
	m.install(id, keys)
	return nil
}

func (m *Manager) install(id proto.PeerID, keys crypto.SessionKeys) {
	zeroBytes(keys.Master)
	st := &state{
		sendKey:       keys.SendKey,
		recvKey:       keys.RecvKey,
		nonceBaseSend: keys.NonceBaseSend,
		nonceBaseRecv: keys.NonceBaseRecv,
		established:   m.now(),
	}
	m.mu.Lock()
	old, rekey := m.sessions[id]
	m.sessions[id] = st
	m.mu.Unlock()
	if rekey {
		old.wipe()
	}
	m.log.Debug().Str("peer", id.String()).Bool("rekey", rekey).Msg("session established")
	if m.onEst != nil {
		m.onEst(id)
	}
}

// transcript binds both messages and both identities in initiator order.
func (m *Manager) transcript(msg1, msg2 []byte, initiator, responder proto.PeerID) []byte {
	return crypto.KDF(labelTranscript, msg1, msg2, initiator[:], responder[:])
}

func (m *Manager) Encrypt(plain []byte, id proto.PeerID) ([]byte, error) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotEstablished
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sendCounter == ^uint64(0) {
		return nil, errors.New("send counter exhausted")
	}
	counter := st.sendCounter
	st.sendCounter++
	nonce, err := crypto.NonceFromBase(st.nonceBaseSend, counter)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.XSealWithNonce(st.sendKey, nonce, plain, crypto.BuildAAD(m.local.ID[:], id[:]))
	if err != nil {
		return nil, err
	}
	out := make([]byte, counterSize, counterSize+len(ct))
	binary.BigEndian.PutUint64(out, counter)
	return append(out, ct...), nil
}

func (m *Manager) Decrypt(ct []byte, id proto.PeerID) ([]byte, error) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotEstablished
	}
	if len(ct) < counterSize {
		return nil, fmt.Errorf("%w: short ciphertext", ErrAuthenticationFailed)
	}
	counter := binary.BigEndian.Uint64(ct[:counterSize])
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.acceptable(counter) {
		return nil, fmt.Errorf("%w: replayed counter %d", ErrAuthenticationFailed, counter)
	}
	nonce, err := crypto.NonceFromBase(st.nonceBaseRecv, counter)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.XOpen(st.recvKey, nonce, ct[counterSize:], crypto.BuildAAD(id[:], m.local.ID[:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	st.mark(counter)
	return plain, nil
}

// Remove drops the session and any pending handshake for id.
func (m *Manager) Remove(id proto.PeerID) {
	m.mu.Lock()
	st := m.sessions[id]
	p := m.pending[id]
	delete(m.sessions, id)
	delete(m.pending, id)
	delete(m.lastMsg1, id)
	m.mu.Unlock()
	if st != nil {
		st.wipe()
	}
	if p != nil {
		p.ephemeral.Destroy()
	}
}

// Expire drops pending handshakes older than the handshake timeout and
// returns their peers.
func (m *Manager) Expire(now time.Time) []proto.PeerID {
	var out []proto.PeerID
	m.mu.Lock()
	for id, p := range m.pending {
		if now.Sub(p.created) >= m.timeout {
			p.ephemeral.Destroy()
			delete(m.pending, id)
			out = append(out, id)
		}
	}
	m.mu.Unlock()
	for _, id := range out {
		m.log.Debug().Err(ErrHandshakeTimeout).Str("peer", id.String()).Msg("pending handshake expired")
	}
	return out
}

// Close wipes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	pending := m.pending
	m.sessions = make(map[proto.PeerID]*state)
	m.pending = make(map[proto.PeerID]*pendingHandshake)
	m.lastMsg1 = make(map[proto.PeerID][32]byte)
	m.mu.Unlock()
	for _, st := range sessions {
		st.wipe()
	}
	for _, p := range pending {
		p.ephemeral.Destroy()
	}
}

func (s *state) acceptable(counter uint64) bool {
	if !s.haveRecv || counter > s.recvHighest {
		return true
	}
	diff := s.recvHighest - counter
	if diff >= replayWindow {
		return false
	}
	return s.recvBitmap&(1<<diff) == 0
}

func (s *state) mark(counter uint64) {
	if !s.haveRecv {
		s.haveRecv = true
		s.recvHighest = counter
		s.recvBitmap = 1
		return
	}
	if counter > s.recvHighest {
		shift := counter - s.recvHighest
		if shift >= replayWindow {
			s.recvBitmap = 1
		} else {
			s.recvBitmap = s.recvBitmap<<shift | 1
		}
		s.recvHighest = counter
		return
	}
	s.recvBitmap |= 1 << (s.recvHighest - counter)
}

func (s *state) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zeroBytes(s.sendKey, s.recvKey, s.nonceBaseSend, s.nonceBaseRecv)
}

func newHandshakeMessage(kind byte) (*crypto.Ephemeral, []byte, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	pub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		return nil, nil, err
	}
	msg := make([]byte, 0, handshakeMsgSize)
	msg = append(msg, kind)
	msg = append(msg, pub...)
	nonce := make([]byte, handshakeNonce)
	if _, err := rand.Read(nonce); err != nil {
		eph.Destroy()
		return nil, nil, err
	}
	return eph, append(msg, nonce...), nil
}

func sha3Array(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.SHA3_256(b))
	return out
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func zeroBytes(bs ...[]byte) {
	for _, b := range bs {
		for i := range b {
			b[i] = 0
		}
	}
}
