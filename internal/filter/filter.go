// Package filter decides whether a decoded packet may enter the router:
// duplicate and replay suppression plus signature checks.
package filter

import (
	"bytes"
	"container/list"
	"sync"

	"github.com/rs/zerolog"

	"bitchatmesh/internal/node"
	"bitchatmesh/internal/proto"
)

type Reason uint8

const (
	ReasonNone Reason = iota
	DuplicateOrReplayed
	BadSignature
	UnknownSender
	Malformed
)

func (r Reason) String() string {
	switch r {
	case DuplicateOrReplayed:
		return "duplicate_or_replayed"
	case BadSignature:
		return "bad_signature"
	case UnknownSender:
		return "unknown_sender"
	case Malformed:
		return "malformed"
	}
	return "none"
}

type Verdict struct {
	Accept bool
	Reason Reason
	// Announcement is set for an accepted ANNOUNCE.
	Announcement *proto.Announcement
}

func accept() Verdict { return Verdict{Accept: true} }
func reject(r Reason) Verdict { return Verdict{Reason: r} }

// SigningKeys resolves the announced signing key of a peer.
type SigningKeys interface {
	SigningKey(id proto.PeerID) ([]byte, bool)
}

const (
	DefaultPerSender  = 256
	DefaultMaxSenders = 1024
)

type Options struct {
	LocalID           proto.PeerID
	Keys              SigningKeys
	PerSender         int
	MaxSenders        int
	RequireSignatures bool
	Logger            zerolog.Logger
}

// historyKey selects a per-sender window. Fragments get their own so a
// long transfer cannot push the reassembled packet's timestamp out of the
// sender's main window.
type historyKey struct {
	sender   proto.PeerID
	fragment bool
}

func keyOf(p proto.Packet) historyKey {
	return historyKey{sender: p.Sender, fragment: p.Type == proto.TypeFragment}
}

type record struct {
	key  historyKey
	seen map[uint64]struct{}
	order  []uint64
	next   int
}

type Filter struct {
	local      proto.PeerID
	keys       SigningKeys
	perSender  int
	maxSenders int
	requireSig bool
	log        zerolog.Logger

	mu      sync.Mutex
	senders map[historyKey]*list.Element
	lru     *list.List
}

func New(opts Options) *Filter {
	if opts.PerSender <= 0 {
		opts.PerSender = DefaultPerSender
	}
	if opts.MaxSenders <= 0 {
		opts.MaxSenders = DefaultMaxSenders
	}
	return &Filter{
		local:      opts.LocalID,
		keys:       opts.Keys,
		perSender:  opts.PerSender,
		maxSenders: opts.MaxSenders,
		requireSig: opts.RequireSignatures,
		log:        opts.Logger.With().Str("component", "filter").Logger(),
		senders:    make(map[historyKey]*list.Element),
		lru:        list.New(),
	}
}

// Validate checks p and, when it is accepted, records its (sender,
// timestamp) pair. linkID names the arrival link and is only logged.
func (f *Filter) Validate(p proto.Packet, linkID string) Verdict {
	return f.validate(p, linkID, true)
}

// ValidateReassembled is Validate for a packet rebuilt from fragments. Its
// timestamp predates the fragments that carried it, so only the exact
// (sender, timestamp) pair is checked, not the age of a full window; the
// fragments themselves already passed both checks.
func (f *Filter) ValidateReassembled(p proto.Packet, linkID string) Verdict {
	return f.validate(p, linkID, false)
}

func (f *Filter) validate(p proto.Packet, linkID string, checkAge bool) Verdict {
	if p.Sender == f.local {
		return reject(DuplicateOrReplayed)
	}
	if f.seen(keyOf(p), p.Timestamp, checkAge) {
		return reject(DuplicateOrReplayed)
	}
	v := f.authenticate(p)
	if !v.Accept {
		f.log.Debug().Str("sender", p.Sender.String()).Str("type", p.Type.String()).
			Str("link", linkID).Stringer("reason", v.Reason).Msg("rejected packet")
		return v
	}
	if !f.record(keyOf(p), p.Timestamp, checkAge) {
		return reject(DuplicateOrReplayed)
	}
	return v
}

func (f *Filter) authenticate(p proto.Packet) Verdict {
	switch p.Type {
	case proto.TypeAnnounce:
		a, err := proto.DecodeAnnouncement(p.Payload)
		if err != nil {
			return reject(Malformed)
		}
		if node.DerivePeerID(a.NoiseKey) != p.Sender {
			return reject(UnknownSender)
		}
		// First announced signing key wins.
		if known, ok := f.keys.SigningKey(p.Sender); ok && !bytes.Equal(known, a.SigningKey) {
			return reject(BadSignature)
		}
		if !node.VerifyPacket(p, a.SigningKey) {
			return reject(BadSignature)
		}
		v := accept()
		v.Announcement = &a
		return v
	case proto.TypeMessage, proto.TypeLeave, proto.TypeFileTransfer:
		if len(p.Signature) == 0 {
			if f.requireSig {
				return reject(UnknownSender)
			}
			return accept()
		}
		return f.verifyKnown(p)
	case proto.TypeNoiseHandshake:
		// Must be signed with the pinned key whatever the policy.
		if len(p.Signature) == 0 {
			return reject(UnknownSender)
		}
		return f.verifyKnown(p)
	case proto.TypeNoiseEncrypted, proto.TypeFragment, proto.TypeRequestSync:
		if len(p.Signature) == 0 {
			return accept()
		}
		return f.verifyKnown(p)
	}
	return reject(Malformed)
}

func (f *Filter) verifyKnown(p proto.Packet) Verdict {
	key, ok := f.keys.SigningKey(p.Sender)
	if !ok {
		return reject(UnknownSender)
	}
	if !node.VerifyPacket(p, key) {
		return reject(BadSignature)
	}
	return accept()
}

// seen reports a recorded pair, or a timestamp older than everything a full
// record still holds.
func (f *Filter) seen(k historyKey, ts uint64, checkAge bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, ok := f.senders[k]
	if !ok {
		return false
	}
	return el.Value.(*record).replayed(ts, f.perSender, checkAge)
}

func (f *Filter) record(k historyKey, ts uint64, checkAge bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	el, ok := f.senders[k]
	if !ok {
		for len(f.senders) >= f.maxSenders {
			back := f.lru.Back()
			if back == nil {
				break
			}
			delete(f.senders, back.Value.(*record).key)
			f.lru.Remove(back)
		}
		el = f.lru.PushFront(&record{key: k, seen: make(map[uint64]struct{}, f.perSender)})
		f.senders[k] = el
	} else {
		f.lru.MoveToFront(el)
	}
	rec := el.Value.(*record)
	if rec.replayed(ts, f.perSender, checkAge) {
		return false
	}
	rec.add(ts, f.perSender)
	return true
}

// Senders is the number of retained histories. A sender that has sent
// fragments holds two.
func (f *Filter) Senders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.senders)
}

func (r *record) replayed(ts uint64, cap int, checkAge bool) bool {
	if _, ok := r.seen[ts]; ok {
		return true
	}
	if !checkAge || len(r.order) < cap {
		return false
	}
	return ts < r.oldest()
}

func (r *record) oldest() uint64 {
	min := r.order[0]
	for _, ts := range r.order[1:] {
		if ts < min {
			min = ts
		}
	}
	return min
}

// add stores ts, overwriting the earliest inserted entry once full.
func (r *record) add(ts uint64, cap int) {
	if len(r.order) < cap {
		r.order = append(r.order, ts)
	} else {
		delete(r.seen, r.order[r.next])
		r.order[r.next] = ts
		r.next = (r.next + 1) % cap
	}
	r.seen[ts] = struct{}{}
}
