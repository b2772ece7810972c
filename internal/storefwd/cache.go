// Package storefwd holds packets for recipients that are not reachable and
// hands them back, oldest first, once they are.
package storefwd

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitchatmesh/internal/proto"
)

const (
	DefaultPerPeer       = 100
	DefaultMaxRecipients = 64
	DefaultTTL           = 12 * time.Hour
)

// Policy is consulted before caching and at expiry.
type Policy interface {
	IsFavorite(id proto.PeerID) bool
	IsPeerOnline(id proto.PeerID) bool
}

type Entry struct {
	Recipient proto.PeerID
	Packet    []byte
	// MessageID is set for locally originated private messages.
	MessageID string
	Enqueued  time.Time
}

type Options struct {
	PerPeer int
	// MaxRecipients bounds distinct recipients; the one whose oldest entry
	// is oldest is dropped first.
	MaxRecipients int
	TTL           time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Cache struct {
	policy        Policy
	perPeer       int
	maxRecipients int
	ttl           time.Duration
	log           zerolog.Logger
	now           func() time.Time

	mu       sync.Mutex
	queues   map[proto.PeerID][]*Entry
	flushing map[proto.PeerID]bool
	total    int
}

func New(policy Policy, opts Options) *Cache {
	if opts.PerPeer <= 0 {
		opts.PerPeer = DefaultPerPeer
	}
	if opts.MaxRecipients <= 0 {
		opts.MaxRecipients = DefaultMaxRecipients
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		policy:        policy,
		perPeer:       opts.PerPeer,
		maxRecipients: opts.MaxRecipients,
		ttl:           opts.TTL,
		log:           opts.Logger.With().Str("component", "storefwd").Logger(),
		now:           opts.Now,
		queues:        make(map[proto.PeerID][]*Entry),
		flushing:      make(map[proto.PeerID]bool),
	}
}

// ShouldCache reports whether a packet for recipient should be held.
func (c *Cache) ShouldCache(recipient proto.PeerID) bool {
	return !c.policy.IsPeerOnline(recipient)
}

// Cache appends an encoded packet for recipient. It reports whether an
// older entry was evicted to make room.
func (c *Cache) Cache(recipient proto.PeerID, encoded []byte) bool {
	return c.Add(Entry{Recipient: recipient, Packet: encoded})
}

func (c *Cache) Add(e Entry) bool {
	e.Packet = append([]byte(nil), e.Packet...)
	if e.Enqueued.IsZero() {
		e.Enqueued = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := false
	if _, ok := c.queues[e.Recipient]; !ok && len(c.queues) >= c.maxRecipients {
		evicted = c.dropOldestRecipientLocked()
	}
	q := append(c.queues[e.Recipient], &e)
	if len(q) > c.perPeer {
		drop := len(q) - c.perPeer
		q = append([]*Entry(nil), q[drop:]...)
		c.total -= drop
		evicted = true
		c.log.Debug().Str("recipient", e.Recipient.String()).Int("dropped", drop).Msg("cache full, evicted oldest")
	}
	c.queues[e.Recipient] = q
	c.total++
	return evicted
}

func (c *Cache) dropOldestRecipientLocked() bool {
	var (
		victim proto.PeerID
		oldest time.Time
		found  bool
	)
	for id, q := range c.queues {
		if c.flushing[id] || len(q) == 0 {
			continue
		}
		if !found || q[0].Enqueued.Before(oldest) {
			victim, oldest, found = id, q[0].Enqueued, true
		}
	}
	if !found {
		return false
	}
	c.total -= len(c.queues[victim])
	delete(c.queues, victim)
	c.log.Debug().Str("recipient", victim.String()).Msg("recipient limit reached, dropped oldest queue")
	return true
}

// Flush hands each entry for recipient to send in enqueue order. An entry
// is removed only after send succeeds; the first failure stops the flush.
// A flush already running for recipient makes this call a no-op.
func (c *Cache) Flush(recipient proto.PeerID, send func(Entry) error) (int, error) {
	c.mu.Lock()
	if c.flushing[recipient] || len(c.queues[recipient]) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	c.flushing[recipient] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.flushing, recipient)
		c.mu.Unlock()
	}()

	n := 0
	for {
		c.mu.Lock()
		q := c.queues[recipient]
		if len(q) == 0 {
			delete(c.queues, recipient)
			c.mu.Unlock()
			return n, nil
		}
		head := q[0]
		c.mu.Unlock()

		if err := send(*head); err != nil {
			return n, err
		}

		c.mu.Lock()
		q = c.queues[recipient]
		if len(q) > 0 && q[0] == head {
			c.queues[recipient] = q[1:]
			c.total--
		}
		c.mu.Unlock()
		n++
	}
}

// Expire drops entries older than the TTL unless their recipient is a
// favorite, and returns them.
func (c *Cache) Expire(now time.Time) []Entry {
	var out []Entry
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.queues {
		if c.flushing[id] || c.policy.IsFavorite(id) {
			continue
		}
		kept := q[:0]
		for _, e := range q {
			if now.Sub(e.Enqueued) >= c.ttl {
				out = append(out, *e)
				c.total--
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(c.queues, id)
		} else {
			c.queues[id] = kept
		}
	}
	return out
}

// Drop discards every entry for recipient.
func (c *Cache) Drop(recipient proto.PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queues[recipient])
	delete(c.queues, recipient)
	c.total -= n
	return n
}

func (c *Cache) Len(recipient proto.PeerID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[recipient])
}

func (c *Cache) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Recipients lists recipients with pending entries.
func (c *Cache) Recipients() []proto.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.PeerID, 0, len(c.queues))
	for id := range c.queues {
		out = append(out, id)
	}
	return out
}
