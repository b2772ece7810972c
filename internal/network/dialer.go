package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitchatmesh/internal/mesh"
)

const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
)

// Attacher takes ownership of a live link.
type Attacher interface {
	AttachLink(mesh.Link) error
}

type addrFailure struct {
	count int
	last  time.Time
}

type DialerOptions struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      zerolog.Logger
}

// Dialer keeps outbound links to configured peers, redialing with capped
// exponential backoff.
type Dialer struct {
	t    *Transport
	base time.Duration
	max  time.Duration
	log  zerolog.Logger

	mu       sync.Mutex
	failures map[string]*addrFailure
}

func NewDialer(t *Transport, opts DialerOptions) *Dialer {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	return &Dialer{
		t:        t,
		base:     opts.BackoffBase,
		max:      opts.BackoffMax,
		log:      opts.Logger.With().Str("component", "dialer").Logger(),
		failures: make(map[string]*addrFailure),
	}
}

// Keep holds a link to addr attached to a until ctx is done. It returns the
// attach error when a refuses links for good.
func (d *Dialer) Keep(ctx context.Context, addr string, a Attacher) error {
	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, d.t.opts.HandshakeTimeout)
		link, err := d.t.Dial(dctx, addr)
		cancel()
		if err != nil {
			n := d.recordFailure(addr)
			d.log.Debug().Err(err).Str("addr", addr).Int("failures", n).Msg("dial failed")
			if !sleepCtx(ctx, backoffDelay(d.base, d.max, n)) {
				return nil
			}
			continue
		}
		d.resetFailures(addr)
		if err := a.AttachLink(link); err != nil {
			_ = link.Close()
			if errors.Is(err, mesh.ErrEngineClosed) {
				return err
			}
			d.log.Warn().Err(err).Str("addr", addr).Msg("attach failed")
			if !sleepCtx(ctx, d.max) {
				return nil
			}
			continue
		}
		d.log.Info().Str("addr", addr).Msg("link up")
		select {
		case <-ctx.Done():
			_ = link.Close()
			return nil
		case <-link.Done():
			d.log.Info().Str("addr", addr).Msg("link down, redialing")
		}
	}
	return nil
}

// Failures reports consecutive failed dials to addr.
func (d *Dialer) Failures(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ent := d.failures[addr]; ent != nil {
		return ent.count
	}
	return 0
}

func (d *Dialer) recordFailure(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ent := d.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		d.failures[addr] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (d *Dialer) resetFailures(addr string) {
	d.mu.Lock()
	delete(d.failures, addr)
	d.mu.Unlock()
}

func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
