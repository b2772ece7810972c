// Package network carries mesh links over QUIC. Each link is one
// bidirectional stream on its own connection, framed the same way as any
// other stream link.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"bitchatmesh/internal/mesh"
)

const (
	defaultIdleTimeout      = 60 * time.Second
	defaultKeepAlive        = 15 * time.Second
	defaultHandshakeTimeout = 5 * time.Second

	errCodeClosed    quic.ApplicationErrorCode = 0
	errCodeRejected  quic.ApplicationErrorCode = 1
	errCodeNoStream  quic.ApplicationErrorCode = 2
	streamCodeClosed quic.StreamErrorCode      = 0
)

type Options struct {
	MaxFrameSize     int
	MaxConnsPerIP    int
	MaxConns         int
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	Insecure         bool
	CAPath           string
	Logger           zerolog.Logger
}

type Transport struct {
	opts    Options
	log     zerolog.Logger
	limiter *connLimiter
	conf    *quic.Config
}

func New(opts Options) *Transport {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Transport{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "quic").Logger(),
		limiter: newConnLimiter(opts.MaxConnsPerIP, opts.MaxConns),
		conf: &quic.Config{
			MaxIdleTimeout:       opts.IdleTimeout,
			KeepAlivePeriod:      opts.KeepAlive,
			HandshakeIdleTimeout: opts.HandshakeTimeout,
		},
	}
}

// Link is a mesh link over QUIC. Done is closed when the connection ends.
type Link struct {
	mesh.Link
	conn   *quic.Conn
	remote string
}

func (l *Link) Done() <-chan struct{} { return l.conn.Context().Done() }

func (l *Link) RemoteAddr() string { return l.remote }

// streamConn closes the whole connection when the link closes so the peer
// sees it at once.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
	once sync.Once
}

func (s *streamConn) Close() error {
	var err error
	s.once.Do(func() {
		s.Stream.CancelRead(streamCodeClosed)
		_ = s.Stream.Close()
		err = s.conn.CloseWithError(errCodeClosed, "link closed")
	})
	return err
}

func (t *Transport) wrap(id string, conn *quic.Conn, stream *quic.Stream) *Link {
	rwc := &streamConn{Stream: stream, conn: conn}
	return &Link{
		Link:   mesh.NewStreamLink(id, rwc, t.opts.MaxFrameSize),
		conn:   conn,
		remote: conn.RemoteAddr().String(),
	}
}

// Listen accepts connections on addr until ctx is done, handing each link
// to accept. The bound address is sent on ready once listening.
func (t *Transport) Listen(ctx context.Context, addr string, ready chan<- net.Addr, accept func(*Link)) error {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, t.conf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	t.log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	if ready != nil {
		ready <- ln.Addr()
	}
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go t.serve(ctx, conn, accept)
	}
}

func (t *Transport) serve(ctx context.Context, conn *quic.Conn, accept func(*Link)) {
	remote := conn.RemoteAddr().String()
	ip := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		ip = host
	}
	if !t.limiter.acquire(ip) {
		t.log.Warn().Str("remote", remote).Msg("connection limit reached, rejecting")
		_ = conn.CloseWithError(errCodeRejected, "too many connections")
		return
	}
	context.AfterFunc(conn.Context(), func() { t.limiter.release(ip) })

	sctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		t.log.Debug().Err(err).Str("remote", remote).Msg("no stream opened")
		_ = conn.CloseWithError(errCodeNoStream, "no stream")
		return
	}
	t.log.Debug().Str("remote", remote).Msg("accepted link")
	accept(t.wrap("quic-in:"+remote, conn, stream))
}

// Dial connects to addr and opens the link stream. The peer only sees the
// stream once the first frame is written.
func (t *Transport) Dial(ctx context.Context, addr string) (*Link, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	tlsConf, err := ClientTLSConfig(t.opts.Insecure, t.opts.CAPath)
	if err != nil {
		return nil, err
	}
	t.log.Debug().Str("addr", addr).Msg("quic dial")
	conn, err := quic.DialAddr(ctx, addr, tlsConf, t.conf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(errCodeNoStream, "open stream failed")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	return t.wrap("quic-out:"+addr, conn, stream), nil
}
