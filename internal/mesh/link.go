package mesh

import (
	"context"
	"errors"
	"io"
	"sync"

	"bitchatmesh/internal/proto"
)

var ErrLinkClosed = errors.New("link closed")

// Link is one direct connection to a neighbour. ReadFrame and WriteFrame
// each have a single caller; Close unblocks both.
type Link interface {
	ID() string
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

type streamLink struct {
	id       string
	rwc      io.ReadWriteCloser
	maxFrame int

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamLink frames packets over a byte stream with 4-byte length
// prefixes. maxFrame <= 0 means proto.MaxFrameSize.
func NewStreamLink(id string, rwc io.ReadWriteCloser, maxFrame int) Link {
	return &streamLink{id: id, rwc: rwc, maxFrame: maxFrame}
}

func (l *streamLink) ID() string { return l.id }

// ReadFrame ignores ctx once blocked in the stream; Close is what unblocks a
// pending read.
func (l *streamLink) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return proto.ReadFrameLimit(l.rwc, l.maxFrame)
}

func (l *streamLink) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return proto.WriteFrame(l.rwc, frame)
}

func (l *streamLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.rwc.Close()
	})
	return l.closeErr
}

type memoryPipe struct {
	done chan struct{}
	once sync.Once
}

func (p *memoryPipe) close() {
	p.once.Do(func() { close(p.done) })
}

type memoryLink struct {
	id   string
	in   <-chan []byte
	out  chan<- []byte
	pipe *memoryPipe
}

// NewMemoryLinkPair returns two connected in-process links. Closing either
// end closes both.
func NewMemoryLinkPair(idA, idB string, depth int) (Link, Link) {
	if depth <= 0 {
		depth = 64
	}
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	pipe := &memoryPipe{done: make(chan struct{})}
	return &memoryLink{id: idA, in: ba, out: ab, pipe: pipe},
		&memoryLink{id: idB, in: ab, out: ba, pipe: pipe}
}

func (l *memoryLink) ID() string { return l.id }

func (l *memoryLink) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-l.pipe.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryLink) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-l.pipe.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.out <- append([]byte(nil), frame...):
		return nil
	case <-l.pipe.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memoryLink) Close() error {
	l.pipe.close()
	return nil
}
