package mesh

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamLinkFrames(t *testing.T) {
	ca, cb := net.Pipe()
	a := NewStreamLink("a", ca, 0)
	b := NewStreamLink("b", cb, 0)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	errc := make(chan error, 1)
	go func() { errc <- a.WriteFrame(ctx, []byte("frame one")) }()
	got, err := b.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame one"), got)
	require.NoError(t, <-errc)
}

func TestStreamLinkRejectsOversizedFrame(t *testing.T) {
	ca, cb := net.Pipe()
	a := NewStreamLink("a", ca, 0)
	b := NewStreamLink("b", cb, 8)
	defer a.Close()
	defer b.Close()

	go func() { _ = a.WriteFrame(context.Background(), make([]byte, 64)) }()
	_, err := b.ReadFrame(context.Background())
	assert.Error(t, err)
}

func TestMemoryLinkCloseEndsBothSides(t *testing.T) {
	a, b := NewMemoryLinkPair("a", "b", 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.WriteFrame(ctx, []byte{1}))
	got, err := b.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)

	require.NoError(t, b.Close())
	_, err = a.ReadFrame(ctx)
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
	assert.True(t, errors.Is(a.WriteFrame(ctx, []byte{2}), ErrLinkClosed))
}
