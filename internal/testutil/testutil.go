// Package testutil holds helpers shared by decoder fuzzers and engine tests.
package testutil

import (
	"math/rand"
	"testing"
	"time"
)

const (
	// MaxFuzzBytes sits just above the largest v1 payload so every length
	// class is reachable.
	MaxFuzzBytes = 1<<16 + 512
	FuzzTimeout  = 200 * time.Millisecond
)

// Bound caps data at MaxFuzzBytes.
func Bound(data []byte) []byte {
	if len(data) > MaxFuzzBytes {
		return data[:MaxFuzzBytes]
	}
	return data
}

// Within fails t when fn is still running after d.
func Within(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("still running after %s", d)
	}
}

// Noise returns n reproducible, incompressible bytes for seed.
func Noise(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
