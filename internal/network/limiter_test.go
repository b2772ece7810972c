package network

import "testing"

func TestConnLimiterPerIPCap(t *testing.T) {
	lim := newConnLimiter(1, 0)
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquire("1.2.3.4") {
		t.Fatalf("expected per-ip cap")
	}
	lim.release("1.2.3.4")
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestConnLimiterTotalCap(t *testing.T) {
	lim := newConnLimiter(0, 2)
	if !lim.acquire("1.2.3.4") || !lim.acquire("2.3.4.5") {
		t.Fatalf("expected acquire under total cap")
	}
	if lim.acquire("3.4.5.6") {
		t.Fatalf("expected total cap")
	}
	lim.release("2.3.4.5")
	if !lim.acquire("3.4.5.6") {
		t.Fatalf("expected acquire after release")
	}
	if got := lim.active(); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
}

func TestConnLimiterReleaseUnknownIsNoop(t *testing.T) {
	lim := newConnLimiter(1, 1)
	lim.release("9.9.9.9")
	if got := lim.active(); got != 0 {
		t.Fatalf("active = %d after stray release", got)
	}
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected acquire")
	}
}
