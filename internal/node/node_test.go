package node

import (
	"bytes"
	"testing"

	"bitchatmesh/internal/crypto"
	"bitchatmesh/internal/proto"
)

func TestDerivePeerID(t *testing.T) {
	pub := []byte("test-pubkey")
	got := DerivePeerID(pub)
	want := crypto.Fingerprint(pub)
	if !bytes.Equal(got[:], want[:proto.PeerIDSize]) {
		t.Fatalf("unexpected peer id")
	}
}

func TestSignAndVerifyPacket(t *testing.T) {
	n, err := NewEphemeral("alice")
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	p := proto.Packet{Type: proto.TypeMessage, TTL: 7, Timestamp: 1, Sender: n.ID, Payload: []byte("hi")}
	signed, err := n.Sign(p)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !VerifyPacket(signed, n.Signing.Public) {
		t.Fatalf("verify failed")
	}
	if !VerifyPacket(signed.WithTTL(3), n.Signing.Public) {
		t.Fatalf("verify must survive ttl decrement")
	}
	tampered := signed.WithTTL(7)
	tampered.Payload = []byte("ho")
	if VerifyPacket(tampered, n.Signing.Public) {
		t.Fatalf("expected tampered packet to fail")
	}
	if VerifyPacket(p, n.Signing.Public) {
		t.Fatalf("expected unsigned packet to fail")
	}
}

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	a, err := Load(dir, "alice")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	b, err := Load(dir, "alice")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected persisted identity")
	}
	if a.ID != DerivePeerID(a.Static.Public) {
		t.Fatalf("id not derived from static key")
	}
}
