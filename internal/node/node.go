// Package node holds the local peer identity: the static and signing keys,
// the peer id derived from them, and packet signing.
package node

import (
	"errors"
	"os"

	"bitchatmesh/internal/crypto"
	"bitchatmesh/internal/proto"
)

type Node struct {
	ID          proto.PeerID
	Fingerprint [crypto.FingerprintSize]byte
	Static      crypto.StaticKey
	Signing     crypto.SigningKey
	Nickname    string
}

// Load reads the identity stored under home, generating and saving a new
// one on first run.
func Load(home, nickname string) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	static, signing, err := crypto.LoadIdentity(home)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		static, signing, err = Generate()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveIdentity(home, static, signing); err != nil {
			return nil, err
		}
	}
	return New(static, signing, nickname), nil
}

func Generate() (crypto.StaticKey, crypto.SigningKey, error) {
	static, err := crypto.GenerateStatic()
	if err != nil {
		return crypto.StaticKey{}, crypto.SigningKey{}, err
	}
	signing, err := crypto.GenerateSigning()
	if err != nil {
		return crypto.StaticKey{}, crypto.SigningKey{}, err
	}
	return static, signing, nil
}

// NewEphemeral builds an in-memory identity, used by tests and throwaway
// nodes.
func NewEphemeral(nickname string) (*Node, error) {
	static, signing, err := Generate()
	if err != nil {
		return nil, err
	}
	return New(static, signing, nickname), nil
}

func New(static crypto.StaticKey, signing crypto.SigningKey, nickname string) *Node {
	return &Node{
		ID:          DerivePeerID(static.Public),
		Fingerprint: crypto.Fingerprint(static.Public),
		Static:      static,
		Signing:     signing,
		Nickname:    nickname,
	}
}

// DerivePeerID truncates the static key fingerprint to the wire id size.
func DerivePeerID(staticPub []byte) proto.PeerID {
	fp := crypto.Fingerprint(staticPub)
	var id proto.PeerID
	copy(id[:], fp[:proto.PeerIDSize])
	return id
}

func (n *Node) Sign(p proto.Packet) (proto.Packet, error) {
	msg, err := proto.SigningBytes(p)
	if err != nil {
		return proto.Packet{}, err
	}
	return p.WithSignature(n.Signing.Sign(msg)), nil
}

func VerifyPacket(p proto.Packet, signingKey []byte) bool {
	if len(p.Signature) == 0 {
		return false
	}
	msg, err := proto.SigningBytes(p)
	if err != nil {
		return false
	}
	return crypto.Verify(signingKey, msg, p.Signature)
}

// Announcement is this node's identity payload.
func (n *Node) Announcement(neighbors []proto.PeerID) proto.Announcement {
	return proto.Announcement{
		Nickname:   n.Nickname,
		NoiseKey:   append([]byte(nil), n.Static.Public...),
		SigningKey: append([]byte(nil), n.Signing.Public...),
		Neighbors:  neighbors,
	}
}
