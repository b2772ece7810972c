// Package proto implements the mesh wire format: the binary packet codec,
// the TLV sub-payloads carried inside packets and the length-prefixed frames
// used on stream transports.
package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"
)

const (
	Version1 uint8 = 1
	Version2 uint8 = 2

	// version(1) type(1) ttl(1) timestamp(8) flags(1) payloadLen(2|4)
	HeaderSizeV1 = 14
	HeaderSizeV2 = 16

	PeerIDSize    = 8
	SignatureSize = 64
	PacketIDSize  = 16

	MaxPayloadV1 = 0xFFFF
	MaxPayloadV2 = 1 << 20

	DefaultTTL uint8 = 7

	compressThreshold = 256
)

const (
	FlagHasRecipient uint8 = 0x01
	FlagHasSignature uint8 = 0x02
	FlagIsCompressed uint8 = 0x04

	knownFlags = FlagHasRecipient | FlagHasSignature | FlagIsCompressed
)

var (
	ErrTruncated          = errors.New("packet truncated")
	ErrMalformed          = errors.New("packet malformed")
	ErrUnsupportedVersion = errors.New("unsupported packet version")
	ErrOversizedPayload   = errors.New("payload too large")
)

// PeerID is the short on-wire identifier of a peer, derived from the
// fingerprint of its static key.
type PeerID [PeerIDSize]byte

// BroadcastID is the reserved recipient meaning "every peer".
var BroadcastID = PeerID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) IsBroadcast() bool {
	return id == BroadcastID
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// Less is the total order used for handshake tie-breaks.
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PeerIDSize {
		return id, fmt.Errorf("bad peer id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// Type is the closed set of packet types understood by the engine.
type Type uint8

const (
	TypeAnnounce       Type = 0x01
	TypeMessage        Type = 0x02
	TypeLeave          Type = 0x03
	TypeNoiseHandshake Type = 0x10
	TypeNoiseEncrypted Type = 0x11
	TypeFragment       Type = 0x20
	TypeRequestSync    Type = 0x21
	TypeFileTransfer   Type = 0x22
)

func (t Type) Valid() bool {
	switch t {
	case TypeAnnounce, TypeMessage, TypeLeave, TypeNoiseHandshake, TypeNoiseEncrypted,
		TypeFragment, TypeRequestSync, TypeFileTransfer:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeMessage:
		return "message"
	case TypeLeave:
		return "leave"
	case TypeNoiseHandshake:
		return "noise_handshake"
	case TypeNoiseEncrypted:
		return "noise_encrypted"
	case TypeFragment:
		return "fragment"
	case TypeRequestSync:
		return "request_sync"
	case TypeFileTransfer:
		return "file_transfer"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Packet is the on-wire unit. Treat values as immutable: helpers such as
// WithTTL return modified copies.
type Packet struct {
	Version   uint8
	Type      Type
	TTL       uint8
	Timestamp uint64
	Sender    PeerID
	Recipient *PeerID
	Payload   []byte
	Signature []byte
}

func (p Packet) IsBroadcast() bool {
	return p.Recipient == nil || p.Recipient.IsBroadcast()
}

// IsAddressedTo reports whether the packet names id as its recipient.
func (p Packet) IsAddressedTo(id PeerID) bool {
	return p.Recipient != nil && *p.Recipient == id
}

func (p Packet) WithTTL(ttl uint8) Packet {
	out := p.clone()
	out.TTL = ttl
	return out
}

func (p Packet) WithSignature(sig []byte) Packet {
	out := p.clone()
	out.Signature = append([]byte(nil), sig...)
	return out
}

func (p Packet) clone() Packet {
	out := p
	if p.Recipient != nil {
		r := *p.Recipient
		out.Recipient = &r
	}
	if p.Payload != nil {
		out.Payload = append([]byte(nil), p.Payload...)
	}
	if p.Signature != nil {
		out.Signature = append([]byte(nil), p.Signature...)
	}
	return out
}

// Equal compares all fields; nil and empty byte slices are equal.
func (p Packet) Equal(o Packet) bool {
	if p.Version != o.Version || p.Type != o.Type || p.TTL != o.TTL ||
		p.Timestamp != o.Timestamp || p.Sender != o.Sender {
		return false
	}
	if (p.Recipient == nil) != (o.Recipient == nil) {
		return false
	}
	if p.Recipient != nil && *p.Recipient != *o.Recipient {
		return false
	}
	return bytes.Equal(p.Payload, o.Payload) && bytes.Equal(p.Signature, o.Signature)
}

// ID identifies a packet independently of TTL and signature. Gossip
// reconciliation exchanges these.
func (p Packet) ID() [PacketIDSize]byte {
	buf := make([]byte, 0, 1+PeerIDSize+8+len(p.Payload))
	buf = append(buf, byte(p.Type))
	buf = append(buf, p.Sender[:]...)
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = append(buf, p.Payload...)
	sum := sha3.Sum256(buf)
	var id [PacketIDSize]byte
	copy(id[:], sum[:PacketIDSize])
	return id
}

func maxPayload(version uint8) int {
	if version == Version2 {
		return MaxPayloadV2
	}
	return MaxPayloadV1
}

func headerSize(version uint8) int {
	if version == Version2 {
		return HeaderSizeV2
	}
	return HeaderSizeV1
}

// Encode serialises p. A zero Version encodes as Version1.
func Encode(p Packet) ([]byte, error) {
	version := p.Version
	if version == 0 {
		version = Version1
	}
	if version != Version1 && version != Version2 {
		return nil, ErrUnsupportedVersion
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: type %s", ErrMalformed, p.Type)
	}
	if len(p.Payload) > maxPayload(version) {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedPayload, len(p.Payload))
	}
	if len(p.Signature) != 0 && len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("%w: signature size %d", ErrMalformed, len(p.Signature))
	}

	var flags uint8
	if p.Recipient != nil {
		flags |= FlagHasRecipient
	}
	if len(p.Signature) > 0 {
		flags |= FlagHasSignature
	}
	body := p.Payload
	if compressed, ok := compress(p.Payload, version); ok {
		flags |= FlagIsCompressed
		body = compressed
	}

	size := headerSize(version) + PeerIDSize + len(body) + len(p.Signature)
	if p.Recipient != nil {
		size += PeerIDSize
	}
	out := make([]byte, 0, size)
	out = append(out, version, byte(p.Type), p.TTL)
	out = binary.BigEndian.AppendUint64(out, p.Timestamp)
	out = append(out, flags)
	if version == Version2 {
		out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	} else {
		out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	}
	out = append(out, p.Sender[:]...)
	if p.Recipient != nil {
		out = append(out, p.Recipient[:]...)
	}
	out = append(out, body...)
	out = append(out, p.Signature...)
	return out, nil
}

// SigningBytes is the encoding covered by a packet signature: TTL zeroed so
// relays may decrement it, signature omitted.
func SigningBytes(p Packet) ([]byte, error) {
	unsigned := p.WithTTL(0)
	unsigned.Signature = nil
	return Encode(unsigned)
}

// Decode parses one packet. Bytes after the declared packet length are
// ignored.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, ErrTruncated
	}
	version := b[0]
	if version != Version1 && version != Version2 {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	hdr := headerSize(version)
	if len(b) < hdr+PeerIDSize {
		return Packet{}, ErrTruncated
	}
	p := Packet{
		Version:   version,
		Type:      Type(b[1]),
		TTL:       b[2],
		Timestamp: binary.BigEndian.Uint64(b[3:11]),
	}
	if !p.Type.Valid() {
		return Packet{}, fmt.Errorf("%w: type 0x%02x", ErrMalformed, b[1])
	}
	flags := b[11]
	if flags&^knownFlags != 0 {
		return Packet{}, fmt.Errorf("%w: flags 0x%02x", ErrMalformed, flags)
	}
	var n int
	if version == Version2 {
		n = int(binary.BigEndian.Uint32(b[12:16]))
	} else {
		n = int(binary.BigEndian.Uint16(b[12:14]))
	}
	if n > maxPayload(version)+4 {
		return Packet{}, fmt.Errorf("%w: payload length %d", ErrMalformed, n)
	}
	off := hdr
	copy(p.Sender[:], b[off:off+PeerIDSize])
	off += PeerIDSize
	if flags&FlagHasRecipient != 0 {
		if len(b) < off+PeerIDSize {
			return Packet{}, ErrTruncated
		}
		var r PeerID
		copy(r[:], b[off:off+PeerIDSize])
		p.Recipient = &r
		off += PeerIDSize
	}
	if len(b) < off+n {
		return Packet{}, ErrTruncated
	}
	body := b[off : off+n]
	off += n
	if flags&FlagIsCompressed != 0 {
		plain, err := decompress(body, version)
		if err != nil {
			return Packet{}, err
		}
		p.Payload = plain
	} else if n > 0 {
		p.Payload = append([]byte(nil), body...)
	}
	if flags&FlagHasSignature != 0 {
		if len(b) < off+SignatureSize {
			return Packet{}, ErrTruncated
		}
		p.Signature = append([]byte(nil), b[off:off+SignatureSize]...)
	}
	return p, nil
}

func compress(payload []byte, version uint8) ([]byte, bool) {
	if len(payload) < compressThreshold {
		return nil, false
	}
	prefix := 2
	if version == Version2 {
		prefix = 4
	}
	enc := snappy.Encode(nil, payload)
	if prefix+len(enc) >= len(payload) {
		return nil, false
	}
	out := make([]byte, 0, prefix+len(enc))
	if version == Version2 {
		out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	} else {
		out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	}
	return append(out, enc...), true
}

func decompress(body []byte, version uint8) ([]byte, error) {
	prefix := 2
	if version == Version2 {
		prefix = 4
	}
	if len(body) < prefix {
		return nil, fmt.Errorf("%w: compressed body too short", ErrMalformed)
	}
	var want int
	if version == Version2 {
		want = int(binary.BigEndian.Uint32(body[:4]))
	} else {
		want = int(binary.BigEndian.Uint16(body[:2]))
	}
	if want > maxPayload(version) {
		return nil, fmt.Errorf("%w: original size %d", ErrMalformed, want)
	}
	got, err := snappy.DecodedLen(body[prefix:])
	if err != nil || got != want {
		return nil, fmt.Errorf("%w: compressed size mismatch", ErrMalformed)
	}
	plain, err := snappy.Decode(nil, body[prefix:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plain, nil
}
