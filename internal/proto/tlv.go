package proto

import (
	"encoding/binary"
	"fmt"
)

// tlv encodes tag | length | value records. width is the size in bytes of
// the length field (1, 2 or 4).
type tlv struct {
	width int
	buf   []byte
}

func newTLV(width int) *tlv {
	return &tlv{width: width}
}

func (w *tlv) put(tag byte, value []byte) error {
	if len(value) > w.max() {
		return fmt.Errorf("%w: tlv 0x%02x length %d", ErrOversizedPayload, tag, len(value))
	}
	w.buf = append(w.buf, tag)
	switch w.width {
	case 1:
		w.buf = append(w.buf, byte(len(value)))
	case 2:
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(value)))
	default:
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(value)))
	}
	w.buf = append(w.buf, value...)
	return nil
}

func (w *tlv) max() int {
	switch w.width {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return MaxPayloadV2
}

func (w *tlv) bytes() []byte {
	return w.buf
}

// walkTLV calls fn for each record. Unknown tags are the caller's business;
// a record running past the end of b is malformed.
func walkTLV(b []byte, width int, fn func(tag byte, value []byte) error) error {
	for len(b) > 0 {
		if len(b) < 1+width {
			return fmt.Errorf("%w: tlv header", ErrMalformed)
		}
		tag := b[0]
		var n int
		switch width {
		case 1:
			n = int(b[1])
		case 2:
			n = int(binary.BigEndian.Uint16(b[1:3]))
		default:
			n = int(binary.BigEndian.Uint32(b[1:5]))
		}
		b = b[1+width:]
		if n < 0 || n > len(b) {
			return fmt.Errorf("%w: tlv 0x%02x length %d", ErrMalformed, tag, n)
		}
		if err := fn(tag, b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

const (
	tagAnnounceNickname   byte = 0x01
	tagAnnounceNoiseKey   byte = 0x02
	tagAnnounceSigningKey byte = 0x03
	tagAnnounceNeighbors  byte = 0x04

	KeySize      = 32
	maxNeighbors = 0xFF / PeerIDSize
)

// Announcement is the identity payload of an ANNOUNCE packet.
type Announcement struct {
	Nickname   string
	NoiseKey   []byte
	SigningKey []byte
	Neighbors  []PeerID
}

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if len(a.NoiseKey) != KeySize || len(a.SigningKey) != KeySize {
		return nil, fmt.Errorf("%w: announcement key size", ErrMalformed)
	}
	w := newTLV(1)
	if err := w.put(tagAnnounceNickname, []byte(a.Nickname)); err != nil {
		return nil, err
	}
	_ = w.put(tagAnnounceNoiseKey, a.NoiseKey)
	_ = w.put(tagAnnounceSigningKey, a.SigningKey)
	if len(a.Neighbors) > 0 {
		n := a.Neighbors
		if len(n) > maxNeighbors {
			n = n[:maxNeighbors]
		}
		buf := make([]byte, 0, len(n)*PeerIDSize)
		for _, id := range n {
			buf = append(buf, id[:]...)
		}
		_ = w.put(tagAnnounceNeighbors, buf)
	}
	return w.bytes(), nil
}

func DecodeAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	err := walkTLV(b, 1, func(tag byte, v []byte) error {
		switch tag {
		case tagAnnounceNickname:
			a.Nickname = string(v)
		case tagAnnounceNoiseKey:
			a.NoiseKey = append([]byte(nil), v...)
		case tagAnnounceSigningKey:
			a.SigningKey = append([]byte(nil), v...)
		case tagAnnounceNeighbors:
			if len(v)%PeerIDSize != 0 {
				return fmt.Errorf("%w: neighbors length", ErrMalformed)
			}
			for i := 0; i < len(v); i += PeerIDSize {
				var id PeerID
				copy(id[:], v[i:i+PeerIDSize])
				a.Neighbors = append(a.Neighbors, id)
			}
		}
		return nil
	})
	if err != nil {
		return Announcement{}, err
	}
	if len(a.NoiseKey) != KeySize || len(a.SigningKey) != KeySize {
		return Announcement{}, fmt.Errorf("%w: announcement missing keys", ErrMalformed)
	}
	return a, nil
}

const (
	tagMessageID       byte = 0x00
	tagMessageContent  byte = 0x01
	tagMessageNickname byte = 0x02
)

// PrivateMessage is the plaintext of a private chat message, carried inside
// a NoisePayload.
type PrivateMessage struct {
	MessageID string
	Content   string
}

func EncodePrivateMessage(m PrivateMessage) ([]byte, error) {
	w := newTLV(2)
	if err := w.put(tagMessageID, []byte(m.MessageID)); err != nil {
		return nil, err
	}
	if err := w.put(tagMessageContent, []byte(m.Content)); err != nil {
		return nil, err
	}
	return w.bytes(), nil
}

func DecodePrivateMessage(b []byte) (PrivateMessage, error) {
	var m PrivateMessage
	var haveID bool
	err := walkTLV(b, 2, func(tag byte, v []byte) error {
		switch tag {
		case tagMessageID:
			m.MessageID = string(v)
			haveID = true
		case tagMessageContent:
			m.Content = string(v)
		}
		return nil
	})
	if err != nil {
		return PrivateMessage{}, err
	}
	if !haveID || m.MessageID == "" {
		return PrivateMessage{}, fmt.Errorf("%w: private message id", ErrMalformed)
	}
	return m, nil
}

// PublicMessage is the payload of a broadcast MESSAGE packet.
type PublicMessage struct {
	MessageID string
	Nickname  string
	Content   string
}

func EncodePublicMessage(m PublicMessage) ([]byte, error) {
	w := newTLV(2)
	if err := w.put(tagMessageID, []byte(m.MessageID)); err != nil {
		return nil, err
	}
	if err := w.put(tagMessageContent, []byte(m.Content)); err != nil {
		return nil, err
	}
	if m.Nickname != "" {
		if err := w.put(tagMessageNickname, []byte(m.Nickname)); err != nil {
			return nil, err
		}
	}
	return w.bytes(), nil
}

func DecodePublicMessage(b []byte) (PublicMessage, error) {
	var m PublicMessage
	err := walkTLV(b, 2, func(tag byte, v []byte) error {
		switch tag {
		case tagMessageID:
			m.MessageID = string(v)
		case tagMessageContent:
			m.Content = string(v)
		case tagMessageNickname:
			m.Nickname = string(v)
		}
		return nil
	})
	if err != nil {
		return PublicMessage{}, err
	}
	if m.MessageID == "" {
		return PublicMessage{}, fmt.Errorf("%w: public message id", ErrMalformed)
	}
	return m, nil
}

// NoiseKind tags the plaintext carried inside a NOISE_ENCRYPTED packet.
type NoiseKind uint8

const (
	NoisePrivateMessage  NoiseKind = 0x01
	NoiseReadReceipt     NoiseKind = 0x02
	NoiseDelivered       NoiseKind = 0x03
	NoiseVerifyChallenge NoiseKind = 0x10
	NoiseVerifyResponse  NoiseKind = 0x11
	NoiseFileTransfer    NoiseKind = 0x20
)

func (k NoiseKind) Valid() bool {
	switch k {
	case NoisePrivateMessage, NoiseReadReceipt, NoiseDelivered,
		NoiseVerifyChallenge, NoiseVerifyResponse, NoiseFileTransfer:
		return true
	}
	return false
}

type NoisePayload struct {
	Kind NoiseKind
	Data []byte
}

func EncodeNoisePayload(p NoisePayload) []byte {
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, byte(p.Kind))
	return append(out, p.Data...)
}

func DecodeNoisePayload(b []byte) (NoisePayload, error) {
	if len(b) == 0 {
		return NoisePayload{}, ErrTruncated
	}
	k := NoiseKind(b[0])
	if !k.Valid() {
		return NoisePayload{}, fmt.Errorf("%w: noise kind 0x%02x", ErrMalformed, b[0])
	}
	return NoisePayload{Kind: k, Data: append([]byte(nil), b[1:]...)}, nil
}

// TransferID names one fragmented transfer.
type TransferID [8]byte

func (t TransferID) String() string {
	return PeerID(t).String()
}

// FragmentHeaderSize: transfer id(8) index(2) total(2) original type(1).
const FragmentHeaderSize = 8 + 2 + 2 + 1

type FragmentHeader struct {
	TransferID   TransferID
	Index        uint16
	Total        uint16
	OriginalType Type
}

func EncodeFragment(h FragmentHeader, chunk []byte) []byte {
	out := make([]byte, 0, FragmentHeaderSize+len(chunk))
	out = append(out, h.TransferID[:]...)
	out = binary.BigEndian.AppendUint16(out, h.Index)
	out = binary.BigEndian.AppendUint16(out, h.Total)
	out = append(out, byte(h.OriginalType))
	return append(out, chunk...)
}

func DecodeFragment(b []byte) (FragmentHeader, []byte, error) {
	if len(b) < FragmentHeaderSize {
		return FragmentHeader{}, nil, ErrTruncated
	}
	var h FragmentHeader
	copy(h.TransferID[:], b[:8])
	h.Index = binary.BigEndian.Uint16(b[8:10])
	h.Total = binary.BigEndian.Uint16(b[10:12])
	h.OriginalType = Type(b[12])
	if h.Total == 0 || h.Index >= h.Total {
		return FragmentHeader{}, nil, fmt.Errorf("%w: fragment %d/%d", ErrMalformed, h.Index, h.Total)
	}
	if !h.OriginalType.Valid() || h.OriginalType == TypeFragment {
		return FragmentHeader{}, nil, fmt.Errorf("%w: fragment original type 0x%02x", ErrMalformed, b[12])
	}
	return h, b[FragmentHeaderSize:], nil
}

const (
	tagSyncFilter  byte = 0x01
	tagSyncMaxSend byte = 0x02
)

// SyncRequest carries a membership summary of the packets the requester
// already holds.
type SyncRequest struct {
	Filter  []byte
	MaxSend uint16
}

func EncodeSyncRequest(r SyncRequest) ([]byte, error) {
	w := newTLV(2)
	if err := w.put(tagSyncFilter, r.Filter); err != nil {
		return nil, err
	}
	if r.MaxSend > 0 {
		_ = w.put(tagSyncMaxSend, binary.BigEndian.AppendUint16(nil, r.MaxSend))
	}
	return w.bytes(), nil
}

func DecodeSyncRequest(b []byte) (SyncRequest, error) {
	var r SyncRequest
	err := walkTLV(b, 2, func(tag byte, v []byte) error {
		switch tag {
		case tagSyncFilter:
			r.Filter = append([]byte(nil), v...)
		case tagSyncMaxSend:
			if len(v) != 2 {
				return fmt.Errorf("%w: sync max send", ErrMalformed)
			}
			r.MaxSend = binary.BigEndian.Uint16(v)
		}
		return nil
	})
	if err != nil {
		return SyncRequest{}, err
	}
	if len(r.Filter) == 0 {
		return SyncRequest{}, fmt.Errorf("%w: sync request without filter", ErrMalformed)
	}
	return r, nil
}

const (
	tagFileID      byte = 0x00
	tagFileName    byte = 0x01
	tagFileSize    byte = 0x02
	tagFileMime    byte = 0x03
	tagFileContent byte = 0x04
)

// FilePacket is the payload of a file transfer, public (FILE_TRANSFER
// packet) or private (inside a NoisePayload).
type FilePacket struct {
	TransferID string
	Name       string
	MimeType   string
	Size       uint32
	Content    []byte
}

func EncodeFilePacket(f FilePacket) ([]byte, error) {
	w := newTLV(4)
	if err := w.put(tagFileID, []byte(f.TransferID)); err != nil {
		return nil, err
	}
	if err := w.put(tagFileName, []byte(f.Name)); err != nil {
		return nil, err
	}
	size := f.Size
	if size == 0 {
		size = uint32(len(f.Content))
	}
	_ = w.put(tagFileSize, binary.BigEndian.AppendUint32(nil, size))
	if err := w.put(tagFileMime, []byte(f.MimeType)); err != nil {
		return nil, err
	}
	if err := w.put(tagFileContent, f.Content); err != nil {
		return nil, err
	}
	return w.bytes(), nil
}

func DecodeFilePacket(b []byte) (FilePacket, error) {
	var f FilePacket
	err := walkTLV(b, 4, func(tag byte, v []byte) error {
		switch tag {
		case tagFileID:
			f.TransferID = string(v)
		case tagFileName:
			f.Name = string(v)
		case tagFileSize:
			if len(v) != 4 {
				return fmt.Errorf("%w: file size", ErrMalformed)
			}
			f.Size = binary.BigEndian.Uint32(v)
		case tagFileMime:
			f.MimeType = string(v)
		case tagFileContent:
			f.Content = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return FilePacket{}, err
	}
	if f.Size != uint32(len(f.Content)) {
		return FilePacket{}, fmt.Errorf("%w: file size %d != %d", ErrMalformed, f.Size, len(f.Content))
	}
	return f, nil
}

// ReceiptPayload is the data of read/delivered receipts.
func EncodeReceipt(messageID string) []byte {
	return []byte(messageID)
}

func DecodeReceipt(b []byte) (string, error) {
	if len(b) == 0 {
		return "", fmt.Errorf("%w: empty receipt", ErrMalformed)
	}
	return string(b), nil
}
