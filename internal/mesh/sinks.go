package mesh

import (
	"time"

	"bitchatmesh/internal/proto"
)

// Message is a chat message handed to the application.
type Message struct {
	ID        string
	From      proto.PeerID
	Nickname  string
	Content   string
	Timestamp time.Time
	Private   bool
	// Encrypted is false for private messages that arrived as plaintext.
	Encrypted bool
}

// File is a received file transfer.
type File struct {
	TransferID string
	From       proto.PeerID
	Name       string
	MimeType   string
	Content    []byte
	Private    bool
}

type MessageSink interface {
	OnPublicMessage(m Message)
	OnPrivateMessage(m Message)
}

type PeerSink interface {
	// OnPeerListUpdated receives hex peer id to nickname.
	OnPeerListUpdated(nicknames map[string]string)
}

type ReceiptSink interface {
	OnDelivered(from proto.PeerID, messageID string)
	OnReadReceipt(from proto.PeerID, messageID string)
	// OnUndelivered reports a queued private message that expired.
	OnUndelivered(to proto.PeerID, messageID string)
}

type HandshakeSink interface {
	OnHandshakeComplete(peer proto.PeerID)
	OnVerified(peer proto.PeerID, ok bool)
}

type TransferSink interface {
	OnTransferProgress(from proto.PeerID, transferID string, received, total int)
	OnFileReceived(f File)
}

// Sinks groups the optional notification targets. Nil members are skipped.
type Sinks struct {
	Messages   MessageSink
	Peers      PeerSink
	Receipts   ReceiptSink
	Handshakes HandshakeSink
	Transfers  TransferSink
}
