package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"bitchatmesh/internal/mesh"
	"bitchatmesh/internal/proto"
)

// console prints engine events for the interactive node.
type console struct {
	mu sync.Mutex
	w  io.Writer

	names     func() map[proto.PeerID]string
	onPrivate func(from proto.PeerID, messageID string)
	downloads string
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) sinks() mesh.Sinks {
	return mesh.Sinks{Messages: c, Peers: c, Receipts: c, Handshakes: c, Transfers: c}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *console) name(id proto.PeerID) string {
	if c.names != nil {
		if n, ok := c.names()[id]; ok && n != "" {
			return n
		}
	}
	return id.String()
}

func (c *console) OnPublicMessage(m mesh.Message) {
	nick := m.Nickname
	if nick == "" {
		nick = c.name(m.From)
	}
	c.printf("<%s> %s", nick, m.Content)
}

func (c *console) OnPrivateMessage(m mesh.Message) {
	tag := "dm"
	if !m.Encrypted {
		tag = "dm, unencrypted"
	}
	c.printf("[%s from %s] %s", tag, c.name(m.From), m.Content)
	if c.onPrivate != nil && m.ID != "" {
		c.onPrivate(m.From, m.ID)
	}
}

func (c *console) OnPeerListUpdated(nicknames map[string]string) {
	names := make([]string, 0, len(nicknames))
	for _, n := range nicknames {
		names = append(names, n)
	}
	sort.Strings(names)
	c.printf("* peers (%d): %s", len(names), strings.Join(names, ", "))
}

func (c *console) OnDelivered(from proto.PeerID, messageID string) {
	c.printf("* delivered to %s: %s", c.name(from), messageID)
}

func (c *console) OnReadReceipt(from proto.PeerID, messageID string) {
	c.printf("* read by %s: %s", c.name(from), messageID)
}

func (c *console) OnUndelivered(to proto.PeerID, messageID string) {
	c.printf("* gave up on %s for %s", messageID, c.name(to))
}

func (c *console) OnHandshakeComplete(id proto.PeerID) {
	c.printf("* secure session with %s", c.name(id))
}

func (c *console) OnVerified(id proto.PeerID, ok bool) {
	if ok {
		c.printf("* %s proved its identity", c.name(id))
		return
	}
	c.printf("* %s failed identity verification", c.name(id))
}

func (c *console) OnTransferProgress(from proto.PeerID, transferID string, received, total int) {
	if received == 1 || received == total {
		c.printf("* transfer %s from %s: %d/%d", transferID, c.name(from), received, total)
	}
}

func (c *console) OnFileReceived(f mesh.File) {
	if c.downloads == "" {
		c.printf("* received %s (%d bytes) from %s", f.Name, len(f.Content), c.name(f.From))
		return
	}
	path, err := c.save(f)
	if err != nil {
		c.printf("* could not save %s: %v", f.Name, err)
		return
	}
	c.printf("* saved %s from %s to %s", f.Name, c.name(f.From), path)
}

func (c *console) save(f mesh.File) (string, error) {
	name := filepath.Base(filepath.Clean("/" + f.Name))
	if name == "/" || name == "." {
		name = f.TransferID
	}
	if err := os.MkdirAll(c.downloads, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(c.downloads, name)
	return path, os.WriteFile(path, f.Content, 0o600)
}
