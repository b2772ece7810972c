package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"bitchatmesh/internal/mesh"
	"bitchatmesh/internal/proto"
)

type replHandlers struct {
	broadcast func(text string)
	private   func(who, text string)
	peers     func()
	fav       func(who string, on bool)
	verify    func(who string)
	send      func(who, path string)
	help      func(w io.Writer)
	unknown   func(w io.Writer, cmd string)
}

// dispatchRepl runs one input line and reports whether the REPL should
// exit. Lines without a leading slash are broadcast.
func dispatchRepl(line string, out io.Writer, h replHandlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		call1(h.broadcast, line)
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/msg":
		if len(args) < 2 {
			fmt.Fprintln(out, "usage: /msg <nick|id> <text>")
			return false
		}
		if h.private != nil {
			rest := strings.TrimSpace(strings.TrimPrefix(line, cmd))
			h.private(args[0], strings.TrimSpace(strings.TrimPrefix(rest, args[0])))
		}
	case "/peers":
		if h.peers != nil {
			h.peers()
		}
	case "/fav":
		if len(args) < 1 {
			fmt.Fprintln(out, "usage: /fav <nick|id> [off]")
			return false
		}
		if h.fav != nil {
			h.fav(args[0], len(args) < 2 || args[1] != "off")
		}
	case "/verify":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: /verify <nick|id>")
			return false
		}
		call1(h.verify, args[0])
	case "/send":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: /send <nick|id|*> <path>")
			return false
		}
		if h.send != nil {
			h.send(args[0], args[1])
		}
	case "/help":
		if h.help != nil {
			h.help(out)
		}
	default:
		if h.unknown != nil {
			h.unknown(out, cmd)
		}
	}
	return false
}

func call1(fn func(string), arg string) {
	if fn != nil {
		fn(arg)
	}
}

func printReplHelp(w io.Writer) {
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  <text>                  broadcast to everyone")
	fmt.Fprintln(w, "  /msg <nick|id> <text>   private message")
	fmt.Fprintln(w, "  /peers                  list known peers")
	fmt.Fprintln(w, "  /fav <nick|id> [off]    mark or unmark a favorite")
	fmt.Fprintln(w, "  /verify <nick|id>       challenge a peer to prove its identity")
	fmt.Fprintln(w, "  /send <nick|id|*> <path> send a file, * for everyone")
	fmt.Fprintln(w, "  /quit                   leave the mesh and exit")
}

// resolvePeer accepts a hex peer id or a unique nickname.
func resolvePeer(who string, names map[proto.PeerID]string) (proto.PeerID, error) {
	if id, err := proto.ParsePeerID(who); err == nil {
		return id, nil
	}
	var found []proto.PeerID
	for id, n := range names {
		if strings.EqualFold(n, who) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return proto.PeerID{}, fmt.Errorf("no peer named %q", who)
	case 1:
		return found[0], nil
	}
	return proto.PeerID{}, fmt.Errorf("nickname %q is ambiguous, use the peer id", who)
}

func newCommands(e *mesh.Engine, c *console) replHandlers {
	peerOf := func(who string) (proto.PeerID, bool) {
		id, err := resolvePeer(who, e.Nicknames())
		if err != nil {
			c.printf("! %v", err)
			return proto.PeerID{}, false
		}
		return id, true
	}
	// Sink callbacks run on the engine's event goroutine; the receipt is
	// sent from its own goroutine.
	c.onPrivate = func(from proto.PeerID, messageID string) {
		go func() { _ = e.SendReadReceipt(from, messageID) }()
	}
	return replHandlers{
		broadcast: func(text string) {
			if _, err := e.SendBroadcast(text); err != nil {
				c.printf("! broadcast failed: %v", err)
			}
		},
		private: func(who, text string) {
			id, ok := peerOf(who)
			if !ok {
				return
			}
			msgID, err := e.SendPrivate(id, text)
			if err != nil {
				c.printf("! message failed: %v", err)
				return
			}
			if n := e.Pending(id); n > 0 {
				c.printf("* queued %s for %s (%d pending)", msgID, c.name(id), n)
			}
		},
		peers: func() {
			infos := e.Peers()
			sort.Slice(infos, func(i, j int) bool { return infos[i].Nickname < infos[j].Nickname })
			if len(infos) == 0 {
				c.printf("* no peers")
			}
			for _, p := range infos {
				flags := p.State.String()
				if p.Direct {
					flags += ",direct"
				}
				if p.Verified {
					flags += ",verified"
				}
				if p.Favorite {
					flags += ",favorite"
				}
				c.printf("  %s %-16s %s", p.ID, p.Nickname, flags)
			}
		},
		fav: func(who string, on bool) {
			id, ok := peerOf(who)
			if !ok {
				return
			}
			if err := e.SetFavorite(id, on); err != nil {
				c.printf("! favorite not saved: %v", err)
			}
		},
		verify: func(who string) {
			id, ok := peerOf(who)
			if !ok {
				return
			}
			if err := e.SendVerifyChallenge(id, nil); err != nil {
				c.printf("! verify failed: %v", err)
			}
		},
		send: func(who, path string) {
			content, err := os.ReadFile(path)
			if err != nil {
				c.printf("! %v", err)
				return
			}
			var to *proto.PeerID
			if who != "*" {
				id, ok := peerOf(who)
				if !ok {
					return
				}
				to = &id
			}
			id, err := e.SendFile(to, pathBase(path), "application/octet-stream", content)
			if err != nil {
				c.printf("! send failed: %v", err)
				return
			}
			c.printf("* sending %s as %s", path, id)
		},
		help: printReplHelp,
		unknown: func(w io.Writer, cmd string) {
			fmt.Fprintf(w, "unknown command %s, try /help\n", cmd)
		},
	}
}

func pathBase(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
