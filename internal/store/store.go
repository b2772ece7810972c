// Package store persists the small amount of state a node keeps across
// restarts: its favorite peers, as JSON lines.
package store

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"bitchatmesh/internal/proto"
)

const maxScanSize = 64 * 1024

type Favorite struct {
	PeerID   proto.PeerID
	Nickname string
	NoiseKey []byte
}

type diskFavorite struct {
	PeerID   string `json:"peer_id"`
	Nickname string `json:"nickname,omitempty"`
	NoiseKey string `json:"noise_key,omitempty"`
}

type Favorites struct {
	mu   sync.Mutex
	path string
	set  map[proto.PeerID]Favorite
}

// OpenFavorites loads path, treating a missing file as empty. Unparseable
// lines are skipped.
func OpenFavorites(path string) (*Favorites, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f := &Favorites{path: path, set: make(map[proto.PeerID]Favorite)}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	sc := newScanner(file)
	for sc.Scan() {
		var rec diskFavorite
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		id, err := proto.ParsePeerID(rec.PeerID)
		if err != nil {
			continue
		}
		fav := Favorite{PeerID: id, Nickname: rec.Nickname}
		if rec.NoiseKey != "" {
			if key, err := hex.DecodeString(rec.NoiseKey); err == nil {
				fav.NoiseKey = key
			}
		}
		f.set[id] = fav
	}
	return f, sc.Err()
}

func (f *Favorites) Has(id proto.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.set[id]
	return ok
}

func (f *Favorites) List() []Favorite {
	f.mu.Lock()
	out := make([]Favorite, 0, len(f.set))
	for _, fav := range f.set {
		out = append(out, fav)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out
}

// Set adds or removes a favorite and rewrites the file.
func (f *Favorites) Set(fav Favorite, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.set[fav.PeerID] = fav
	} else {
		delete(f.set, fav.PeerID)
	}
	return f.rewriteLocked()
}

func (f *Favorites) rewriteLocked() error {
	ids := make([]proto.PeerID, 0, len(f.set))
	for id := range f.set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	for _, id := range ids {
		fav := f.set[id]
		rec := diskFavorite{PeerID: id.String(), Nickname: fav.Nickname}
		if len(fav.NoiseKey) > 0 {
			rec.NoiseKey = hex.EncodeToString(fav.NoiseKey)
		}
		if err := enc.Encode(rec); err != nil {
			_ = file.Close()
			return err
		}
	}
	if err := syncFile(file); err != nil {
		_ = file.Close()
		return err
	}
	// close before rename for windows
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	syncDir(f.path)
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
