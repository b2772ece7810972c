// Package peer tracks the remote identities a node knows about. The
// Directory is the only owner of peer records; callers get copies.
package peer

import (
	"bytes"
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bitchatmesh/internal/crypto"
	"bitchatmesh/internal/proto"
)

const (
	DefaultCap     = 512
	DefaultTimeout = 3 * time.Minute
)

type State uint8

const (
	StateUnknown State = iota
	StateAnnounced
	StateHandshaking
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	}
	return "unknown"
}

type Info struct {
	ID          proto.PeerID
	Nickname    string
	LastSeen    time.Time
	State       State
	NoiseKey    []byte
	SigningKey  []byte
	Fingerprint [crypto.FingerprintSize]byte
	Verified    bool
	Direct      bool
	LinkID      string
	AnnouncedTo bool
	Favorite    bool
	RSSI        int
	HasRSSI     bool
}

func (i Info) clone() Info {
	i.NoiseKey = append([]byte(nil), i.NoiseKey...)
	i.SigningKey = append([]byte(nil), i.SigningKey...)
	return i
}

// RemovalListener releases per-peer resources. It runs synchronously on
// every removal, including eviction and expiry.
type RemovalListener interface {
	PeerRemoved(id proto.PeerID)
}

type ChangeListener interface {
	PeersChanged()
}

type Options struct {
	Cap     int
	Timeout time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Directory struct {
	mu        sync.Mutex
	cap       int
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
	hot       map[proto.PeerID]*list.Element
	order     *list.List
	favorites map[proto.PeerID]bool

	listenerMu sync.Mutex
	removal    []RemovalListener
	change     []ChangeListener
}

type entry struct {
	info Info
}

func NewDirectory(opts Options) *Directory {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Directory{
		cap:       opts.Cap,
		timeout:   opts.Timeout,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "peers").Logger(),
		hot:       make(map[proto.PeerID]*list.Element),
		order:     list.New(),
		favorites: make(map[proto.PeerID]bool),
	}
}

func (d *Directory) AddRemovalListener(l RemovalListener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.removal = append(d.removal, l)
}

func (d *Directory) AddChangeListener(l ChangeListener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.change = append(d.change, l)
}

// AddOrUpdate creates the peer if needed and sets its nickname.
func (d *Directory) AddOrUpdate(id proto.PeerID, nickname string) {
	d.mu.Lock()
	ent, created, evicted := d.ensureLocked(id)
	changed := created || ent.info.Nickname != nickname
	ent.info.Nickname = nickname
	ent.info.LastSeen = d.now()
	d.mu.Unlock()
	d.notifyRemoved(evicted)
	if changed {
		d.notifyChanged()
	}
}

// MarkLastSeen records activity, creating an unknown-state record on first
// sighting.
func (d *Directory) MarkLastSeen(id proto.PeerID) {
	d.mu.Lock()
	ent, created, evicted := d.ensureLocked(id)
	ent.info.LastSeen = d.now()
	d.mu.Unlock()
	d.notifyRemoved(evicted)
	if created {
		d.notifyChanged()
	}
}

// UpdateFullProfile applies an announced identity and reports whether
// anything changed.
func (d *Directory) UpdateFullProfile(id proto.PeerID, nickname string, noiseKey, signingKey []byte, verified bool) bool {
	d.mu.Lock()
	ent, created, evicted := d.ensureLocked(id)
	info := &ent.info
	rekeyed := !bytes.Equal(info.NoiseKey, noiseKey)
	if !rekeyed {
		// Verification survives re-announces of the same key.
		verified = verified || info.Verified
	}
	changed := created || rekeyed ||
		info.Nickname != nickname ||
		!bytes.Equal(info.SigningKey, signingKey) ||
		info.Verified != verified
	if changed {
		info.Nickname = nickname
		info.NoiseKey = append([]byte(nil), noiseKey...)
		info.SigningKey = append([]byte(nil), signingKey...)
		info.Fingerprint = crypto.Fingerprint(noiseKey)
		info.Verified = verified
	}
	info.LastSeen = d.now()
	d.mu.Unlock()
	d.notifyRemoved(evicted)
	if changed {
		d.notifyChanged()
	}
	return changed
}

func (d *Directory) SetDirectConnection(id proto.PeerID, linkID string, direct bool) {
	d.mu.Lock()
	el, ok := d.hot[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	info := &el.Value.(*entry).info
	changed := info.Direct != direct || (direct && info.LinkID != linkID)
	info.Direct = direct
	if direct {
		info.LinkID = linkID
	} else {
		info.LinkID = ""
	}
	d.mu.Unlock()
	if changed {
		d.notifyChanged()
	}
}

func (d *Directory) SetVerified(id proto.PeerID, verified bool) {
	d.mu.Lock()
	el, ok := d.hot[id]
	changed := ok && el.Value.(*entry).info.Verified != verified
	if changed {
		el.Value.(*entry).info.Verified = verified
	}
	d.mu.Unlock()
	if changed {
		d.notifyChanged()
	}
}

func (d *Directory) SetState(id proto.PeerID, s State) {
	d.mu.Lock()
	if el, ok := d.hot[id]; ok {
		el.Value.(*entry).info.State = s
	}
	d.mu.Unlock()
}

func (d *Directory) State(id proto.PeerID) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.hot[id]; ok {
		return el.Value.(*entry).info.State
	}
	return StateUnknown
}

func (d *Directory) SetSignal(id proto.PeerID, rssi int) {
	d.mu.Lock()
	if el, ok := d.hot[id]; ok {
		info := &el.Value.(*entry).info
		info.RSSI = rssi
		info.HasRSSI = true
	}
	d.mu.Unlock()
}

func (d *Directory) HasAnnouncedTo(id proto.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.hot[id]
	return ok && el.Value.(*entry).info.AnnouncedTo
}

func (d *Directory) MarkAnnouncedTo(id proto.PeerID) {
	d.mu.Lock()
	if el, ok := d.hot[id]; ok {
		el.Value.(*entry).info.AnnouncedTo = true
	}
	d.mu.Unlock()
}

func (d *Directory) SetFavorite(id proto.PeerID, on bool) {
	d.mu.Lock()
	if on {
		d.favorites[id] = true
	} else {
		delete(d.favorites, id)
	}
	d.mu.Unlock()
	d.notifyChanged()
}

func (d *Directory) IsFavorite(id proto.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.favorites[id]
}

func (d *Directory) Get(id proto.PeerID) (Info, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.hot[id]
	if !ok {
		return Info{}, false
	}
	info := el.Value.(*entry).info.clone()
	info.Favorite = d.favorites[id]
	return info, true
}

// List returns copies ordered by id.
func (d *Directory) List() []Info {
	d.mu.Lock()
	out := make([]Info, 0, len(d.hot))
	for el := d.order.Front(); el != nil; el = el.Next() {
		info := el.Value.(*entry).info.clone()
		info.Favorite = d.favorites[info.ID]
		out = append(out, info)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (d *Directory) Nicknames() map[proto.PeerID]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[proto.PeerID]string, len(d.hot))
	for id, el := range d.hot {
		if nick := el.Value.(*entry).info.Nickname; nick != "" {
			out[id] = nick
		}
	}
	return out
}

func (d *Directory) DirectLink(id proto.PeerID) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.hot[id]
	if !ok {
		return "", false
	}
	info := el.Value.(*entry).info
	return info.LinkID, info.Direct && info.LinkID != ""
}

// DirectPeers lists peers with a direct link, ordered by id.
func (d *Directory) DirectPeers() []proto.PeerID {
	d.mu.Lock()
	var out []proto.PeerID
	for id, el := range d.hot {
		if el.Value.(*entry).info.Direct {
			out = append(out, id)
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// IsOnline reports a peer seen within the liveness timeout.
func (d *Directory) IsOnline(id proto.PeerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.hot[id]
	if !ok {
		return false
	}
	info := el.Value.(*entry).info
	return info.Direct || d.now().Sub(info.LastSeen) < d.timeout
}

func (d *Directory) ActivePeerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for _, el := range d.hot {
		info := el.Value.(*entry).info
		if info.Direct || now.Sub(info.LastSeen) < d.timeout {
			n++
		}
	}
	return n
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hot)
}

func (d *Directory) SigningKey(id proto.PeerID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.hot[id]
	if !ok || len(el.Value.(*entry).info.SigningKey) == 0 {
		return nil, false
	}
	return append([]byte(nil), el.Value.(*entry).info.SigningKey...), true
}

func (d *Directory) StaticKey(id proto.PeerID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.hot[id]
	if !ok || len(el.Value.(*entry).info.NoiseKey) == 0 {
		return nil, false
	}
	return append([]byte(nil), el.Value.(*entry).info.NoiseKey...), true
}

func (d *Directory) Remove(id proto.PeerID) bool {
	d.mu.Lock()
	el, ok := d.hot[id]
	if ok {
		d.removeLocked(el)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.notifyRemoved([]proto.PeerID{id})
	d.notifyChanged()
	return true
}

// RemoveByLink drops every peer whose direct link is linkID.
func (d *Directory) RemoveByLink(linkID string) []proto.PeerID {
	if linkID == "" {
		return nil
	}
	var out []proto.PeerID
	d.mu.Lock()
	for el := d.order.Front(); el != nil; {
		next := el.Next()
		info := el.Value.(*entry).info
		if info.Direct && info.LinkID == linkID {
			out = append(out, info.ID)
			d.removeLocked(el)
		}
		el = next
	}
	d.mu.Unlock()
	if len(out) > 0 {
		d.notifyRemoved(out)
		d.notifyChanged()
	}
	return out
}

// ExpireStale removes peers without a direct link that have not been seen
// within the timeout.
func (d *Directory) ExpireStale(now time.Time) []proto.PeerID {
	var out []proto.PeerID
	cutoff := now.Add(-d.timeout)
	d.mu.Lock()
	for el := d.order.Front(); el != nil; {
		next := el.Next()
		info := el.Value.(*entry).info
		if !info.Direct && !info.LastSeen.After(cutoff) {
			out = append(out, info.ID)
			d.removeLocked(el)
		}
		el = next
	}
	d.mu.Unlock()
	if len(out) > 0 {
		d.log.Debug().Int("count", len(out)).Msg("expired stale peers")
		d.notifyRemoved(out)
		d.notifyChanged()
	}
	return out
}

// ensureLocked returns the entry for id, creating it and evicting the least
// recently touched peers past the cap.
func (d *Directory) ensureLocked(id proto.PeerID) (*entry, bool, []proto.PeerID) {
	if el, ok := d.hot[id]; ok {
		d.order.MoveToFront(el)
		return el.Value.(*entry), false, nil
	}
	var evicted []proto.PeerID
	for d.cap > 0 && len(d.hot) >= d.cap {
		back := d.order.Back()
		if back == nil {
			break
		}
		evicted = append(evicted, back.Value.(*entry).info.ID)
		d.removeLocked(back)
	}
	ent := &entry{info: Info{ID: id, LastSeen: d.now()}}
	d.hot[id] = d.order.PushFront(ent)
	return ent, true, evicted
}

func (d *Directory) removeLocked(el *list.Element) {
	delete(d.hot, el.Value.(*entry).info.ID)
	d.order.Remove(el)
}

func (d *Directory) notifyRemoved(ids []proto.PeerID) {
	if len(ids) == 0 {
		return
	}
	d.listenerMu.Lock()
	ls := append([]RemovalListener(nil), d.removal...)
	d.listenerMu.Unlock()
	for _, id := range ids {
		for _, l := range ls {
			l.PeerRemoved(id)
		}
	}
}

func (d *Directory) notifyChanged() {
	d.listenerMu.Lock()
	ls := append([]ChangeListener(nil), d.change...)
	d.listenerMu.Unlock()
	for _, l := range ls {
		l.PeersChanged()
	}
}
