package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitchatmesh/internal/proto"
)

type recorder struct {
	mu      sync.Mutex
	removed []proto.PeerID
	changes int
}

func (r *recorder) PeerRemoved(id proto.PeerID) {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
}

func (r *recorder) PeersChanged() {
	r.mu.Lock()
	r.changes++
	r.mu.Unlock()
}

func newTestDirectory(now *time.Time, cap int) (*Directory, *recorder) {
	d := NewDirectory(Options{Cap: cap, Timeout: time.Minute, Logger: zerolog.Nop(), Now: func() time.Time { return *now }})
	r := &recorder{}
	d.AddRemovalListener(r)
	d.AddChangeListener(r)
	return d, r
}

func TestUpdateFullProfileReportsChange(t *testing.T) {
	now := time.Unix(100, 0)
	d, r := newTestDirectory(&now, 0)
	id := proto.PeerID{1}
	noise := []byte{1, 2, 3}
	sign := []byte{4, 5, 6}

	assert.True(t, d.UpdateFullProfile(id, "alice", noise, sign, false))
	assert.False(t, d.UpdateFullProfile(id, "alice", noise, sign, false))
	assert.True(t, d.UpdateFullProfile(id, "alice2", noise, sign, false))
	assert.Equal(t, 2, r.changes)

	info, ok := d.Get(id)
	require.True(t, ok)
	assert.Equal(t, "alice2", info.Nickname)
	key, ok := d.SigningKey(id)
	require.True(t, ok)
	assert.Equal(t, sign, key)
	key, ok = d.StaticKey(id)
	require.True(t, ok)
	assert.Equal(t, noise, key)

	info.NoiseKey[0] = 0xff
	again, _ := d.Get(id)
	assert.Equal(t, byte(1), again.NoiseKey[0], "Get must return a copy")
}

func TestRemoveNotifiesListeners(t *testing.T) {
	now := time.Unix(100, 0)
	d, r := newTestDirectory(&now, 0)
	id := proto.PeerID{2}
	d.AddOrUpdate(id, "bob")
	require.True(t, d.Remove(id))
	assert.False(t, d.Remove(id))
	assert.Equal(t, []proto.PeerID{id}, r.removed)
	_, ok := d.Get(id)
	assert.False(t, ok)
}

func TestDirectLinks(t *testing.T) {
	now := time.Unix(100, 0)
	d, r := newTestDirectory(&now, 0)
	a, b, c := proto.PeerID{1}, proto.PeerID{2}, proto.PeerID{3}
	for _, id := range []proto.PeerID{a, b, c} {
		d.MarkLastSeen(id)
	}
	d.SetDirectConnection(a, "link-1", true)
	d.SetDirectConnection(b, "link-1", true)
	d.SetDirectConnection(c, "link-2", true)

	link, ok := d.DirectLink(a)
	require.True(t, ok)
	assert.Equal(t, "link-1", link)
	assert.Equal(t, []proto.PeerID{a, b, c}, d.DirectPeers())

	removed := d.RemoveByLink("link-1")
	assert.ElementsMatch(t, []proto.PeerID{a, b}, removed)
	assert.ElementsMatch(t, []proto.PeerID{a, b}, r.removed)
	assert.Equal(t, 1, d.Len())

	d.SetDirectConnection(c, "", false)
	_, ok = d.DirectLink(c)
	assert.False(t, ok)
}

func TestExpireStaleKeepsDirect(t *testing.T) {
	now := time.Unix(100, 0)
	d, r := newTestDirectory(&now, 0)
	stale, direct := proto.PeerID{1}, proto.PeerID{2}
	d.MarkLastSeen(stale)
	d.MarkLastSeen(direct)
	d.SetDirectConnection(direct, "l", true)
	assert.True(t, d.IsOnline(stale))
	assert.Equal(t, 2, d.ActivePeerCount())

	now = now.Add(2 * time.Minute)
	assert.False(t, d.IsOnline(stale))
	assert.True(t, d.IsOnline(direct))
	assert.Equal(t, []proto.PeerID{stale}, d.ExpireStale(now))
	assert.Equal(t, []proto.PeerID{stale}, r.removed)
	assert.Equal(t, 1, d.ActivePeerCount())
}

func TestCapEvictsLeastRecent(t *testing.T) {
	now := time.Unix(100, 0)
	d, r := newTestDirectory(&now, 2)
	a, b, c := proto.PeerID{1}, proto.PeerID{2}, proto.PeerID{3}
	d.MarkLastSeen(a)
	d.MarkLastSeen(b)
	d.MarkLastSeen(a)
	d.MarkLastSeen(c)
	assert.Equal(t, []proto.PeerID{b}, r.removed)
	_, ok := d.Get(b)
	assert.False(t, ok)
	assert.Equal(t, 2, d.Len())
}

func TestAnnouncedToAndState(t *testing.T) {
	now := time.Unix(100, 0)
	d, _ := newTestDirectory(&now, 0)
	id := proto.PeerID{7}
	assert.False(t, d.HasAnnouncedTo(id))
	d.AddOrUpdate(id, "x")
	d.MarkAnnouncedTo(id)
	assert.True(t, d.HasAnnouncedTo(id))

	assert.Equal(t, StateUnknown, d.State(id))
	d.SetState(id, StateEstablished)
	assert.Equal(t, StateEstablished, d.State(id))

	d.SetSignal(id, -60)
	info, _ := d.Get(id)
	assert.True(t, info.HasRSSI)
	assert.Equal(t, -60, info.RSSI)
}

func TestFavoritesSurviveRemoval(t *testing.T) {
	now := time.Unix(100, 0)
	d, _ := newTestDirectory(&now, 0)
	id := proto.PeerID{9}
	d.SetFavorite(id, true)
	d.AddOrUpdate(id, "fav")
	d.Remove(id)
	assert.True(t, d.IsFavorite(id))
	d.SetFavorite(id, false)
	assert.False(t, d.IsFavorite(id))
}

func TestNicknames(t *testing.T) {
	now := time.Unix(100, 0)
	d, _ := newTestDirectory(&now, 0)
	d.AddOrUpdate(proto.PeerID{1}, "a")
	d.MarkLastSeen(proto.PeerID{2})
	assert.Equal(t, map[proto.PeerID]string{{1}: "a"}, d.Nicknames())
}

func TestVerificationSurvivesReannounce(t *testing.T) {
	now := time.Unix(100, 0)
	d, _ := newTestDirectory(&now, 0)
	id := proto.PeerID{1}
	d.UpdateFullProfile(id, "alice", []byte{1}, []byte{2}, false)
	d.SetVerified(id, true)
	d.UpdateFullProfile(id, "alice", []byte{1}, []byte{2}, false)
	info, _ := d.Get(id)
	assert.True(t, info.Verified)

	d.UpdateFullProfile(id, "alice", []byte{9}, []byte{2}, false)
	info, _ = d.Get(id)
	assert.False(t, info.Verified, "a new noise key resets verification")
}
