package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/topic"
)

func newRegistry(t *testing.T, hub topic.Hub, peerID string, resub time.Duration) *Registry {
	t.Helper()
	r := New(hub, Options{PeerID: peerID, Resubscribe: resub})
	t.Cleanup(r.Leave)
	return r
}

func TestJoinSeesEveryone(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()

	alice := newRegistry(t, hub, "peer-a", 20*time.Millisecond)
	bob := newRegistry(t, hub, "peer-b", 20*time.Millisecond)
	require.NoError(t, alice.Join(ctx, "alice"))
	require.NoError(t, bob.Join(ctx, "bob"))

	require.Eventually(t, func() bool {
		return alice.IsOnline("bob") && bob.IsOnline("alice")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"alice", "bob"}, alice.Snapshot().IDs())
	peer, ok := alice.PeerOf("bob")
	assert.True(t, ok)
	assert.Equal(t, "peer-b", peer)
	_, ok = alice.PeerOf("carol")
	assert.False(t, ok)
	assert.False(t, alice.IsOnline("carol"))
}

func TestJoinIsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()
	r := newRegistry(t, hub, "", 20*time.Millisecond)

	require.NoError(t, r.Join(ctx, "alice"))
	require.NoError(t, r.Join(ctx, "alice"))
	assert.ErrorIs(t, r.Join(ctx, "bob"), ErrAlreadyJoined)
	assert.Equal(t, 1, hub.Members("online-users"))
}

func TestSubscribeReceivesFullSnapshots(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()

	alice := newRegistry(t, hub, "", 20*time.Millisecond)
	updates, cancel := alice.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Empty(t, initial)

	require.NoError(t, alice.Join(ctx, "alice"))
	bob := newRegistry(t, hub, "", 20*time.Millisecond)
	require.NoError(t, bob.Join(ctx, "bob"))

	var last Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return last.Has("alice") && last.Has("bob")
	}, time.Second, 5*time.Millisecond)

	bob.Leave()
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return last.Has("alice") && !last.Has("bob")
	}, time.Second, 5*time.Millisecond)
}

func TestOutageKeepsLastKnownStateAndResubscribes(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()

	alice := newRegistry(t, hub, "", 200*time.Millisecond)
	bob := newRegistry(t, hub, "", 200*time.Millisecond)
	require.NoError(t, alice.Join(ctx, "alice"))
	require.NoError(t, bob.Join(ctx, "bob"))
	require.Eventually(t, func() bool { return alice.IsOnline("bob") }, time.Second, 5*time.Millisecond)

	hub.Kick("online-users")

	// Stale but available while disconnected.
	assert.True(t, alice.IsOnline("bob"))
	assert.True(t, alice.IsOnline("alice"))

	require.Eventually(t, func() bool {
		return hub.Members("online-users") == 2 && alice.IsOnline("bob") && bob.IsOnline("alice")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLeaveClearsAndIsSafeToRepeat(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()

	r := newRegistry(t, hub, "", 20*time.Millisecond)
	r.Leave()

	require.NoError(t, r.Join(ctx, "alice"))
	require.True(t, r.IsOnline("alice"))
	r.Leave()
	r.Leave()

	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 0, hub.Members("online-users"))

	require.NoError(t, r.Join(ctx, "bob"), "a registry can rejoin after leaving")
	assert.True(t, r.IsOnline("bob"))
}

func TestLastSeenFollowsHeartbeats(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()

	alice := newRegistry(t, hub, "", 20*time.Millisecond)
	require.NoError(t, alice.Join(ctx, "alice"))

	bob, err := hub.Join(ctx, "online-users", topic.JoinOptions{PresenceKey: "bob"})
	require.NoError(t, err)
	defer bob.Close()

	meta := proto.PresenceMeta{OnlineAt: time.Now().UTC().Format(time.RFC3339)}
	require.NoError(t, bob.Track(ctx, meta))
	require.Eventually(t, func() bool { return alice.IsOnline("bob") }, time.Second, 5*time.Millisecond)

	first, ok := alice.Lookup("bob")
	require.True(t, ok)
	assert.False(t, first.LastSeenAt.IsZero())
	assert.False(t, first.OnlineAt.IsZero())

	time.Sleep(20 * time.Millisecond)
	// Same metadata again, as a heartbeat would send it.
	require.NoError(t, bob.Track(ctx, meta))

	again, ok := alice.Lookup("bob")
	require.True(t, ok)
	assert.True(t, again.LastSeenAt.After(first.LastSeenAt))
	assert.Equal(t, first.OnlineAt, again.OnlineAt)
	assert.Equal(t, again.LastSeenAt, alice.Snapshot()["bob"].LastSeenAt)
}
