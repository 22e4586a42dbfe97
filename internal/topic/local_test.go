package topic

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
	pres []PresenceKind
}

func (r *recorder) onMsg(p json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	_ = json.Unmarshal(p, &s)
	r.msgs = append(r.msgs, s)
}

func (r *recorder) onPresence(e PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pres = append(r.pres, e.Kind)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) presence() []PresenceKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresenceKind(nil), r.pres...)
}

func TestLocalBroadcastSkipsSender(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub()

	a, err := hub.Join(ctx, "chat:1", JoinOptions{})
	require.NoError(t, err)
	b, err := hub.Join(ctx, "chat:1", JoinOptions{})
	require.NoError(t, err)
	other, err := hub.Join(ctx, "chat:2", JoinOptions{})
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	defer other.Close()

	var ra, rb, ro recorder
	a.On("typing", ra.onMsg)
	cancelB := b.On("typing", rb.onMsg)
	other.On("typing", ro.onMsg)

	require.NoError(t, a.Send(ctx, "typing", "one"))
	require.NoError(t, a.Send(ctx, "typing", "two"))
	require.NoError(t, a.Send(ctx, "other-event", "x"))

	require.Eventually(t, func() bool { return len(rb.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, rb.messages())

	cancelB()
	require.NoError(t, a.Send(ctx, "typing", "three"))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rb.messages(), 2)
	assert.Empty(t, ra.messages())
	assert.Empty(t, ro.messages())
}

func TestLocalPresenceJoinSyncLeave(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub()

	a, err := hub.Join(ctx, "online-users", JoinOptions{PresenceKey: "alice"})
	require.NoError(t, err)
	defer a.Close()

	var ra recorder
	a.OnPresence(ra.onPresence)
	require.NoError(t, a.Track(ctx, map[string]string{"online_at": "now"}))

	b, err := hub.Join(ctx, "online-users", JoinOptions{PresenceKey: "bob"})
	require.NoError(t, err)
	assert.Contains(t, b.PresenceState(), "alice", "late joiner sees existing members")
	require.NoError(t, b.Track(ctx, map[string]string{"online_at": "later"}))

	require.Eventually(t, func() bool {
		_, ok := a.PresenceState()["bob"]
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, ok := a.PresenceState()["bob"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(ra.presence()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []PresenceKind{
		PresenceJoin, PresenceSync, // self
		PresenceJoin, PresenceSync, // bob
		PresenceLeave, PresenceSync, // bob closed
	}, ra.presence())

	state := a.PresenceState()
	require.Len(t, state["alice"], 1)
	assert.JSONEq(t, `{"online_at":"now"}`, string(state["alice"][0].Meta))
}

func TestLocalKickDropsSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub()

	a, err := hub.Join(ctx, "online-users", JoinOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Members("online-users"))

	hub.Kick("online-users")

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("kicked channel not done")
	}
	assert.ErrorIs(t, a.Send(ctx, "x", 1), ErrClosed)
	assert.Equal(t, 0, hub.Members("online-users"))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestSweepDropsStaleMembers(t *testing.T) {
	c := newCore("online-users", "me")
	defer c.box.close()

	now := time.Now()
	c.upsert(c.ref, "me", json.RawMessage(`{}`), now.Add(-time.Hour))
	c.upsert("r1", "u1", json.RawMessage(`{}`), now.Add(-time.Minute))
	c.upsert("r2", "u2", json.RawMessage(`{}`), now)

	c.sweep(now.Add(-20 * time.Second))

	state := c.PresenceState()
	assert.Contains(t, state, "me", "own presence never expires")
	assert.NotContains(t, state, "u1")
	assert.Contains(t, state, "u2")
}
