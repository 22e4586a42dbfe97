package replica

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopchat/internal/conversation"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/store"
	"github.com/petervdpas/goopchat/internal/topic"
)

var (
	alice = store.Profile{ID: "u-alice", Username: "alice"}
	bob   = store.Profile{ID: "u-bob", Username: "bob"}
)

// peer is one node: its own database holding its own profile, replicated
// over the shared hub.
type peer struct {
	db  *store.SQLite
	rep *Replicator
}

func newPeer(t *testing.T, hub topic.Hub, self store.Profile) *peer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), self.Username+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Insert(context.Background(), store.TableUsers, store.Row{"id": self.ID, "username": self.Username})
	require.NoError(t, err)

	rep := New(db, hub, Options{Self: self.ID, CatchUpDelay: 10 * time.Millisecond, Resubscribe: 20 * time.Millisecond})
	t.Cleanup(rep.Close)
	return &peer{db: db, rep: rep}
}

func (p *peer) has(t *testing.T, table string, where ...store.Filter) bool {
	t.Helper()
	rows, err := p.db.Select(context.Background(), store.Query{Table: table, Where: where})
	require.NoError(t, err)
	return len(rows) > 0
}

func nextEvent(t *testing.T, c *conversation.Channel) conversation.Event {
	t.Helper()
	select {
	case e, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return conversation.Event{}
	}
}

func TestTwoPeersExchangeMessagesAndReadState(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()
	a := newPeer(t, hub, alice)
	b := newPeer(t, hub, bob)
	require.NoError(t, a.rep.Start(ctx))
	require.NoError(t, b.rep.Start(ctx))

	// Profiles arrive through catch-up.
	require.Eventually(t, func() bool {
		return a.has(t, store.TableUsers, store.Eq("id", bob.ID)) && b.has(t, store.TableUsers, store.Eq("id", alice.ID))
	}, 3*time.Second, 10*time.Millisecond)

	ref := conversation.Ref{ID: "c1"}
	ca, err := conversation.Open(ctx, conversation.Deps{Store: a.db, Hub: hub, Self: alice}, ref, conversation.Options{})
	require.NoError(t, err)
	defer ca.Close()
	cb, err := conversation.Open(ctx, conversation.Deps{Store: b.db, Hub: hub, Self: bob}, ref, conversation.Options{})
	require.NoError(t, err)
	defer cb.Close()

	sent, err := ca.Send(ctx, conversation.Draft{Content: "hello bob"})
	require.NoError(t, err)
	own := nextEvent(t, ca)
	assert.Equal(t, conversation.MessageAppended, own.Kind)

	got := nextEvent(t, cb)
	require.Equal(t, conversation.MessageAppended, got.Kind)
	assert.Equal(t, sent.ID, got.Message.ID)
	assert.Equal(t, sent.CreatedAt, got.Message.CreatedAt, "created_at survives the trip")
	require.NotNil(t, got.Message.Sender)
	assert.Equal(t, "alice", got.Message.Sender.Username)

	require.NoError(t, cb.MarkRead(ctx))
	assert.Equal(t, conversation.MessageUpdated, nextEvent(t, cb).Kind)

	receipt := nextEvent(t, ca)
	require.Equal(t, conversation.MessageUpdated, receipt.Kind)
	assert.Equal(t, sent.ID, receipt.ID)
	assert.True(t, receipt.Patch.IsRead)

	// Nothing bounces back and forth.
	select {
	case e := <-ca.Events():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
	rows, err := a.db.Select(ctx, store.Query{Table: store.TableMessages})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLateJoinerCatchesUp(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()
	a := newPeer(t, hub, alice)
	require.NoError(t, a.rep.Start(ctx))

	_, err := a.db.Insert(ctx, store.TableGroupMembers, store.Row{"group_id": "g1", "user_id": bob.ID})
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := a.db.Insert(ctx, store.TableMessages, store.Row{"group_id": "g1", "sender_id": alice.ID, "content": text})
		require.NoError(t, err)
	}

	b := newPeer(t, hub, bob)
	require.NoError(t, b.rep.Start(ctx))

	require.Eventually(t, func() bool {
		rows, err := b.db.Select(ctx, store.Query{Table: store.TableMessages, Where: []store.Filter{store.Eq("group_id", "g1")}})
		require.NoError(t, err)
		return len(rows) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, b.has(t, store.TableGroupMembers, store.Eq("group_id", "g1"), store.Eq("user_id", bob.ID)))
	assert.True(t, b.has(t, store.TableUsers, store.Eq("id", alice.ID)))
}

func TestBacklogSurvivesOutage(t *testing.T) {
	ctx := context.Background()
	hub := topic.NewLocalHub()
	a := newPeer(t, hub, alice)
	b := newPeer(t, hub, bob)
	require.NoError(t, a.rep.Start(ctx))
	require.NoError(t, b.rep.Start(ctx))
	require.Eventually(t, func() bool { return hub.Members(proto.ReplicaTopic) == 2 }, time.Second, 5*time.Millisecond)

	hub.Kick(proto.ReplicaTopic)
	_, err := a.db.Insert(ctx, store.TableMessages, store.Row{"conversation_id": "c9", "sender_id": alice.ID, "content": "while away"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.has(t, store.TableMessages, store.Eq("conversation_id", "c9"))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRemoteRowsAreNotRebroadcast(t *testing.T) {
	hub := topic.NewLocalHub()
	a := newPeer(t, hub, alice)

	// Not started, so nothing drains the backlog.
	a.rep.onLocal(store.Change{Event: store.EventInsert, Table: store.TableMessages, Row: store.Row{"id": "m1"}, Remote: true})
	a.rep.onLocal(store.Change{Event: store.EventInsert, Table: store.TableMessages, Row: store.Row{"id": "m2"}})

	a.rep.mu.Lock()
	defer a.rep.mu.Unlock()
	require.Len(t, a.rep.backlog, 1)
	assert.Equal(t, "m2", a.rep.backlog[0].Rows[0]["id"])
}
