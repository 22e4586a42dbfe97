package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopchat/internal/store"
)

func nextList(t *testing.T, ch <-chan []Summary, ok func([]Summary) bool) []Summary {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case items, open := <-ch:
			require.True(t, open, "list closed")
			if ok(items) {
				return items
			}
		case <-timeout:
			t.Fatal("list never reached the expected state")
			return nil
		}
	}
}

func refs(items []Summary) []string {
	var out []string
	for _, s := range items {
		out = append(out, s.Ref.ID)
	}
	return out
}

func TestListTracksLastMessageAndUnread(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, AddParticipant(ctx, st, "c1", alice.ID))
	require.NoError(t, AddMember(ctx, st, "g1", alice.ID, ""))
	require.NoError(t, AddParticipant(ctx, st, "c2", bob.ID))

	insertMessage(t, st, "c1", bob.ID, "hi alice")
	_, err := st.Insert(ctx, store.TableMessages, store.Row{"group_id": "g1", "sender_id": alice.ID, "content": "hello group"})
	require.NoError(t, err)

	l, err := OpenList(ctx, st, alice)
	require.NoError(t, err)
	defer l.Close()

	items := l.Items()
	require.Equal(t, []string{"g1", "c1"}, refs(items))
	assert.True(t, items[0].Ref.Group)
	assert.False(t, items[0].Unread, "own messages are never unread")
	assert.Equal(t, "hi alice", items[1].Last.Content)
	require.NotNil(t, items[1].Last.Sender)
	assert.Equal(t, "bob", items[1].Last.Sender.Username)
	assert.True(t, items[1].Unread)

	updates, cancel := l.Subscribe()
	defer cancel()

	insertMessage(t, st, "c1", bob.ID, "still there?")
	items = nextList(t, updates, func(s []Summary) bool { return s[0].Ref.ID == "c1" })
	assert.Equal(t, "still there?", items[0].Last.Content)

	_, err = st.Update(ctx, store.TableMessages,
		[]store.Filter{store.Eq("conversation_id", "c1")}, store.Row{"is_read": true})
	require.NoError(t, err)
	items = nextList(t, updates, func(s []Summary) bool { return !s[0].Unread })
	assert.Equal(t, "c1", items[0].Ref.ID)

	insertMessage(t, st, "c2", bob.ID, "not for alice")
	require.NoError(t, AddMember(ctx, st, "g2", alice.ID, ""))
	items = nextList(t, updates, func(s []Summary) bool { return len(s) == 3 })
	assert.Equal(t, []string{"c1", "g1", "g2"}, refs(items))
	assert.Nil(t, items[2].Last)
}

func TestListCloseEndsSubscriptions(t *testing.T) {
	st := newTestStore(t)
	l, err := OpenList(context.Background(), st, alice)
	require.NoError(t, err)
	assert.Empty(t, l.Items())

	updates, _ := l.Subscribe()
	l.Close()
	_, open := <-updates
	assert.False(t, open)

	late, _ := l.Subscribe()
	_, open = <-late
	assert.False(t, open)
	l.Close()
}

func TestOpenListFailsOnUnreadableStore(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, AddParticipant(context.Background(), st, "c1", alice.ID))
	st.mu.Lock()
	st.failSelect = 1
	st.mu.Unlock()

	_, err := OpenList(context.Background(), st, alice)
	assert.Error(t, err)
}
