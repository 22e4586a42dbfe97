package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsIdentityAndOnlyMovesForward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []Change
	)
	cancel := s.Subscribe(TableMessages, Filter{}, func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})
	defer cancel()

	future := time.Now().Add(time.Hour).UnixNano()
	remote := Row{
		"id":              "m-remote",
		"conversation_id": "c1",
		"sender_id":       "u-bob",
		"content":         "hi",
		"created_at":      json.Number("1700000000000000001"),
	}

	got, err := s.Merge(ctx, TableMessages, remote)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventInsert, got[0].Event)
	assert.True(t, got[0].Remote)
	assert.Equal(t, int64(1700000000000000001), got[0].Row.Int64("created_at"))

	again, err := s.Merge(ctx, TableMessages, remote)
	require.NoError(t, err)
	assert.Empty(t, again, "a known row is not applied twice")

	read := remote.clone()
	read["is_read"] = true
	got, err = s.Merge(ctx, TableMessages, read)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventUpdate, got[0].Event)
	assert.True(t, got[0].Row.Bool("is_read"))

	got, err = s.Merge(ctx, TableMessages, remote)
	require.NoError(t, err)
	assert.Empty(t, got, "read state never goes back")

	// A stamp from a clock ahead of ours keeps local writes after it.
	_, err = s.Merge(ctx, TableMessages, Row{
		"id": "m-ahead", "conversation_id": "c1", "sender_id": "u-bob", "content": "later", "created_at": future,
	})
	require.NoError(t, err)
	rows, err := s.Insert(ctx, TableMessages, Row{"conversation_id": "c1", "sender_id": "u-alice", "content": "reply"})
	require.NoError(t, err)
	assert.Greater(t, rows[0].Int64("created_at"), future)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.True(t, seen[0].Remote)
	assert.True(t, seen[1].Remote)
	assert.False(t, seen[3].Remote, "local inserts are not marked remote")
	mu.Unlock()
}

func TestMergeSkipsBadRowsAndUnknownColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, TableUsers, Row{"id": "u-alice", "username": "alice"})
	require.NoError(t, err)

	got, err := s.Merge(ctx, TableUsers,
		Row{"id": "u-other", "username": "alice", "created_at": int64(5)},
		Row{"id": "u-bob", "username": "bob", "created_at": int64(6), "nickname": "b"},
		Row{"username": "nobody"},
	)
	require.NoError(t, err)
	require.Len(t, got, 1, "the username clash and the id-less row are skipped")
	assert.Equal(t, "u-bob", got[0].Row.Text("id"))

	got, err = s.Merge(ctx, TableUsers, Row{"id": "u-bob", "username": "bob", "status": "away", "created_at": int64(6)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventUpdate, got[0].Event)
	assert.Equal(t, "away", got[0].Row.Text("status"))

	got, err = s.Merge(ctx, TableUsers, Row{"id": "u-bob", "username": "bob", "status": "away", "created_at": int64(6)})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Merge(ctx, TableGroupMembers, Row{"group_id": "g1", "user_id": "u-bob", "created_at": int64(7)})
	require.NoError(t, err)
	got, err = s.Merge(ctx, TableGroupMembers, Row{"group_id": "g1", "user_id": "u-bob", "created_at": int64(7)})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Merge(ctx, TableMessages, Row{"id": "m1", "sender_id": "u-bob", "created_at": int64(8)})
	require.NoError(t, err, "a row failing a check is skipped, not fatal")
}
