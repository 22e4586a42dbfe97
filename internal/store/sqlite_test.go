package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAssignsIDAndIncreasingCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows, err := s.Insert(ctx, TableMessages,
		Row{"conversation_id": "c1", "sender_id": "u1", "content": "a"},
		Row{"conversation_id": "c1", "sender_id": "u1", "content": "b"},
	)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.NotEmpty(t, rows[0].Text("id"))
	assert.NotEqual(t, rows[0].Text("id"), rows[1].Text("id"))
	assert.Less(t, rows[0].Int64("created_at"), rows[1].Int64("created_at"))
	assert.Equal(t, "text", rows[0].Text("media_type"))
	assert.False(t, rows[0].Bool("is_read"))
}

func TestMessageConstraints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, TableMessages, Row{"conversation_id": "c1", "group_id": "g1", "sender_id": "u1"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Insert(ctx, TableMessages, Row{"sender_id": "u1"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Insert(ctx, TableMessages, Row{"group_id": "g1", "sender_id": "u1", "media_type": "gif"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Insert(ctx, TableMessages, Row{"group_id": "g1", "sender_id": "u1", "nope": 1})
	assert.Error(t, err)
}

func TestDuplicateMembership(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, TableGroupMembers, Row{"group_id": "g1", "user_id": "u1"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, TableGroupMembers, Row{"group_id": "g1", "user_id": "u1", "role": "admin"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSelectFiltersAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := s.Insert(ctx, TableMessages, Row{"conversation_id": "c1", "sender_id": "u1", "content": c})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, TableMessages, Row{"group_id": "g1", "sender_id": "u2", "content": "other"})
	require.NoError(t, err)

	rows, err := s.Select(ctx, Query{
		Table: TableMessages,
		Where: []Filter{Eq("conversation_id", "c1")},
		Order: []Order{Desc("created_at")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "three", rows[0].Text("content"))
	assert.Equal(t, "one", rows[2].Text("content"))

	rows, err = s.Select(ctx, Query{Table: TableMessages, Where: []Filter{Like("content", "t%")}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.Select(ctx, Query{Table: TableMessages, Where: []Filter{IsNull("conversation_id")}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "g1", rows[0].Text("group_id"))

	_, err = s.Select(ctx, Query{Table: TableMessages, Order: []Order{Asc("1; DROP TABLE messages")}})
	assert.Error(t, err)
}

func TestSingle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Single(ctx, Query{Table: TableUsers, Where: []Filter{Eq("id", "u1")}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Insert(ctx, TableUsers, Row{"id": "u1", "username": "ann"})
	require.NoError(t, err)

	row, err := s.Single(ctx, Query{Table: TableUsers, Where: []Filter{Eq("id", "u1")}})
	require.NoError(t, err)
	assert.Equal(t, Profile{ID: "u1", Username: "ann"}, ProfileFromRow(row))
}

func TestUpdateReturnsRowsAndFeedsChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []Change
	)
	cancel := s.Subscribe(TableMessages, Eq("conversation_id", "c1"), func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	defer cancel()

	_, err := s.Insert(ctx, TableMessages,
		Row{"conversation_id": "c1", "sender_id": "u2", "content": "hi"},
		Row{"conversation_id": "c2", "sender_id": "u2", "content": "elsewhere"},
	)
	require.NoError(t, err)

	updated, err := s.Update(ctx, TableMessages,
		[]Filter{Eq("conversation_id", "c1"), Neq("sender_id", "u1"), Eq("is_read", false)},
		Row{"is_read": true})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.True(t, updated[0].Bool("is_read"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventInsert, got[0].Event)
	assert.Equal(t, "hi", got[0].Row.Text("content"))
	assert.Equal(t, EventUpdate, got[1].Event)
	assert.True(t, got[1].Row.Bool("is_read"))
}

func TestFeedPreservesCommitOrderAndStopsAfterCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int64
	)
	cancel := s.Subscribe(TableMessages, Filter{}, func(c Change) {
		mu.Lock()
		order = append(order, c.Row.Int64("created_at"))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Insert(ctx, TableMessages, Row{"group_id": "g", "sender_id": "u"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i])
	}
	mu.Unlock()

	cancel()
	_, err := s.Insert(ctx, TableMessages, Row{"group_id": "g", "sender_id": "u"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 20)
}

func TestStampsResumeAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	rows, err := s.Insert(ctx, TableUsers, Row{"username": "ann"})
	require.NoError(t, err)
	first := rows[0].Int64("created_at")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.GreaterOrEqual(t, s.lastStamp, first)

	_, err = s.Select(ctx, Query{Table: "nope"})
	assert.Error(t, err)
}

func TestFilterMatch(t *testing.T) {
	r := Row{"a": "Hello", "n": int64(1), "z": nil}
	assert.True(t, Eq("n", true).Match(r))
	assert.True(t, Eq("n", 1).Match(r))
	assert.True(t, Neq("a", "x").Match(r))
	assert.True(t, Like("a", "h%o").Match(r))
	assert.False(t, Like("a", "h_o").Match(r))
	assert.True(t, IsNull("z").Match(r))
	assert.True(t, IsNull("missing").Match(r))
	assert.False(t, Eq("z", nil).Match(r))
	assert.True(t, Gt("n", 0).Match(r))
	assert.False(t, Gt("n", 1).Match(r))
	assert.False(t, Gt("z", 0).Match(r))
}
