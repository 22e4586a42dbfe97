// Package replica keeps the shared tables of every peer's store in step.
//
// Local commits are broadcast on the replication topic and rows heard from
// other peers are merged into the local store, whose change feed then drives
// conversation views exactly as local writes do. Peers that were away catch
// up by asking for rows newer than the newest message they hold.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/store"
	"github.com/petervdpas/goopchat/internal/topic"
)

var log = logging.Logger("replica")

// Tables are replicated in this order when answering a catch-up, so profiles
// and membership land before the messages that refer to them.
var Tables = []string{
	store.TableUsers,
	store.TableParticipants,
	store.TableGroupMembers,
	store.TableMessages,
}

const batchSize = 100

// Store is a store that also accepts rows committed elsewhere.
type Store interface {
	store.Store
	store.Merger
}

type Options struct {
	Topic string
	// Self is the local user id; it keys this node's presence on the topic.
	Self string
	// CatchUpWindow reaches below the newest local message so rows stamped
	// by a slower clock are still offered.
	CatchUpWindow time.Duration
	// CatchUpLimit caps the messages in one catch-up answer.
	CatchUpLimit int
	// CatchUpDelay coalesces catch-up requests triggered by a burst of joins.
	CatchUpDelay time.Duration
	// Resubscribe is the delay between attempts to rejoin a dropped topic.
	Resubscribe time.Duration
	// Backlog caps local batches held while the topic is down. The oldest
	// are dropped first; peers recover them through catch-up.
	Backlog int
}

type Replicator struct {
	db   Store
	hub  topic.Hub
	opts Options

	mu          sync.Mutex
	ch          topic.Channel
	backlog     []proto.ReplicaRows
	requesting  bool
	started     bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	cancelFeeds []func()

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(db Store, hub topic.Hub, opts Options) *Replicator {
	if opts.Topic == "" {
		opts.Topic = proto.ReplicaTopic
	}
	if opts.CatchUpWindow <= 0 {
		opts.CatchUpWindow = time.Hour
	}
	if opts.CatchUpLimit <= 0 {
		opts.CatchUpLimit = 500
	}
	if opts.CatchUpDelay <= 0 {
		opts.CatchUpDelay = 200 * time.Millisecond
	}
	if opts.Resubscribe <= 0 {
		opts.Resubscribe = 3 * time.Second
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 1024
	}
	return &Replicator{
		db:   db,
		hub:  hub,
		opts: opts,
		wake: make(chan struct{}, 1),
	}
}

// Start subscribes to local commits and joins the replication topic. It
// returns after the first join attempt; a dropped topic is rejoined in the
// background until Close.
func (r *Replicator) Start(ctx context.Context) error {
	if r.opts.Self == "" {
		return errors.New("replica: local user is required")
	}

	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return errors.New("replica: already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, t := range Tables {
		r.cancelFeeds = append(r.cancelFeeds, r.db.Subscribe(t, store.Filter{}, r.onLocal))
	}
	loopCtx := r.ctx
	r.mu.Unlock()

	first := make(chan struct{})
	r.wg.Add(2)
	go r.run(loopCtx, first)
	go r.sendLoop(loopCtx)

	select {
	case <-first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops replicating. Rows not yet sent are dropped.
func (r *Replicator) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	feeds, cancel := r.cancelFeeds, r.cancel
	r.cancelFeeds = nil
	r.mu.Unlock()

	for _, c := range feeds {
		c()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Replicator) run(ctx context.Context, first chan struct{}) {
	defer r.wg.Done()
	var once sync.Once
	signalFirst := func() { once.Do(func() { close(first) }) }
	defer signalFirst()

	for {
		err := r.session(ctx, signalFirst)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warnf("replication topic %s: %v (retrying in %s)", r.opts.Topic, err, r.opts.Resubscribe)
		} else {
			log.Warnf("replication topic %s dropped (retrying in %s)", r.opts.Topic, r.opts.Resubscribe)
		}
		signalFirst()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.Resubscribe):
		}
	}
}

// session joins the topic once and blocks until it drops or ctx ends.
func (r *Replicator) session(ctx context.Context, joined func()) error {
	ch, err := r.hub.Join(ctx, r.opts.Topic, topic.JoinOptions{PresenceKey: r.opts.Self})
	if err != nil {
		return err
	}
	defer ch.Close()

	cancelRows := ch.On(proto.EventRows, r.onRows)
	defer cancelRows()
	cancelCatchUp := ch.On(proto.EventCatchUp, func(payload json.RawMessage) {
		r.onCatchUp(ctx, ch, payload)
	})
	defer cancelCatchUp()
	// Someone new on the topic: ask for what they have. They ask us too.
	cancelPresence := ch.OnPresence(func(e topic.PresenceEvent) {
		if e.Kind == topic.PresenceJoin && e.Key != r.opts.Self {
			r.requestSoon()
		}
	})
	defer cancelPresence()

	if err := ch.Track(ctx, map[string]string{"user_id": r.opts.Self}); err != nil {
		return fmt.Errorf("track: %w", err)
	}

	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.ch = nil
		r.mu.Unlock()
	}()
	r.poke()
	r.requestSoon()
	log.Infof("joined replication topic %s", r.opts.Topic)
	joined()

	select {
	case <-ctx.Done():
		return nil
	case <-ch.Done():
		return nil
	}
}

// onLocal runs on the store's feed goroutine and must not block.
func (r *Replicator) onLocal(c store.Change) {
	if c.Remote {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.backlog = append(r.backlog, proto.ReplicaRows{Table: c.Table, Rows: []map[string]any{c.Row}})
	if over := len(r.backlog) - r.opts.Backlog; over > 0 {
		log.Warnf("replication backlog full, dropping %d batch(es)", over)
		r.backlog = r.backlog[over:]
	}
	r.mu.Unlock()
	r.poke()
}

func (r *Replicator) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sendLoop publishes local batches in commit order. A batch that fails to
// send stays at the front until the topic is back.
func (r *Replicator) sendLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			ch := r.ch
			if ch == nil || len(r.backlog) == 0 {
				r.mu.Unlock()
				break
			}
			b := r.backlog[0]
			r.backlog = r.backlog[1:]
			r.mu.Unlock()

			if err := ch.Send(ctx, proto.EventRows, b); err != nil {
				log.Debugf("send %s rows: %v", b.Table, err)
				r.mu.Lock()
				r.backlog = append([]proto.ReplicaRows{b}, r.backlog...)
				r.mu.Unlock()
				break
			}
			metrics.AddReplicaRows("sent", b.Table, len(b.Rows))
		}
	}
}

// onRows merges a batch from another peer. It runs on the topic's delivery
// goroutine, so batches are merged in arrival order.
func (r *Replicator) onRows(payload json.RawMessage) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var b proto.ReplicaRows
	if err := dec.Decode(&b); err != nil {
		log.Debugf("bad rows payload: %v", err)
		return
	}
	if !replicated(b.Table) || len(b.Rows) == 0 {
		return
	}

	rows := make([]store.Row, 0, len(b.Rows))
	for _, row := range b.Rows {
		rows = append(rows, store.Row(row))
	}
	applied, err := r.db.Merge(r.ctx, b.Table, rows...)
	if err != nil {
		if r.ctx.Err() == nil {
			log.Warnf("merge %s: %v", b.Table, err)
		}
		return
	}
	if len(applied) > 0 {
		metrics.AddReplicaRows("received", b.Table, len(applied))
		log.Debugf("merged %d %s row(s)", len(applied), b.Table)
	}
}

func (r *Replicator) onCatchUp(ctx context.Context, ch topic.Channel, payload json.RawMessage) {
	var req proto.CatchUpRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Debugf("bad catch-up payload: %v", err)
		return
	}
	if req.From == "" || req.From == r.opts.Self {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		n, err := r.answer(ctx, ch, req.Since)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("catch-up for %s: %v", req.From, err)
			}
			return
		}
		log.Debugf("catch-up for %s: sent %d row(s)", req.From, n)
	}()
}

// answer sends every profile and membership row, the messages created after
// since and the most recent read messages, so read state converges too.
func (r *Replicator) answer(ctx context.Context, ch topic.Channel, since int64) (int, error) {
	sent := 0
	for _, t := range Tables {
		var rows []store.Row
		if t == store.TableMessages {
			var err error
			rows, err = r.messagesFor(ctx, since)
			if err != nil {
				return sent, err
			}
		} else {
			var err error
			rows, err = r.db.Select(ctx, store.Query{Table: t, Order: []store.Order{store.Asc("created_at")}})
			if err != nil {
				return sent, err
			}
		}
		for len(rows) > 0 {
			n := min(len(rows), batchSize)
			b := proto.ReplicaRows{Table: t, Rows: make([]map[string]any, 0, n)}
			for _, row := range rows[:n] {
				b.Rows = append(b.Rows, row)
			}
			if err := ch.Send(ctx, proto.EventRows, b); err != nil {
				return sent, err
			}
			metrics.AddReplicaRows("sent", t, n)
			sent += n
			rows = rows[n:]
		}
	}
	return sent, nil
}

func (r *Replicator) messagesFor(ctx context.Context, since int64) ([]store.Row, error) {
	newer, err := r.db.Select(ctx, store.Query{
		Table: store.TableMessages,
		Where: []store.Filter{store.Gt("created_at", since)},
		Order: []store.Order{store.Asc("created_at")},
		Limit: r.opts.CatchUpLimit,
	})
	if err != nil {
		return nil, err
	}
	read, err := r.db.Select(ctx, store.Query{
		Table: store.TableMessages,
		Where: []store.Filter{store.Eq("is_read", true)},
		Order: []store.Order{store.Desc("created_at")},
		Limit: r.opts.CatchUpLimit,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(newer))
	for _, row := range newer {
		seen[row.Text("id")] = true
	}
	// Oldest first, like the rest of the answer.
	for i := len(read) - 1; i >= 0; i-- {
		if !seen[read[i].Text("id")] {
			newer = append(newer, read[i])
		}
	}
	return newer, nil
}

// requestSoon schedules one catch-up request; calls made while one is
// pending are folded into it.
func (r *Replicator) requestSoon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requesting || r.closed {
		return
	}
	r.requesting = true
	time.AfterFunc(r.opts.CatchUpDelay, r.requestCatchUp)
}

func (r *Replicator) requestCatchUp() {
	r.mu.Lock()
	r.requesting = false
	ch, closed, ctx := r.ch, r.closed, r.ctx
	r.mu.Unlock()
	if ch == nil || closed {
		return
	}

	since, err := r.newest(ctx)
	if err != nil {
		log.Debugf("catch-up: %v", err)
		return
	}
	if since > 0 {
		since -= r.opts.CatchUpWindow.Nanoseconds()
	}
	if err := ch.Send(ctx, proto.EventCatchUp, proto.CatchUpRequest{From: r.opts.Self, Since: since}); err != nil {
		log.Debugf("catch-up request: %v", err)
	}
}

// newest returns created_at of the latest local message, 0 for none.
func (r *Replicator) newest(ctx context.Context) (int64, error) {
	rows, err := r.db.Select(ctx, store.Query{
		Table: store.TableMessages,
		Order: []store.Order{store.Desc("created_at")},
		Limit: 1,
	})
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return rows[0].Int64("created_at"), nil
}

func replicated(table string) bool {
	for _, t := range Tables {
		if t == table {
			return true
		}
	}
	return false
}
