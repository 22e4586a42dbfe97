package signaling

import (
	"context"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/proto"
)

type staticResolver map[string]string

func (r staticResolver) PeerOf(userID string) (string, bool) {
	pid, ok := r[userID]
	return pid, ok
}

func newHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func connectHosts(t *testing.T, a, b host.Host) {
	t.Helper()
	require.NoError(t, a.Connect(context.Background(), peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}))
}

func TestWireDeliversAndAcks(t *testing.T) {
	a, b := newHost(t), newHost(t)
	connectHosts(t, a, b)

	got := make(chan proto.SignalMsg, 1)
	from := make(chan peer.ID, 1)
	wb := newWire(b, func(p peer.ID, msg proto.SignalMsg) {
		from <- p
		got <- msg
	})
	defer wb.close()
	wa := newWire(a, func(peer.ID, proto.SignalMsg) {})
	defer wa.close()

	err := wa.send(context.Background(), b.ID(), proto.SignalMsg{
		Type:      proto.CallTypeHangup,
		ID:        "m1",
		SessionID: "s1",
		From:      "alice",
		To:        "bob",
	})
	require.NoError(t, err)

	msg := <-got
	assert.Equal(t, proto.CallTypeHangup, msg.Type)
	assert.Equal(t, "alice", msg.From)
	assert.NotZero(t, msg.TS)
	assert.Equal(t, a.ID(), <-from)
}

func TestWireRejectsMalformedFrames(t *testing.T) {
	a, b := newHost(t), newHost(t)
	connectHosts(t, a, b)

	called := make(chan struct{}, 1)
	wb := newWire(b, func(peer.ID, proto.SignalMsg) { called <- struct{}{} })
	defer wb.close()
	wa := newWire(a, func(peer.ID, proto.SignalMsg) {})
	defer wa.close()

	err := wa.send(context.Background(), b.ID(), proto.SignalMsg{Type: proto.CallTypeHangup, ID: "m1"})
	require.Error(t, err)
	assert.Equal(t, KindPeerUnreachable, KindOf(err))
	assert.Empty(t, called)
}

func TestWireUnknownPeerIsUnreachable(t *testing.T) {
	a, b := newHost(t), newHost(t)
	wa := newWire(a, func(peer.ID, proto.SignalMsg) {})
	defer wa.close()

	// b was never connected, so a has no address for it.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := wa.send(ctx, b.ID(), proto.SignalMsg{Type: proto.CallTypeOffer, ID: "m1", SessionID: "s1", From: "alice", To: "bob"})
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestCallUnresolvedPeer(t *testing.T) {
	tr := NewP2PTransport(newHost(t), P2POptions{Resolver: staticResolver{}})
	conn, err := tr.Connect(context.Background(), "alice")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Call(context.Background(), "nobody", nil, proto.CallMetadata{Type: "audio"})
	require.ErrorIs(t, err, ErrPeerUnreachable)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nobody", se.Peer)
}

func TestTransportSingleConnection(t *testing.T) {
	tr := NewP2PTransport(newHost(t), P2POptions{Resolver: staticResolver{}})
	conn, err := tr.Connect(context.Background(), "alice")
	require.NoError(t, err)

	_, err = tr.Connect(context.Background(), "alice")
	require.Error(t, err)

	require.NoError(t, conn.Close())
	again, err := tr.Connect(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOfferDeclined(t *testing.T) {
	ha, hb := newHost(t), newHost(t)
	connectHosts(t, ha, hb)

	resolver := staticResolver{"alice": ha.ID().String(), "bob": hb.ID().String()}
	alice, err := NewP2PTransport(ha, P2POptions{Resolver: resolver}).Connect(context.Background(), "alice")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := NewP2PTransport(hb, P2POptions{Resolver: resolver}).Connect(context.Background(), "bob")
	require.NoError(t, err)
	defer bob.Close()

	offers := make(chan MediaSession, 1)
	bob.OnCall(func(s MediaSession) { offers <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := alice.Call(ctx, "bob", nil, proto.CallMetadata{Type: string(media.KindAudio)})
	require.NoError(t, err)

	closed := make(chan struct{})
	out.OnClose(func() { close(closed) })

	var in MediaSession
	select {
	case in = <-offers:
	case <-ctx.Done():
		t.Fatal("offer never arrived")
	}
	assert.Equal(t, "alice", in.Peer())
	assert.Equal(t, out.ID(), in.ID())
	assert.Equal(t, "audio", in.Metadata().Type)

	// Closing an unanswered inbound session declines it.
	require.NoError(t, in.Close())
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("decline never reached the caller")
	}

	require.Error(t, in.Answer(ctx, nil))
}
