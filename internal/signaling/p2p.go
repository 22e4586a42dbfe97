package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"
)

// PeerResolver maps a user id to the libp2p peer id of the node it is
// online on. presence.Registry satisfies it.
type PeerResolver interface {
	PeerOf(userID string) (string, bool)
}

type P2POptions struct {
	STUNServers []string
	Resolver    PeerResolver
}

// P2PTransport signals over libp2p streams and carries media over WebRTC.
type P2PTransport struct {
	host host.Host
	opts P2POptions

	mu   sync.Mutex
	conn *p2pConn
}

func NewP2PTransport(h host.Host, opts P2POptions) *P2PTransport {
	return &P2PTransport{host: h, opts: opts}
}

func (t *P2PTransport) Connect(ctx context.Context, userID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.opts.Resolver == nil {
		return nil, errors.New("signaling: no peer resolver")
	}
	if len(t.host.Network().ListenAddresses()) == 0 {
		return nil, fault("", errors.New("host has no listen addresses"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && !t.conn.closed.Load() {
		return nil, fmt.Errorf("signaling: transport already connected as %s", t.conn.userID)
	}

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	c := &p2pConn{
		transport: t,
		userID:    userID,
		api:       api,
		sessions:  make(map[string]*rtcSession),
	}
	c.wire = newWire(t.host, c.handleSignal)
	t.conn = c
	return c, nil
}

type p2pConn struct {
	transport *P2PTransport
	userID    string
	api       *webrtc.API
	wire      *wire

	mu       sync.Mutex
	sessions map[string]*rtcSession
	closed   atomic.Bool

	calls observers[MediaSession]
	errs  observers[error]
}

func (c *p2pConn) UserID() string { return c.userID }

func (c *p2pConn) OnCall(fn func(MediaSession)) (cancel func()) { return c.calls.add(fn) }

func (c *p2pConn) OnError(fn func(error)) (cancel func()) { return c.errs.add(fn) }

func (c *p2pConn) Call(ctx context.Context, peerUserID string, local *media.Stream, meta proto.CallMetadata) (MediaSession, error) {
	if c.closed.Load() {
		return nil, ErrNotConnected
	}
	pidStr, ok := c.transport.opts.Resolver.PeerOf(peerUserID)
	if !ok {
		return nil, unreachable(peerUserID, nil)
	}
	pid, err := peer.Decode(pidStr)
	if err != nil {
		return nil, unreachable(peerUserID, fmt.Errorf("invalid peer id %q: %w", pidStr, err))
	}
	if meta.Type == "" {
		meta.Type = string(media.KindVideo)
	}

	s := c.newSession(uuid.NewString(), peerUserID, pid, meta, true)

	pc, err := s.newPeerConnection(local)
	if err != nil {
		s.abort()
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.abort()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	sdp, err := gather(ctx, pc)
	if err != nil {
		s.abort()
		return nil, err
	}

	err = c.wire.send(ctx, pid, proto.SignalMsg{
		Type:      proto.CallTypeOffer,
		ID:        uuid.NewString(),
		SessionID: s.id,
		From:      c.userID,
		To:        peerUserID,
		SDP:       sdp,
		Metadata:  &meta,
	})
	if err != nil {
		s.abort()
		if KindOf(err) == KindTransportFault {
			c.errs.emit(err)
		}
		return nil, err
	}

	log.Infof("session %s: offer (%s) sent to %s", shortID(s.id), meta.Type, peerUserID)
	return s, nil
}

func (c *p2pConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wire.close()

	c.mu.Lock()
	sessions := make([]*rtcSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	c.calls.clear()
	c.errs.clear()
	return nil
}

func (c *p2pConn) newSession(id, peerUser string, pid peer.ID, meta proto.CallMetadata, outgoing bool) *rtcSession {
	s := &rtcSession{
		id:       id,
		peerUser: peerUser,
		peerID:   pid,
		meta:     meta,
		outgoing: outgoing,
		conn:     c,
		remote:   media.NewRemoteStream(id),
	}
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	return s
}

func (c *p2pConn) session(id string) *rtcSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *p2pConn) remove(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// send is used for frames that no caller waits on (answer, decline, hangup).
func (c *p2pConn) send(ctx context.Context, pid peer.ID, msg proto.SignalMsg) error {
	err := c.wire.send(ctx, pid, msg)
	if err != nil && !c.closed.Load() {
		c.errs.emit(err)
	}
	return err
}

func (c *p2pConn) handleSignal(from peer.ID, msg proto.SignalMsg) {
	if c.closed.Load() {
		return
	}
	if msg.To != "" && msg.To != c.userID {
		log.Debugf("frame for %s, we are %s", msg.To, c.userID)
		return
	}

	switch msg.Type {
	case proto.CallTypeOffer:
		if c.session(msg.SessionID) != nil {
			return
		}
		meta := proto.CallMetadata{Type: string(media.KindVideo)}
		if msg.Metadata != nil && msg.Metadata.Type != "" {
			meta = *msg.Metadata
		}
		s := c.newSession(msg.SessionID, msg.From, from, meta, false)
		s.offerSDP = msg.SDP
		log.Infof("session %s: offer (%s) from %s", shortID(s.id), meta.Type, msg.From)
		if c.calls.count() == 0 {
			_ = s.Close()
			return
		}
		c.calls.emit(s)

	case proto.CallTypeAnswer:
		if s := c.session(msg.SessionID); s != nil && s.peerID == from {
			s.handleAnswer(msg.SDP)
		}

	case proto.CallTypeDecline, proto.CallTypeHangup:
		if s := c.session(msg.SessionID); s != nil && s.peerID == from {
			log.Infof("session %s: %s from %s", shortID(s.id), msg.Type, msg.From)
			s.remoteClosed()
		}

	default:
		log.Debugf("unknown frame type %q from %s", msg.Type, from.ShortString())
	}
}

// rtcSession is one call with one remote user.
type rtcSession struct {
	id       string
	peerUser string
	peerID   peer.ID
	meta     proto.CallMetadata
	outgoing bool
	conn     *p2pConn
	remote   *media.RemoteStream

	offerSDP string // inbound only

	pc       pcHolder
	answered atomic.Bool
	streamed atomic.Bool
	closed   atomic.Bool

	streams latch[*media.RemoteStream]
	closes  latch[struct{}]
	errs    latch[error]
}

func (s *rtcSession) ID() string                   { return s.id }
func (s *rtcSession) Peer() string                 { return s.peerUser }
func (s *rtcSession) Metadata() proto.CallMetadata { return s.meta }

func (s *rtcSession) OnStream(fn func(*media.RemoteStream)) (cancel func()) {
	return s.streams.add(fn)
}

func (s *rtcSession) OnClose(fn func()) (cancel func()) {
	return s.closes.add(func(struct{}) { fn() })
}

func (s *rtcSession) OnError(fn func(error)) (cancel func()) { return s.errs.add(fn) }

func (s *rtcSession) newPeerConnection(local *media.Stream) (*webrtc.PeerConnection, error) {
	pc, err := s.conn.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(s.conn.transport.opts.STUNServers),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.closed.Load() {
			return
		}
		s.remote.AddTrack(tr)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			requestKeyframe(pc, tr)
		}
		if s.streamed.CompareAndSwap(false, true) {
			s.streams.emit(s.remote)
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("session %s: peer connection %s", shortID(s.id), st)
		if st == webrtc.PeerConnectionStateFailed && !s.closed.Load() {
			s.errs.emit(fmt.Errorf("session %s: peer connection failed", shortID(s.id)))
		}
	})

	detach, err := addLocal(pc, local, media.ParseKind(s.meta.Type))
	s.pc.set(pc, detach)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *rtcSession) Answer(ctx context.Context, local *media.Stream) error {
	if s.outgoing {
		return errors.New("signaling: cannot answer an outgoing session")
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.answered.CompareAndSwap(false, true) {
		return errors.New("signaling: session already answered")
	}

	pc, err := s.newPeerConnection(local)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  s.offerSDP,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	sdp, err := gather(ctx, pc)
	if err != nil {
		return err
	}

	err = s.conn.send(ctx, s.peerID, proto.SignalMsg{
		Type:      proto.CallTypeAnswer,
		ID:        uuid.NewString(),
		SessionID: s.id,
		From:      s.conn.userID,
		To:        s.peerUser,
		SDP:       sdp,
	})
	if err != nil {
		return err
	}
	log.Infof("session %s: answered %s", shortID(s.id), s.peerUser)
	return nil
}

func (s *rtcSession) handleAnswer(sdp string) {
	pc := s.pc.get()
	if pc == nil || s.closed.Load() {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		s.errs.emit(fmt.Errorf("session %s: apply answer: %w", shortID(s.id), err))
		return
	}
	log.Infof("session %s: answer from %s", shortID(s.id), s.peerUser)
}

// Close ends the session and tells the peer: a hangup, or a decline for an
// inbound offer that was never answered. OnClose does not fire.
func (s *rtcSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.teardown()

	typ := proto.CallTypeHangup
	if !s.outgoing && !s.answered.Load() {
		typ = proto.CallTypeDecline
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		err := s.conn.wire.send(ctx, s.peerID, proto.SignalMsg{
			Type:      typ,
			ID:        uuid.NewString(),
			SessionID: s.id,
			From:      s.conn.userID,
			To:        s.peerUser,
		})
		if err != nil {
			log.Debugf("session %s: %s not delivered: %v", shortID(s.id), typ, err)
		}
	}()
	return nil
}

func (s *rtcSession) remoteClosed() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.teardown()
	s.closes.emit(struct{}{})
}

// abort drops a session that never reached the peer.
func (s *rtcSession) abort() {
	s.closed.Store(true)
	s.teardown()
}

func (s *rtcSession) teardown() {
	s.conn.remove(s.id)
	s.pc.close()
	s.streams.clear()
}
