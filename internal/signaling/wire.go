package signaling

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopchat/internal/metrics"
	"github.com/petervdpas/goopchat/internal/proto"
)

// ackTimeout bounds both the dial and the wait for the remote ack.
const ackTimeout = 10 * time.Second

// wire carries SignalMsg frames over libp2p streams: one stream per frame,
// newline-delimited JSON, acked on the same stream.
type wire struct {
	host   host.Host
	handle func(from peer.ID, msg proto.SignalMsg)
}

func newWire(h host.Host, handle func(peer.ID, proto.SignalMsg)) *wire {
	w := &wire{host: h, handle: handle}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), w.handleIncoming)
	log.Debugf("registered handler for %s", proto.SignalProtoID)
	return w
}

func (w *wire) close() {
	w.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
}

// supports returns false only when the peerstore has a non-empty protocol
// list for pid without SignalProtoID. Unknown peers are tried.
func (w *wire) supports(pid peer.ID) bool {
	protos, err := w.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true
	}
	for _, p := range protos {
		if p == protocol.ID(proto.SignalProtoID) {
			return true
		}
	}
	return false
}

// send delivers msg to pid and waits for the ack. Failures to reach the
// peer are peerUnreachable; failures on an open stream are transport faults.
func (w *wire) send(ctx context.Context, pid peer.ID, msg proto.SignalMsg) error {
	if !w.supports(pid) {
		return unreachable(msg.To, fmt.Errorf("protocols not supported: [%s]", proto.SignalProtoID))
	}
	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := w.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		metrics.IncSignalError(string(KindPeerUnreachable))
		return unreachable(msg.To, fmt.Errorf("open stream to %s: %w", pid.ShortString(), err))
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		metrics.IncSignalError(string(KindTransportFault))
		return fault(msg.To, fmt.Errorf("encode %s: %w", msg.Type, err))
	}

	var ack proto.SignalAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		metrics.IncSignalError(string(KindPeerUnreachable))
		return unreachable(msg.To, fmt.Errorf("waiting for ack from %s: %w", pid.ShortString(), err))
	}
	if ack.ID != msg.ID {
		return fault(msg.To, fmt.Errorf("ack id mismatch (got %s, want %s)", ack.ID, msg.ID))
	}
	if !ack.OK {
		return unreachable(msg.To, errors.New("rejected by peer"))
	}

	log.Debugf("sent %s %s to %s", msg.Type, shortID(msg.SessionID), pid.ShortString())
	return nil
}

func (w *wire) handleIncoming(stream network.Stream) {
	defer stream.Close()

	from := stream.Conn().RemotePeer()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg proto.SignalMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Debugf("decode error from %s: %v", from.ShortString(), err)
		return
	}

	ok := msg.ID != "" && msg.SessionID != "" && msg.From != ""
	ack := proto.SignalAck{ID: msg.ID, OK: ok}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Debugf("ack write error to %s: %v", from.ShortString(), err)
	}
	if !ok {
		log.Warnf("dropping malformed %q frame from %s", msg.Type, from.ShortString())
		return
	}

	w.handle(from, msg)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
