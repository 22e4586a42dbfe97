// Package signaling owns the process-wide call signaling connection and the
// media sessions negotiated over it.
//
// A Client is keyed by the local user's identity. Ensure connects lazily and
// is idempotent; a second, different identity while one is live is a
// configuration error. Transport faults are surfaced to OnConnectionError
// handlers and trigger a background reconnect with the same identity.
package signaling

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/media"
	"github.com/petervdpas/goopchat/internal/proto"
)

var log = logging.Logger("signal")

var (
	ErrIdentityMismatch = errors.New("signaling: already connected as a different identity")
	ErrNotConnected     = errors.New("signaling: not connected")
	ErrPeerUnreachable  = errors.New("signaling: peer unreachable")
	ErrSessionClosed    = errors.New("signaling: session closed")
)

// Transport creates signaling connections for an identity.
type Transport interface {
	Connect(ctx context.Context, userID string) (Conn, error)
}

// Conn is one live signaling connection.
type Conn interface {
	UserID() string

	// Call sends an offer to peerUserID carrying local and meta. It returns
	// once the offer was delivered; the answer arrives later as a stream
	// event on the returned session.
	Call(ctx context.Context, peerUserID string, local *media.Stream, meta proto.CallMetadata) (MediaSession, error)

	OnCall(fn func(MediaSession)) (cancel func())
	OnError(fn func(error)) (cancel func())
	Close() error
}

// MediaSession is one media exchange with a remote user.
type MediaSession interface {
	ID() string
	Peer() string
	Metadata() proto.CallMetadata

	// Answer accepts an inbound offer with the local stream.
	Answer(ctx context.Context, local *media.Stream) error

	// OnStream fires once, when the first remote track arrives.
	OnStream(fn func(*media.RemoteStream)) (cancel func())
	// OnClose fires when the remote side ends the session.
	OnClose(fn func()) (cancel func())
	OnError(fn func(error)) (cancel func())

	// Close ends the session. Unanswered inbound sessions are declined.
	Close() error
}

// ErrorKind classifies connection-level failures.
type ErrorKind string

const (
	// KindPeerUnreachable: the target is not currently reachable. Recoverable.
	KindPeerUnreachable ErrorKind = "peerUnreachable"
	// KindTransportFault: the signaling link itself failed.
	KindTransportFault ErrorKind = "transportFault"
)

// Error is a classified signaling failure.
type Error struct {
	Kind ErrorKind
	Peer string // remote user id, when known
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("signaling %s (%s): %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("signaling %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrPeerUnreachable for every peerUnreachable error.
func (e *Error) Is(target error) bool {
	return target == ErrPeerUnreachable && e.Kind == KindPeerUnreachable
}

// KindOf returns the classification of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func unreachable(peer string, err error) *Error {
	if err == nil {
		err = ErrPeerUnreachable
	}
	return &Error{Kind: KindPeerUnreachable, Peer: peer, Err: err}
}

func fault(peer string, err error) *Error {
	return &Error{Kind: KindTransportFault, Peer: peer, Err: err}
}
