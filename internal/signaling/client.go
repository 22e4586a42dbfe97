package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/goopchat/internal/media"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 30 * time.Second
)

// Client is the process-wide signaling connection. Construct one per process
// with NewClient; tests construct their own.
type Client struct {
	transport Transport

	// connectMu serialises Ensure so concurrent callers share one Connect.
	connectMu sync.Mutex

	mu       sync.Mutex
	userID   string
	conn     Conn
	detach   []func()
	incoming func(MediaSession, media.Kind)
	life     context.Context
	stop     context.CancelFunc

	errs observers[error]

	// ReconnectMin is the first reconnect delay; it doubles up to reconnectMax.
	ReconnectMin time.Duration
}

func NewClient(t Transport) *Client {
	return &Client{transport: t, ReconnectMin: reconnectMin}
}

// Ensure returns the live connection for userID, connecting if needed.
func (c *Client) Ensure(ctx context.Context, userID string) (Conn, error) {
	if userID == "" {
		return nil, errors.New("signaling: empty identity")
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.userID != "" && c.userID != userID {
		c.mu.Unlock()
		return nil, ErrIdentityMismatch
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if c.life == nil {
		c.life, c.stop = context.WithCancel(context.Background())
	}
	c.userID = userID
	c.mu.Unlock()

	conn, err := c.transport.Connect(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.life == nil || c.userID != userID {
		// Destroyed while connecting.
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrNotConnected
	}
	c.conn = conn
	c.detach = []func(){
		conn.OnCall(c.handleCall),
		conn.OnError(func(err error) { c.handleError(conn, err) }),
	}
	c.mu.Unlock()

	log.Infof("signaling connected as %s", userID)
	return conn, nil
}

// Conn returns the live connection, or nil.
func (c *Client) Conn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// UserID is the identity the client is bound to, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OnIncomingCall sets the single inbound-call handler, replacing any
// previous one. Offers arriving with no handler are declined.
func (c *Client) OnIncomingCall(fn func(MediaSession, media.Kind)) {
	c.mu.Lock()
	c.incoming = fn
	c.mu.Unlock()
}

// OnConnectionError registers fn for classified connection failures.
func (c *Client) OnConnectionError(fn func(error)) (cancel func()) {
	return c.errs.add(fn)
}

// Destroy closes the connection and stops reconnecting. It is safe to call
// on a client that never connected, and more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	conn := c.conn
	detach := c.detach
	stop := c.stop
	c.conn, c.detach, c.userID = nil, nil, ""
	c.life, c.stop = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, d := range detach {
		d()
	}
	if conn != nil {
		_ = conn.Close()
		log.Infof("signaling connection released")
	}
}

func (c *Client) handleCall(s MediaSession) {
	c.mu.Lock()
	fn := c.incoming
	c.mu.Unlock()

	kind := media.ParseKind(s.Metadata().Type)
	if fn == nil {
		log.Warnf("offer %s from %s with no handler, declining", s.ID(), s.Peer())
		_ = s.Close()
		return
	}
	fn(s, kind)
}

func (c *Client) handleError(conn Conn, err error) {
	log.Warnf("connection error: %v", err)
	c.errs.emit(err)

	if KindOf(err) != KindTransportFault {
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	detach := c.detach
	c.conn, c.detach = nil, nil
	userID, life := c.userID, c.life
	c.mu.Unlock()

	for _, d := range detach {
		d()
	}
	_ = conn.Close()
	go c.reconnect(life, userID)
}

func (c *Client) reconnect(ctx context.Context, userID string) {
	delay := c.ReconnectMin
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		_, err := c.Ensure(ctx, userID)
		if err == nil {
			log.Infof("signaling reconnected after %d attempt(s)", attempt)
			return
		}
		if errors.Is(err, ErrIdentityMismatch) || ctx.Err() != nil {
			return
		}
		log.Debugf("reconnect attempt %d: %v", attempt, err)

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}
