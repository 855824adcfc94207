package pgconn

import (
	"context"
	"sync"
	"sync/atomic"
)

// Client is a single connection to a PostgreSQL server: the transport,
// handshake, and observable Session that result from it. It has no query
// execution surface of its own; callers layer that on top using the
// transport and Session it publishes.
//
// A Client is safe for concurrent use. Connect and End serialize against
// each other; Session and Connected may be called from any goroutine at
// any time, including while a handshake is in flight.
type Client struct {
	opts ConnectionOptions

	mu        sync.Mutex
	transport transport
	connected atomic.Bool
	session   atomic.Pointer[Session]
}

// New returns a Client configured with opts. It does not dial anything;
// call Connect to establish the connection.
func New(opts ConnectionOptions) *Client {
	c := &Client{opts: opts}
	empty := emptySession()
	c.session.Store(&empty)
	return c
}

// Connected reports whether the last Connect (or automatic reconnect)
// succeeded and End has not since been called.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Session returns the most recently published snapshot. When Connected is
// false this is the zero Session.
func (c *Client) Session() Session {
	return c.session.Load().clone()
}

// Connect establishes the connection: TCP dial, optional TLS negotiation,
// StartupMessage and authentication, then the ParameterStatus /
// BackendKeyData / ReadyForQuery sequence that populates the first
// Session. If already connected, Connect returns nil immediately.
//
// On failure, Connect retries up to ConnectionOptions.Connection's total
// attempt count, but only for errors isRetryable classifies as
// transport-class or TLS-availability failures; a Postgres-level error
// (bad password, missing database, unsupported auth method, certificate
// failure under an enforced policy) is returned on the first occurrence.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	attempts := c.opts.Connection.totalAttempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		tr, sess, err := c.attemptConnect(ctx)
		if err == nil {
			c.transport = tr
			c.session.Store(&sess)
			c.connected.Store(true)
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

// dialTransport opens the byte-level connection an attempt starts from.
// It is a variable, rather than a direct call to openTCP, so tests can
// substitute an in-process pipe for a real TCP dial.
var dialTransport = func(ctx context.Context, addr string) (transport, error) {
	t, err := openTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// attemptConnect runs one full handshake attempt end to end, closing any
// transport it opened if the attempt does not reach ReadyForQuery.
func (c *Client) attemptConnect(ctx context.Context) (transport, Session, error) {
	tr, err := dialTransport(ctx, c.opts.addr())
	if err != nil {
		return nil, Session{}, err
	}

	tlsOn, err := negotiateTLS(ctx, &tr, c.opts, dialTransport)
	if err != nil {
		tr.Close()
		return nil, Session{}, err
	}

	if err := startupAndAuth(ctx, tr, c.opts); err != nil {
		tr.Close()
		return nil, Session{}, err
	}

	sess, err := waitForReady(ctx, tr, tlsOn)
	if err != nil {
		tr.Close()
		return nil, Session{}, err
	}

	return tr, sess, nil
}

// End closes the connection, sending Terminate on a best-effort basis. It
// is idempotent: calling End when not connected is a no-op.
func (c *Client) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLocked()
}

func (c *Client) endLocked() error {
	if !c.connected.Load() {
		return nil
	}
	var err error
	if c.transport != nil {
		_ = c.transport.Write(context.Background(), encodeTerminate())
		err = c.transport.Close()
		c.transport = nil
	}
	c.connected.Store(false)
	empty := emptySession()
	c.session.Store(&empty)
	return err
}

// RequireConnected returns ErrClientDisconnected when the Client is not
// currently connected, and nil otherwise. Callers that run operations on
// top of this Client's transport should check this before issuing one.
func (c *Client) RequireConnected() error {
	if !c.connected.Load() {
		return ErrClientDisconnected
	}
	return nil
}

// OnDisconnectedMidOperation is the hook an operation layered on top of
// this Client invokes when it observes the connection drop out from under
// it: EOF on the transport, or an ErrorResponse with severity FATAL and
// code 57P01 (administrator command). It marks the Client disconnected,
// clears the published Session, and then - if the configured retry policy
// allows at least one attempt - tries to reconnect exactly once (bounded,
// as always, by Connect's own attempt budget) before returning.
//
// The failure that triggered the call is never retried transparently: it
// is always surfaced to the caller as errSessionTerminated, regardless of
// whether the reconnect that follows succeeds.
func (c *Client) OnDisconnectedMidOperation(ctx context.Context, observed error) error {
	c.mu.Lock()
	wasConnected := c.connected.Load()
	if wasConnected {
		if c.transport != nil {
			c.transport.Close()
			c.transport = nil
		}
		c.connected.Store(false)
		empty := emptySession()
		c.session.Store(&empty)
	}
	c.mu.Unlock()

	if !wasConnected {
		return errSessionTerminated
	}

	if c.opts.Connection.Attempts >= 1 {
		_ = c.Connect(ctx)
	}
	return errSessionTerminated
}
