package pgconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"time"
)

// transport is the byte-level duplex stream contract this core needs. It
// is implemented by *tcpTransport; tests wrap one end of a net.Pipe in it.
// Every method that can block takes a context so a cancelled or timed-out
// ctx unblocks it rather than hanging until the peer acts.
type transport interface {
	ReadFull(ctx context.Context, n int) ([]byte, error)

	// ReadAvailable returns whatever bytes are already buffered on the
	// connection without waiting for more to arrive. A nil slice with a
	// nil error means nothing was available right now.
	ReadAvailable(ctx context.Context) ([]byte, error)

	Write(ctx context.Context, b []byte) error
	Close() error

	// upgradeTLS is one-shot: once called (successfully or not) the
	// original plaintext half is no longer usable. A failed upgrade
	// leaves the socket in an indeterminate state; callers must reopen a
	// fresh transport rather than reuse it.
	upgradeTLS(ctx context.Context, cfg *tls.Config) error
}

// tcpTransport wraps a net.Conn with the explicit capability set this
// core exposes: framed read/write, close, and a one-shot TLS upgrade.
type tcpTransport struct {
	conn net.Conn
}

// openTCP dials (host, port), honoring ctx for cancellation the way the
// teacher's conn_go18.go DialerContext does.
func openTCP(ctx context.Context, addr string) (*tcpTransport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportOpenError{Addr: addr, Err: err}
	}
	return &tcpTransport{conn: c}, nil
}

func (t *tcpTransport) ReadFull(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := withDeadline(ctx, t.conn, func() error {
		_, err := io.ReadFull(t.conn, buf)
		return err
	})
	if err == nil {
		return buf, nil
	}
	if isContextErr(err) {
		return nil, err
	}
	return nil, &TransportIoError{Err: err}
}

// ReadAvailable does a single non-blocking peek: a short read deadline is
// set, one Read is attempted, and a timeout is reported as "nothing
// available" rather than an error, distinct from a genuine I/O failure.
func (t *tcpTransport) ReadAvailable(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, &TransportIoError{Err: err}
	}
	defer t.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	n, err := t.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, &TransportIoError{Err: err}
	}
	return buf[:n], nil
}

func (t *tcpTransport) Write(ctx context.Context, b []byte) error {
	err := withDeadline(ctx, t.conn, func() error {
		_, err := t.conn.Write(b)
		return err
	})
	if err == nil {
		return nil
	}
	if isContextErr(err) {
		return err
	}
	return &TransportIoError{Err: err}
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// upgradeTLS performs the handshake and, on an invalid/untrusted
// certificate, reports that distinctly from any other I/O failure so the
// caller can apply the enforce-vs-downgrade policy.
func (t *tcpTransport) upgradeTLS(ctx context.Context, cfg *tls.Config) error {
	client := tls.Client(t.conn, cfg)
	err := withDeadline(ctx, t.conn, client.Handshake)
	if err == nil {
		t.conn = client
		return nil
	}
	if isContextErr(err) {
		return err
	}
	if isCertificateError(err) {
		return &TlsHandshakeError{InvalidCertificate: true, Err: err}
	}
	return &TlsHandshakeError{Err: err}
}

// isContextErr reports whether err is the sentinel context.Canceled or
// context.DeadlineExceeded produced by withDeadline when ctx ends the wait,
// as opposed to an I/O error from the underlying connection.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalid x509.CertificateInvalidError
	return errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &invalid)
}

// buildTLSConfig turns TLSOptions into a *tls.Config, grounded on the
// teacher's ssl.go certificate-authority loading (sslCertificateAuthority),
// restricted to the CA-pool concern this core exposes (no client-cert,
// CRL, or sslmode levels: those are query-façade concerns this core does
// not expose).
func buildTLSConfig(o TLSOptions, host string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: host}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if len(o.CACertificates) == 0 {
		return cfg, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, pem := range o.CACertificates {
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &TlsHandshakeError{InvalidCertificate: true, Err: errProtocolViolation("could not parse CA certificate PEM")}
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// withDeadline runs fn with the transport's underlying connection deadline
// derived from ctx, clearing it afterward. Every transport suspension
// point (ReadFull, Write, upgradeTLS) goes through this helper so a
// cancelled or deadline-expired ctx unblocks an in-flight read or write
// instead of waiting on the peer.
func withDeadline(ctx context.Context, conn net.Conn, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	}
}

