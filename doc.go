/*
Package pgconn implements the PostgreSQL frontend/backend wire protocol
connection state machine: TLS negotiation, the three password-based
authentication methods (cleartext, MD5, SCRAM-SHA-256), and the session
lifecycle that follows a successful handshake, including reconnection on
transport failure.

This package deliberately does not run queries. It hands a caller a
[Client] whose underlying transport and observable [Session] can be used
to build a query layer on top; the connection state machine itself is the
full surface here.

# Connecting

	opts := pgconn.ConnectionOptions{
		Host:     "localhost",
		Port:     "5432",
		User:     "app",
		Password: "secret",
		Database: "app",
		TLS: pgconn.TLSOptions{
			Enabled: true,
			Enforce: false,
		},
		Connection: pgconn.RetryPolicy{Attempts: 3},
	}

	client := pgconn.New(opts)
	if err := client.Connect(context.Background()); err != nil {
		log.Fatal(err)
	}
	defer client.End()

	sess := client.Session()
	fmt.Println("backend pid:", sess.PID, "tls:", sess.TLS)

Connection strings (URLs or libpq keyword/value strings) and environment
variables are handled by the separate
[github.com/coreglide/pgconn/config] package rather than by Client
itself, keeping that parsing out of the state machine.

# Errors

Failures are returned as one of a small set of concrete types rather than
opaque strings, so callers can branch with [errors.As]: [*PostgresError]
wraps a server-sent [*Error] (SQLSTATE and all), [*TransportOpenError] and
[*TransportIoError] cover dial/read/write failures, [*TlsHandshakeError]
and [*TlsAvailabilityError] cover TLS negotiation, and
[*AuthenticationError] / [*UnsupportedAuthenticationMethod] cover the
authentication exchange.

# Reconnection

Client.Connect retries internally according to
[ConnectionOptions.Connection] when the failure is transport-class (the
peer refused the connection, or TLS availability could not be
determined) — never for a server-rejected password or an enforced
certificate failure. A caller running operations against the connection
can similarly call Client.OnDisconnectedMidOperation when it observes the
connection drop mid-operation (EOF, or an administrator-command
termination) to fold the same reconnection policy into that failure.
*/
package pgconn
