package pgconn

// TLSOptions controls whether and how the client negotiates TLS with the
// server.
type TLSOptions struct {
	// Enabled, if false, means the client never sends SSLRequest at all;
	// session.tls is set to false unconditionally.
	Enabled bool

	// Enforce, if true, makes the client abort the connection attempt
	// whenever TLS cannot be established (server refuses, or the
	// certificate cannot be verified). If false, the client degrades to
	// plaintext.
	Enforce bool

	// CACertificates are extra trusted roots (PEM-encoded), appended to
	// the system pool, used to verify the server's certificate.
	CACertificates [][]byte

	// ServerName overrides the name used for certificate verification.
	// Defaults to ConnectionOptions.Host.
	ServerName string
}

// RetryPolicy bounds the number of connection attempts the Controller will
// make before giving up.
type RetryPolicy struct {
	// Attempts is the reconnection budget. 0 means "try once, no
	// retries"; N>=1 means up to N total attempts. Attempts is the TOTAL
	// try count, not "retries on top of one mandatory try".
	Attempts uint32
}

// totalAttempts returns max(1, Attempts).
func (p RetryPolicy) totalAttempts() int {
	if p.Attempts == 0 {
		return 1
	}
	return int(p.Attempts)
}

// ConnectionOptions is the immutable input to Client.Connect. It must not
// be mutated once a connection attempt has started.
type ConnectionOptions struct {
	Host            string
	Port            string
	User            string
	Database        string
	Password        string
	ApplicationName string

	TLS        TLSOptions
	Connection RetryPolicy

	// RuntimeParams are additional startup parameters sent verbatim in
	// the StartupMessage (e.g. "search_path", "timezone").
	RuntimeParams map[string]string
}

// database returns the effective database name: it defaults to the user
// name, matching libpq's convention.
func (o ConnectionOptions) database() string {
	if o.Database != "" {
		return o.Database
	}
	return o.User
}

func (o ConnectionOptions) addr() string {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == "" {
		port = "5432"
	}
	return host + ":" + port
}
