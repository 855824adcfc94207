package pgconn

// Session is an immutable, observable snapshot of the current connection
// identity. A new value is published atomically at
// each state transition; callers never observe a Session being mutated in
// place.
type Session struct {
	// PID is the backend process identifier from BackendKeyData. Zero
	// means unset (connected iff TLS is set and PID
	// is set, so callers should gate on Client.Connected rather than a
	// zero PID check when that matters).
	PID uint32

	// SecretKey is the cancellation key from BackendKeyData.
	SecretKey uint32

	// TLSSet is false until the TLS negotiation stage has produced a
	// definitive answer; TLS holds that answer once TLSSet is true.
	// Client.Session() only ever returns a Session with TLSSet true when
	// Connected() is true, so callers normally read TLS directly.
	TLSSet bool
	TLS    bool

	// ServerParams accumulates ParameterStatus values across the life of
	// the connection.
	ServerParams map[string]string

	TransactionStatus TransactionStatus
}

// emptySession is the cleared value a Client publishes on disconnect. All
// fields are the zero value; TLSSet is false and ServerParams is nil so
// that a caller can't mistake it for a connected snapshot that merely
// hasn't seen a parameter yet.
func emptySession() Session {
	return Session{}
}

// clone returns a value copy with its own ServerParams map so that the
// published snapshot can never be mutated by a later write through a
// previously-observed reference.
func (s Session) clone() Session {
	cp := s
	if s.ServerParams != nil {
		cp.ServerParams = make(map[string]string, len(s.ServerParams))
		for k, v := range s.ServerParams {
			cp.ServerParams[k] = v
		}
	}
	return cp
}
