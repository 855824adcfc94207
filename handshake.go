package pgconn

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// wireMessage is one decoded frame: a type tag plus its payload, with the
// 5-byte header already consumed.
type wireMessage struct {
	tag     byte
	payload readBuf
}

// recvMessage reads one framed message off t: a 1-byte tag, a 4-byte
// big-endian length (inclusive of itself), then length-4 bytes of payload.
// This is the single place a tagged backend message is read off the
// transport.
func recvMessage(ctx context.Context, t transport) (wireMessage, error) {
	header, err := t.ReadFull(ctx, 5)
	if err != nil {
		return wireMessage{}, err
	}
	tag := header[0]
	length := readBuf(header[1:]).int32() - 4
	if length < 0 {
		return wireMessage{}, errProtocolViolation("negative message length")
	}
	var payload []byte
	if length > 0 {
		payload, err = t.ReadFull(ctx, int(length))
		if err != nil {
			return wireMessage{}, err
		}
	}
	return wireMessage{tag: tag, payload: readBuf(payload)}, nil
}

// redialFunc opens a fresh transport to addr; it is the same shape as
// Client's dialTransport variable, passed in explicitly so tests can
// observe and control every dial negotiateTLS performs, including the
// reopen on a downgraded TLS handshake.
type redialFunc func(ctx context.Context, addr string) (transport, error)

// negotiateTLS is the first startup stage. tr is replaced in place
// when the TLS handshake fails on an invalid certificate and policy requires
// reopening a fresh transport (see the note on invalid-certificate handling
// below).
func negotiateTLS(ctx context.Context, tr *transport, opts ConnectionOptions, redial redialFunc) (tlsOn bool, err error) {
	if !opts.TLS.Enabled {
		return false, nil
	}

	if err := (*tr).Write(ctx, encodeSSLRequest()); err != nil {
		return false, err
	}
	resp, err := (*tr).ReadFull(ctx, 1)
	if err != nil {
		return false, &TlsAvailabilityError{Err: err}
	}

	switch resp[0] {
	case 'N':
		if opts.TLS.Enforce {
			return false, &TlsAvailabilityError{Err: errProtocolViolation("server refused SSL and tls.enforce is set")}
		}
		return false, nil

	case 'S':
		cfg, err := buildTLSConfig(opts.TLS, opts.Host)
		if err != nil {
			return false, err
		}
		upgradeErr := (*tr).upgradeTLS(ctx, cfg)
		if upgradeErr == nil {
			return true, nil
		}

		var tlsErr *TlsHandshakeError
		if !asTLSHandshakeError(upgradeErr, &tlsErr) {
			return false, upgradeErr
		}
		if tlsErr.InvalidCertificate && opts.TLS.Enforce {
			return false, tlsErr
		}
		if !tlsErr.InvalidCertificate {
			// A non-certificate handshake failure (e.g. the peer closed
			// the socket) is a transport problem, not a policy decision.
			return false, tlsErr
		}

		// Invalid certificate, not enforced: the original socket is left
		// in an indeterminate state by the failed handshake and must not
		// be reused, so open a fresh one and continue in plaintext.
		(*tr).Close()
		fresh, dialErr := redial(ctx, opts.addr())
		if dialErr != nil {
			return false, dialErr
		}
		*tr = fresh
		return false, nil

	default:
		return false, &TlsAvailabilityError{Err: errProtocolViolation(fmt.Sprintf("unexpected SSLRequest response byte %q", resp[0]))}
	}
}

func asTLSHandshakeError(err error, target **TlsHandshakeError) bool {
	if e, ok := err.(*TlsHandshakeError); ok {
		*target = e
		return true
	}
	return false
}

// startupAndAuth is the second startup stage: send StartupMessage, then
// dispatch AuthenticationRequest/ErrorResponse/NegotiateProtocolVersion
// until AuthenticationOk.
func startupAndAuth(ctx context.Context, tr transport, opts ConnectionOptions) error {
	if err := tr.Write(ctx, encodeStartupMessage(opts)); err != nil {
		return err
	}

	for {
		msg, err := recvMessage(ctx, tr)
		if err != nil {
			return err
		}
		switch msg.tag {
		case msgAuthenticationR:
			auth, err := decodeAuthentication(msg.payload)
			if err != nil {
				return err
			}
			if auth.subtype == authOk {
				return nil
			}
			if err := driveAuthenticator(ctx, tr, auth, opts); err != nil {
				return err
			}
			if auth.subtype == authSASL {
				return nil
			}
			// driveAuthenticator consumes messages through
			// AuthenticationOk itself for multi-round methods, but
			// cleartext/MD5 only consume the single response; loop
			// back to confirm AuthenticationOk was reached.
		case msgErrorResponseE:
			pgErr, perr := parseErrorFields(&msg.payload)
			if perr != nil {
				return perr
			}
			return &PostgresError{Pg: pgErr}
		case msgNegotiateProtocolV:
			// Recorded and ignored: this core only ever requests
			// protocol version 3.0, so a negotiation downgrade offer
			// has nothing to act on.
		default:
			return errProtocolViolation(fmt.Sprintf("unexpected message %q during startup", msg.tag))
		}
	}
}

// driveAuthenticator dispatches the AuthenticationRequest subtype that
// followed StartupMessage to the matching sub-protocol.
// For cleartext/MD5 it sends exactly one PasswordMessage and returns,
// leaving the final AuthenticationOk confirmation to the caller's loop.
// For SCRAM it runs the full 4-step exchange through to AuthenticationOk
// itself, since the intermediate rounds (SASLContinue/SASLFinal) do not
// appear anywhere else in the startup loop.
func driveAuthenticator(ctx context.Context, tr transport, auth decodedAuth, opts ConnectionOptions) error {
	switch auth.subtype {
	case authCleartextPassword:
		return tr.Write(ctx, encodePasswordMessage(opts.Password))

	case authMD5Password:
		if len(auth.data) != 4 {
			return errProtocolViolation("malformed MD5 salt")
		}
		salt := string(auth.data)
		return tr.Write(ctx, encodeMD5PasswordMessage(opts.User, opts.Password, salt))

	case authSASL:
		return runScram(ctx, tr, opts.Password)

	default:
		return &UnsupportedAuthenticationMethod{Subtype: auth.subtype}
	}
}

// runScram drives the full SCRAM-SHA-256 exchange to
// completion, ending on AuthenticationOk.
func runScram(ctx context.Context, tr transport, password string) error {
	ex, err := newScramExchange(password)
	if err != nil {
		return err
	}

	if err := tr.Write(ctx, encodeSASLInitialResponse("SCRAM-SHA-256", ex.clientFirstMessage())); err != nil {
		return err
	}

	msg, err := recvMessage(ctx, tr)
	if err != nil {
		return err
	}
	if err := expectAuthSubtype(msg, authSASLContinue); err != nil {
		return err
	}
	auth, err := decodeAuthentication(msg.payload)
	if err != nil {
		return err
	}
	if err := ex.receiveServerFirst(string(auth.data)); err != nil {
		return err
	}

	if err := tr.Write(ctx, encodeSASLResponse(ex.clientFinalMessage())); err != nil {
		return err
	}

	msg, err = recvMessage(ctx, tr)
	if err != nil {
		return err
	}
	if err := expectAuthSubtype(msg, authSASLFinal); err != nil {
		return err
	}
	auth, err = decodeAuthentication(msg.payload)
	if err != nil {
		return err
	}
	if err := ex.verifyServerFinal(string(auth.data)); err != nil {
		return err
	}

	msg, err = recvMessage(ctx, tr)
	if err != nil {
		return err
	}
	if msg.tag != msgAuthenticationR {
		return errProtocolViolation(fmt.Sprintf("expected AuthenticationOk after SCRAM, got %q", msg.tag))
	}
	final, err := decodeAuthentication(msg.payload)
	if err != nil {
		return err
	}
	if final.subtype != authOk {
		return &AuthenticationError{Reason: "server did not confirm SCRAM exchange with AuthenticationOk"}
	}
	return nil
}

func expectAuthSubtype(msg wireMessage, want int32) error {
	if msg.tag == msgErrorResponseE {
		pgErr, err := parseErrorFields(&msg.payload)
		if err != nil {
			return err
		}
		return &PostgresError{Pg: pgErr}
	}
	if msg.tag != msgAuthenticationR {
		return errProtocolViolation(fmt.Sprintf("expected AuthenticationRequest, got %q", msg.tag))
	}
	auth, err := decodeAuthentication(msg.payload)
	if err != nil {
		return err
	}
	if auth.subtype != want {
		return &AuthenticationError{Reason: fmt.Sprintf("unexpected SCRAM message subtype %d, wanted %d", auth.subtype, want)}
	}
	return nil
}

// waitForReady is the third startup stage: consume messages,
// populating the session, until ReadyForQuery.
func waitForReady(ctx context.Context, tr transport, tlsOn bool) (Session, error) {
	sess := Session{TLSSet: true, TLS: tlsOn, ServerParams: map[string]string{}}

	for {
		msg, err := recvMessage(ctx, tr)
		if err != nil {
			return Session{}, err
		}
		switch msg.tag {
		case msgParameterStatusS:
			k, v, err := decodeParameterStatus(msg.payload)
			if err != nil {
				return Session{}, err
			}
			sess.ServerParams[k] = v
		case msgBackendKeyDataK:
			pid, secret, err := decodeBackendKeyData(msg.payload)
			if err != nil {
				return Session{}, err
			}
			sess.PID = pid
			sess.SecretKey = secret
		case msgReadyForQueryZ:
			status, err := decodeReadyForQuery(msg.payload)
			if err != nil {
				return Session{}, err
			}
			sess.TransactionStatus = status
			return sess, nil
		case msgNoticeResponseN:
			// Decoded and discarded: this core exposes no notice hook.
			if _, err := parseErrorFields(&msg.payload); err != nil {
				return Session{}, err
			}
		case msgErrorResponseE:
			pgErr, perr := parseErrorFields(&msg.payload)
			if perr != nil {
				return Session{}, perr
			}
			return Session{}, &PostgresError{Pg: pgErr}
		default:
			return Session{}, errProtocolViolation(fmt.Sprintf("unexpected message %q while waiting for ready", msg.tag))
		}
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
