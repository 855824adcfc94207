package pgconn

// SCRAM-SHA-256 (RFC 5802 / RFC 7677). This file is a pure state machine:
// it never touches a transport directly, so that each step is testable
// against synthetic server messages rather than only against a live server.
//
// Channel binding is not implemented; the client-first header is always
// "n,,". The header is kept in the clientFirstHeader constant rather than
// inlined below; it is not configurable.

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

const (
	clientFirstHeader     = "n,,"
	clientFinalNoCBHeader = "c=biws" // base64("n,,")
)

// scramExchange holds the per-connection state threaded through the four
// SCRAM steps.
type scramExchange struct {
	password string

	clientNonce string
	serverFirst string // the raw server-first-message
	fullNonce   string // client nonce || server nonce
	salt        []byte
	iterations  int

	saltedPassword []byte
	authMessage    []byte
}

// newScramExchange generates the client nonce (18 random bytes,
// base64-encoded) and returns a ready-to-drive exchange.
func newScramExchange(password string) (*scramExchange, error) {
	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &AuthenticationError{Reason: "failed to generate client nonce: " + err.Error()}
	}
	return &scramExchange{
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// clientFirstMessage returns "n,,n=,r=<client_nonce>", to be sent as the
// SASLInitialResponse body.
func (s *scramExchange) clientFirstMessage() string {
	return clientFirstHeader + s.clientFirstMessageBare()
}

func (s *scramExchange) clientFirstMessageBare() string {
	return "n=,r=" + s.clientNonce
}

// receiveServerFirst parses "r=<nonce>,s=<salt_b64>,i=<iterations>" from a
// SASLContinue payload and validates that the server's nonce is an
// extension of the client's.
func (s *scramExchange) receiveServerFirst(msg string) error {
	s.serverFirst = msg
	parts := strings.Split(msg, ",")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "r=") ||
		!strings.HasPrefix(parts[1], "s=") || !strings.HasPrefix(parts[2], "i=") {
		return &AuthenticationError{Reason: "invalid SCRAM server-first-message"}
	}

	fullNonce := parts[0][2:]
	if len(fullNonce) <= len(s.clientNonce) || !strings.HasPrefix(fullNonce, s.clientNonce) {
		return &AuthenticationError{Reason: "server nonce does not extend the client nonce"}
	}
	s.fullNonce = fullNonce

	salt, err := base64.StdEncoding.DecodeString(parts[1][2:])
	if err != nil {
		return &AuthenticationError{Reason: "invalid SCRAM salt: " + err.Error()}
	}
	s.salt = salt

	iters, err := strconv.Atoi(parts[2][2:])
	if err != nil || iters <= 0 {
		return &AuthenticationError{Reason: "invalid SCRAM iteration count"}
	}
	s.iterations = iters
	return nil
}

// clientFinalMessage computes SaltedPassword/ClientProof and returns
// "c=biws,r=<nonce>,p=<proof>", to be sent as the SASLResponse body.
func (s *scramExchange) clientFinalMessage() string {
	withoutProof := clientFinalNoCBHeader + ",r=" + s.fullNonce

	normalized, err := stringprep.SASLprep.Prepare(s.password)
	if err != nil {
		// PostgreSQL authenticates successfully even when the password
		// does not fit the RFC 4013 profile; match that rather than
		// failing the normalization step.
		normalized = s.password
	}

	s.saltedPassword = pbkdf2.Key([]byte(normalized), s.salt, s.iterations, 32, sha256.New)
	s.authMessage = []byte(s.clientFirstMessageBare() + "," + s.serverFirst + "," + withoutProof)

	proof := computeClientProof(s.saltedPassword, s.authMessage)
	return withoutProof + ",p=" + proof
}

// verifyServerFinal parses "v=<signature_b64>" from a SASLFinal payload and
// verifies it in constant time. A mismatch produces
// AuthenticationError{Reason: "server signature invalid"}.
func (s *scramExchange) verifyServerFinal(msg string) error {
	if !strings.HasPrefix(msg, "v=") {
		return &AuthenticationError{Reason: "invalid SCRAM server-final-message"}
	}
	want := computeServerSignature(s.saltedPassword, s.authMessage)
	got := msg[2:]
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return &AuthenticationError{Reason: "server signature invalid"}
	}
	return nil
}

func computeClientProof(saltedPassword, authMessage []byte) string {
	clientKey := computeHMAC(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := computeHMAC(storedKey[:], authMessage)

	proof := make([]byte, len(clientSignature))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	return base64.StdEncoding.EncodeToString(proof)
}

func computeServerSignature(saltedPassword, authMessage []byte) string {
	serverKey := computeHMAC(saltedPassword, []byte("Server Key"))
	serverSignature := computeHMAC(serverKey, authMessage)
	return base64.StdEncoding.EncodeToString(serverSignature)
}

func computeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
