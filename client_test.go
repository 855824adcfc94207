package pgconn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// recvStartupLikeMessage reads one untagged (startup-style) message: a
// 4-byte length followed by length-4 bytes of payload. Both SSLRequest and
// StartupMessage use this framing.
func recvStartupLikeMessage(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(lenBuf)) - 4
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	_, err := io.ReadFull(conn, payload)
	return payload, err
}

func TestConnectCleartextPassword(t *testing.T) {
	fb := newFakeBackend()
	fb.install(t)
	defer fb.close()

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret", Database: "appdb",
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	if _, err := recvStartupLikeMessage(fb.server); err != nil {
		t.Fatalf("reading StartupMessage: %v", err)
	}
	if err := fb.sendAuthRequest(authCleartextPassword, nil); err != nil {
		t.Fatalf("sending AuthenticationCleartextPassword: %v", err)
	}

	msg, err := fb.recv()
	if err != nil {
		t.Fatalf("reading PasswordMessage: %v", err)
	}
	if msg.tag != msgPasswordMessagep {
		t.Fatalf("expected PasswordMessage, got tag %q", msg.tag)
	}
	pw, err := msg.payload.string()
	if err != nil || pw != "secret" {
		t.Fatalf("expected cleartext password %q, got %q (err=%v)", "secret", pw, err)
	}

	if err := fb.sendAuthRequest(authOk, nil); err != nil {
		t.Fatalf("sending AuthenticationOk: %v", err)
	}
	if err := fb.completeReadySequence(4242, 99887766); err != nil {
		t.Fatalf("sending ready sequence: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return in time")
	}

	if !client.Connected() {
		t.Fatal("expected Connected() to be true")
	}
	sess := client.Session()
	if sess.PID != 4242 || sess.SecretKey != 99887766 {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.TLS {
		t.Fatal("expected TLS to be false (TLS was not enabled)")
	}
	if sess.TransactionStatus != TransactionIdle {
		t.Fatalf("expected idle transaction status, got %v", sess.TransactionStatus)
	}
}

func TestConnectMD5Password(t *testing.T) {
	fb := newFakeBackend()
	fb.install(t)
	defer fb.close()

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret", Database: "appdb",
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	if _, err := recvStartupLikeMessage(fb.server); err != nil {
		t.Fatalf("reading StartupMessage: %v", err)
	}
	salt := []byte{0x01, 0x02, 0x03, 0x04}
	if err := fb.sendAuthRequest(authMD5Password, salt); err != nil {
		t.Fatalf("sending AuthenticationMD5Password: %v", err)
	}

	msg, err := fb.recv()
	if err != nil {
		t.Fatalf("reading PasswordMessage: %v", err)
	}
	got, err := msg.payload.string()
	if err != nil {
		t.Fatalf("reading password string: %v", err)
	}
	want := "md5" + md5Hex(md5Hex("secret"+"app")+string(salt))
	if got != want {
		t.Fatalf("MD5 password mismatch: got %q want %q", got, want)
	}

	if err := fb.sendAuthRequest(authOk, nil); err != nil {
		t.Fatalf("sending AuthenticationOk: %v", err)
	}
	if err := fb.completeReadySequence(555, 123); err != nil {
		t.Fatalf("sending ready sequence: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return in time")
	}

	if sess := client.Session(); sess.PID != 555 {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestConnectSCRAMWrongPassword(t *testing.T) {
	fb := newFakeBackend()
	fb.install(t)
	defer fb.close()

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "wrong", Database: "appdb",
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	if _, err := recvStartupLikeMessage(fb.server); err != nil {
		t.Fatalf("reading StartupMessage: %v", err)
	}
	if err := fb.sendAuthRequest(authSASL, nil); err != nil {
		t.Fatalf("sending AuthenticationSASL: %v", err)
	}

	msg, err := fb.recv()
	if err != nil {
		t.Fatalf("reading SASLInitialResponse: %v", err)
	}
	clientNonce := extractClientNonce(t, msg.payload)

	serverNonce := make([]byte, 9)
	if _, err := rand.Read(serverNonce); err != nil {
		t.Fatal(err)
	}
	fullNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonce)
	salt := base64.StdEncoding.EncodeToString([]byte("saltsaltsalt"))
	serverFirst := "r=" + fullNonce + ",s=" + salt + ",i=4096"
	if err := fb.sendAuthRequest(authSASLContinue, []byte(serverFirst)); err != nil {
		t.Fatalf("sending AuthenticationSASLContinue: %v", err)
	}

	if _, err := fb.recv(); err != nil {
		t.Fatalf("reading SASLResponse: %v", err)
	}
	if err := fb.sendErrorResponse(map[byte]string{
		'S': "FATAL",
		'C': "28P01",
		'M': `password authentication failed for user "app"`,
	}); err != nil {
		t.Fatalf("sending ErrorResponse: %v", err)
	}

	select {
	case err := <-done:
		var pgErr *PostgresError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected *PostgresError, got %T: %v", err, err)
		}
		if pgErr.Pg.Code != "28P01" {
			t.Fatalf("expected SQLSTATE 28P01, got %s", pgErr.Pg.Code)
		}
		if !strings.Contains(pgErr.Error(), "password authentication failed") {
			t.Fatalf("unexpected message: %s", pgErr.Error())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return in time")
	}
	if client.Connected() {
		t.Fatal("expected Connected() to remain false")
	}
}

// extractClientNonce pulls "r=<nonce>" out of a SASLInitialResponse payload
// ("<mechanism>\0<int32 length><client-first-message>").
func extractClientNonce(t *testing.T, payload readBuf) string {
	t.Helper()
	_, err := payload.string()
	if err != nil {
		t.Fatalf("reading mechanism: %v", err)
	}
	payload.int32()
	body := string(payload.rest())
	idx := strings.Index(body, "r=")
	if idx < 0 {
		t.Fatalf("no nonce in client-first-message %q", body)
	}
	return body[idx+2:]
}

func TestConnectDatabaseNotFound(t *testing.T) {
	fb := newFakeBackend()
	fb.install(t)
	defer fb.close()

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret", Database: "doesnotexist",
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	if _, err := recvStartupLikeMessage(fb.server); err != nil {
		t.Fatalf("reading StartupMessage: %v", err)
	}
	if err := fb.sendAuthRequest(authCleartextPassword, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := fb.recv(); err != nil {
		t.Fatalf("reading PasswordMessage: %v", err)
	}
	if err := fb.sendAuthRequest(authOk, nil); err != nil {
		t.Fatal(err)
	}
	if err := fb.sendErrorResponse(map[byte]string{
		'S': "FATAL",
		'C': "3D000",
		'M': `database "doesnotexist" does not exist`,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		var pgErr *PostgresError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected *PostgresError, got %T: %v", err, err)
		}
		if pgErr.Pg.Code != "3D000" {
			t.Fatalf("expected SQLSTATE 3D000, got %s", pgErr.Pg.Code)
		}
		if !strings.Contains(pgErr.Error(), "does not exist") {
			t.Fatalf("unexpected message: %s", pgErr.Error())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return in time")
	}
}

func TestConnectNonPostgresPeerDropsDuringTLSProbe(t *testing.T) {
	var dialCount int32
	prev := dialTransport
	dialTransport = func(ctx context.Context, addr string) (transport, error) {
		atomic.AddInt32(&dialCount, 1)
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 8) // the SSLRequest this core always sends first
			io.ReadFull(server, buf)
			server.Close()
		}()
		return &tcpTransport{conn: client}, nil
	}
	t.Cleanup(func() { dialTransport = prev })

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret",
		TLS:        TLSOptions{Enabled: true},
		Connection: RetryPolicy{Attempts: 5},
	}
	client := New(opts)

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect to fail")
	}
	if got := atomic.LoadInt32(&dialCount); got != 5 {
		t.Fatalf("expected exactly 5 connection attempts, got %d", got)
	}
	var availErr *TlsAvailabilityError
	if !errors.As(err, &availErr) {
		t.Fatalf("expected *TlsAvailabilityError, got %T: %v", err, err)
	}
	if !strings.HasPrefix(err.Error(), "Could not check if server accepts SSL connections") {
		t.Fatalf("unexpected error message: %s", err.Error())
	}
}

func TestOnDisconnectedMidOperationReconnectsWithNewSession(t *testing.T) {
	fb1 := newFakeBackend()
	defer fb1.close()
	fb2 := newFakeBackend()
	defer fb2.close()

	var dialCount int32
	prev := dialTransport
	dialTransport = func(ctx context.Context, addr string) (transport, error) {
		n := atomic.AddInt32(&dialCount, 1)
		if n == 1 {
			return &tcpTransport{conn: fb1.client}, nil
		}
		return &tcpTransport{conn: fb2.client}, nil
	}
	t.Cleanup(func() { dialTransport = prev })

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret", Database: "appdb",
		Connection: RetryPolicy{Attempts: 1},
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()
	runCleartextHandshake(t, fb1, 1001, 1)
	if err := <-done; err != nil {
		t.Fatalf("initial Connect failed: %v", err)
	}
	if client.Session().PID != 1001 {
		t.Fatalf("unexpected initial session %+v", client.Session())
	}

	reconnectDone := make(chan error, 1)
	go func() {
		reconnectDone <- client.OnDisconnectedMidOperation(context.Background(), io.EOF)
	}()
	runCleartextHandshake(t, fb2, 2002, 2)

	select {
	case err := <-reconnectDone:
		if !errors.Is(err, errSessionTerminated) {
			t.Fatalf("expected errSessionTerminated, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnectedMidOperation did not return in time")
	}

	if !client.Connected() {
		t.Fatal("expected Connected() to be true after reconnect")
	}
	if client.Session().PID != 2002 {
		t.Fatalf("expected repopulated session with new PID, got %+v", client.Session())
	}
}

func TestOnDisconnectedMidOperationNoReconnectWhenAttemptsZero(t *testing.T) {
	fb1 := newFakeBackend()
	defer fb1.close()

	prev := dialTransport
	dialTransport = func(ctx context.Context, addr string) (transport, error) {
		return &tcpTransport{conn: fb1.client}, nil
	}
	t.Cleanup(func() { dialTransport = prev })

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret", Database: "appdb",
		Connection: RetryPolicy{Attempts: 0},
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()
	runCleartextHandshake(t, fb1, 42, 1)
	if err := <-done; err != nil {
		t.Fatalf("initial Connect failed: %v", err)
	}

	err := client.OnDisconnectedMidOperation(context.Background(), io.EOF)
	if !errors.Is(err, errSessionTerminated) {
		t.Fatalf("expected errSessionTerminated, got %v", err)
	}
	if client.Connected() {
		t.Fatal("expected Connected() to remain false with attempts=0")
	}
	if got := client.RequireConnected(); !errors.Is(got, ErrClientDisconnected) {
		t.Fatalf("expected ErrClientDisconnected, got %v", got)
	}
}

func TestEnd(t *testing.T) {
	fb := newFakeBackend()
	fb.install(t)
	defer fb.close()

	opts := ConnectionOptions{
		Host: "db.internal", Port: "5432",
		User: "app", Password: "secret", Database: "appdb",
	}
	client := New(opts)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()
	runCleartextHandshake(t, fb, 777, 888)
	if err := <-done; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.Connected() {
		t.Fatal("expected Connected() to be true before End")
	}

	termDone := make(chan wireMessage, 1)
	go func() {
		msg, err := fb.recv()
		if err != nil {
			return
		}
		termDone <- msg
	}()

	if err := client.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case msg := <-termDone:
		if msg.tag != msgTerminateX {
			t.Fatalf("expected Terminate message, got tag %q", msg.tag)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not observe a Terminate message")
	}

	if client.Connected() {
		t.Fatal("expected Connected() to be false after End")
	}
	sess := client.Session()
	if sess.PID != 0 || sess.SecretKey != 0 || sess.TLSSet {
		t.Fatalf("expected a cleared session after End, got %+v", sess)
	}

	if err := client.End(); err != nil {
		t.Fatalf("expected a second End to be a no-op, got %v", err)
	}
}

// runCleartextHandshake drives a full cleartext-password handshake from the
// server side of fb, publishing pid/secret on success.
func runCleartextHandshake(t *testing.T, fb *fakeBackend, pid, secret uint32) {
	t.Helper()
	if _, err := recvStartupLikeMessage(fb.server); err != nil {
		t.Fatalf("reading StartupMessage: %v", err)
	}
	if err := fb.sendAuthRequest(authCleartextPassword, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := fb.recv(); err != nil {
		t.Fatalf("reading PasswordMessage: %v", err)
	}
	if err := fb.sendAuthRequest(authOk, nil); err != nil {
		t.Fatal(err)
	}
	if err := fb.completeReadySequence(pid, secret); err != nil {
		t.Fatal(err)
	}
}
