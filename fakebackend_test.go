package pgconn

import (
	"context"
	"net"
	"testing"
)

// fakeBackend is a minimal in-process stand-in for a PostgreSQL server,
// driven by each test's own goroutine over a net.Pipe. Tests install it by
// replacing the package-level dialTransport variable.
type fakeBackend struct {
	client net.Conn
	server net.Conn
}

func newFakeBackend() *fakeBackend {
	client, server := net.Pipe()
	return &fakeBackend{client: client, server: server}
}

// install points Client.Connect at this backend's client half instead of a
// real TCP dial, restoring the previous dialer when the test ends.
func (f *fakeBackend) install(t *testing.T) {
	t.Helper()
	prev := dialTransport
	dialTransport = func(ctx context.Context, addr string) (transport, error) {
		return &tcpTransport{conn: f.client}, nil
	}
	t.Cleanup(func() { dialTransport = prev })
}

func (f *fakeBackend) recv() (wireMessage, error) {
	return recvMessage(context.Background(), &tcpTransport{conn: f.server})
}

func (f *fakeBackend) send(b []byte) error {
	_, err := f.server.Write(b)
	return err
}

func (f *fakeBackend) sendAuthRequest(subtype int32, data []byte) error {
	w := newWriteBuf(msgAuthenticationR)
	w.int32(subtype)
	w.bytes(data)
	return f.send(w.wrap())
}

func (f *fakeBackend) sendParameterStatus(key, val string) error {
	w := newWriteBuf(msgParameterStatusS)
	w.string(key)
	w.string(val)
	return f.send(w.wrap())
}

func (f *fakeBackend) sendBackendKeyData(pid, secret uint32) error {
	w := newWriteBuf(msgBackendKeyDataK)
	w.int32(int32(pid))
	w.int32(int32(secret))
	return f.send(w.wrap())
}

func (f *fakeBackend) sendReadyForQuery(status byte) error {
	w := newWriteBuf(msgReadyForQueryZ)
	w.bytes([]byte{status})
	return f.send(w.wrap())
}

func (f *fakeBackend) sendErrorResponse(fields map[byte]string) error {
	w := newWriteBuf(msgErrorResponseE)
	for code, val := range fields {
		w.bytes([]byte{code})
		w.string(val)
	}
	w.bytes([]byte{0})
	return f.send(w.wrap())
}

// completeReadySequence sends ParameterStatus(server_version), BackendKeyData
// and ReadyForQuery(idle), the tail every successful handshake shares.
func (f *fakeBackend) completeReadySequence(pid, secret uint32) error {
	if err := f.sendParameterStatus("server_version", "16.2"); err != nil {
		return err
	}
	if err := f.sendBackendKeyData(pid, secret); err != nil {
		return err
	}
	return f.sendReadyForQuery(byte(TransactionIdle))
}

func (f *fakeBackend) close() {
	f.server.Close()
	f.client.Close()
}
