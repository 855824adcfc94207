package pgconn

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTcpTransportReadAvailableReturnsNilWhenIdle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := &tcpTransport{conn: client}
	b, err := tr.ReadAvailable(context.Background())
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil with nothing buffered, got %v", b)
	}
}

func TestTcpTransportReadAvailableReturnsBufferedBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	written := make(chan struct{})
	go func() {
		server.Write([]byte("hello"))
		close(written)
	}()

	tr := &tcpTransport{conn: client}
	var got []byte
	deadline := time.After(time.Second)
	for {
		b, err := tr.ReadAvailable(context.Background())
		if err != nil {
			t.Fatalf("ReadAvailable: %v", err)
		}
		if b != nil {
			got = append(got, b...)
			break
		}
		select {
		case <-deadline:
			t.Fatal("never observed the written bytes")
		default:
		}
	}
	<-written
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}
