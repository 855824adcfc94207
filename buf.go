package pgconn

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// readBuf is a cursor over the payload of a single received message, with
// the 5-byte type+length header already stripped off. Every accessor
// consumes from the front.
type readBuf []byte

func (b *readBuf) int32() (n int32) {
	n = int32(binary.BigEndian.Uint32(*b))
	*b = (*b)[4:]
	return
}

func (b *readBuf) uint32() (n uint32) {
	n = binary.BigEndian.Uint32(*b)
	*b = (*b)[4:]
	return
}

// N.B: this is an unsigned 16-bit integer, unlike int32.
func (b *readBuf) int16() (n int) {
	n = int(binary.BigEndian.Uint16(*b))
	*b = (*b)[2:]
	return
}

func (b *readBuf) string() (string, error) {
	i := bytes.IndexByte(*b, 0)
	if i < 0 {
		return "", errProtocolViolation("invalid message format; expected string terminator")
	}
	s := (*b)[:i]
	*b = (*b)[i+1:]
	return string(s), nil
}

func (b *readBuf) next(n int) (v []byte) {
	v = (*b)[:n]
	*b = (*b)[n:]
	return
}

func (b *readBuf) byte() byte {
	return b.next(1)[0]
}

func (b *readBuf) rest() []byte {
	v := []byte(*b)
	*b = nil
	return v
}

// writeBuf accumulates the payload of one outgoing message. The caller
// reserves the header (5 bytes tagged, 4 untagged) with newWriteBuf and
// fills in the length with
// wrap() right before sending.
type writeBuf struct {
	buf    []byte
	tagged bool
}

// newWriteBuf starts a message with the given type tag. Pass 0 for
// startup-style messages that carry no tag (SSLRequest, StartupMessage).
func newWriteBuf(tag byte) *writeBuf {
	if tag == 0 {
		return &writeBuf{buf: make([]byte, 4)}
	}
	return &writeBuf{buf: []byte{tag, 0, 0, 0, 0}, tagged: true}
}

func (b *writeBuf) int32(n int32) {
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], uint32(n))
	b.buf = append(b.buf, x[:]...)
}

func (b *writeBuf) int16(n int16) {
	var x [2]byte
	binary.BigEndian.PutUint16(x[:], uint16(n))
	b.buf = append(b.buf, x[:]...)
}

func (b *writeBuf) string(s string) {
	b.buf = append(append(b.buf, s...), 0)
}

func (b *writeBuf) bytes(v []byte) {
	b.buf = append(b.buf, v...)
}

// wrap finalizes the message by writing the big-endian length, inclusive of
// the length field itself, into the reserved header.
func (b *writeBuf) wrap() []byte {
	if len(b.buf) > 1<<31-1 {
		panic(fmt.Errorf("pgconn: message too large (%d bytes)", len(b.buf)))
	}
	start := 0
	if b.tagged {
		start = 1
	}
	binary.BigEndian.PutUint32(b.buf[start:start+4], uint32(len(b.buf)-start))
	return b.buf
}
