package turtls

import (
	"errors"
	"io"
	"net"
	"time"
)

// Transport is the non-blocking byte pipe a Conn runs over.  Read and
// Write report progress with a signed count: a positive value is the
// number of bytes moved, zero means the peer has nothing for us right
// now (try again), and a negative value is an unrecoverable transport
// failure.  Short reads and writes are expected; callers loop.
type Transport interface {
	Read(p []byte) int
	Write(p []byte) int
	Close()
}

// netTransport adapts a net.Conn to the Transport contract.  Reads are
// given a short deadline so that "no data yet" surfaces as zero rather
// than blocking the record poll loop.
type netTransport struct {
	conn net.Conn
	poll time.Duration
}

// NewNetTransport wraps c for use with ClientHandshake and
// ServerHandshake.
func NewNetTransport(c net.Conn) Transport {
	return &netTransport{conn: c, poll: 10 * time.Millisecond}
}

func (t *netTransport) Read(p []byte) int {
	_ = t.conn.SetReadDeadline(time.Now().Add(t.poll))
	n, err := t.conn.Read(p)
	if n > 0 {
		return n
	}
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0
		}
		if errors.Is(err, io.EOF) {
			return -1
		}
		return -1
	}
	return 0
}

func (t *netTransport) Write(p []byte) int {
	n, err := t.conn.Write(p)
	if err != nil && n == 0 {
		return -1
	}
	return n
}

func (t *netTransport) Close() {
	_ = t.conn.Close()
}
