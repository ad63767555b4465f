// Package transport owns the raw TCP byte stream for a TW connection. It
// knows nothing about JSON-RPC: it reads one top-level JSON value at a
// time from a stream of concatenated values with no framing bytes, and
// writes outbound payloads atomically relative to other writers.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/triggerware/tw-go-client/twerrors"
)

// Conn is one TCP connection to a TW server. Reads are single-threaded
// (the caller, normally the RPC engine's reader goroutine, must not call
// ReadMessage concurrently); writes are safe to call concurrently — they
// are serialized internally so that no two writers interleave on the
// wire.
type Conn struct {
	nc  net.Conn
	dec *json.Decoder

	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// DialOption configures Dial.
type DialOption func(*dialConfig)

type dialConfig struct {
	timeout time.Duration
}

// WithDialTimeout bounds how long Dial waits for the TCP handshake to
// complete. The default is unbounded save for ctx's own deadline.
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.timeout = d }
}

// Dial opens a stream TCP socket to address:port. It fails with a
// twerrors.ErrDisconnected-wrapped error if the endpoint refuses or is
// unreachable.
func Dial(ctx context.Context, address string, port int, opts ...DialOption) (*Conn, error) {
	var cfg dialConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	dialer := &net.Dialer{Timeout: cfg.timeout}
	nc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, twerrors.New(twerrors.ErrDisconnected, "connecting to %s:%d: %v", address, port, err)
	}
	return newConn(nc), nil
}

// NewConn wraps an already-established net.Conn. This is the seam tests
// use to stand in a net.Pipe() in place of a real socket.
func NewConn(nc net.Conn) *Conn {
	return newConn(nc)
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:     nc,
		closed: make(chan struct{}),
	}
	// json.Decoder buffers internally and tolerates a JSON value
	// spanning many reads, or many values delivered in one read.
	c.dec = json.NewDecoder(bufio.NewReader(nc))
	return c
}

// ReadMessage blocks until one complete top-level JSON value has been
// read, returning its raw bytes without interpreting them. It returns
// io.EOF when the peer closes the stream cleanly.
func (c *Conn) ReadMessage() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		select {
		case <-c.closed:
			return nil, twerrors.New(twerrors.ErrDisconnected, "connection closed")
		default:
		}
		return nil, twerrors.New(twerrors.ErrParse, "decoding message: %v", err)
	}
	return raw, nil
}

// WriteMessage writes payload in full, serialized against concurrent
// writers.
func (c *Conn) WriteMessage(payload []byte) error {
	select {
	case <-c.closed:
		return twerrors.New(twerrors.ErrDisconnected, "connection closed")
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(payload); err != nil {
		return twerrors.New(twerrors.ErrDisconnected, "writing message: %v", err)
	}
	return nil
}

// Close is idempotent; once called, subsequent ReadMessage/WriteMessage
// calls fail with ErrDisconnected.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}
