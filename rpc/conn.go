// Package rpc implements JSON-RPC 2.0 in both directions over a
// transport.Conn: outbound calls with response correlation, outbound
// notifications, and inbound requests/notifications dispatched to a
// registered method table: a monotonic request-id counter, a
// pending-call map guarded by a mutex, a single-writer discipline, and
// a reader goroutine that feeds both response correlation and inbound
// dispatch. The reader is supervised with a gopkg.in/tomb.v2 Tomb.
package rpc

import (
	"encoding/json"
	"io"
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/triggerware/tw-go-client/twerrors"
	"github.com/triggerware/tw-go-client/twlog"
)

// Transport is the framed byte stream rpc.Conn runs on top of. It is
// satisfied by *transport.Conn; tests may substitute a fake.
type Transport interface {
	ReadMessage() (json.RawMessage, error)
	WriteMessage([]byte) error
	Close() error
}

// Conn is one JSON-RPC 2.0 session. It must be started with Start
// before Call or Notify may be used.
type Conn struct {
	transport Transport
	registry  *methodRegistry
	logger    twlog.Logger

	sendMu sync.Mutex // serializes writes

	mu      sync.Mutex
	reqID   int64
	pending map[int64]*Call
	started bool
	reqWG   sync.WaitGroup // in-flight inbound request handlers

	t tomb.Tomb
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithLogger overrides the default discard logger.
func WithLogger(l twlog.Logger) Option {
	return func(c *Conn) { c.logger = twlog.OrDiscard(l) }
}

// NewConn wraps transport in a Conn. Start must be called before any
// call or notification is sent or received.
func NewConn(t Transport, opts ...Option) *Conn {
	c := &Conn{
		transport: t,
		registry:  newMethodRegistry(),
		logger:    twlog.Discard,
		pending:   make(map[int64]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start spawns the reader goroutine under the Conn's tomb. It is safe to
// call only once; subsequent calls are no-ops.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.t.Go(func() error {
		err := c.readLoop()
		c.teardown(err)
		return err
	})
}

// Dead returns a channel closed once the connection has torn down,
// whether by Close or by a read/write failure.
func (c *Conn) Dead() <-chan struct{} { return c.t.Dead() }

// Close tears the connection down: it kills the tomb, closes the
// transport so the reader unblocks, and waits for the reader to exit
// and for every in-flight inbound request handler to return.
func (c *Conn) Close() error {
	c.t.Kill(nil)
	_ = c.transport.Close()
	_ = c.t.Wait()
	c.reqWG.Wait()
	return nil
}

// RegisterMethod adds a handler under name. Returns false if name is
// already registered.
func (c *Conn) RegisterMethod(name string, h *Handler) bool {
	return c.registry.add(name, h)
}

// UnregisterMethod removes the handler registered under name. Returns
// false if name was not registered.
func (c *Conn) UnregisterMethod(name string) bool {
	return c.registry.remove(name)
}

func (c *Conn) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// teardown is called exactly once, from the reader goroutine, when the
// read loop exits. It wakes every outstanding caller with ErrServer.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*Call)
	c.mu.Unlock()

	serverErr := twerrors.New(twerrors.ErrServer, "Connection to server lost.")
	for _, call := range pending {
		call.Error = serverErr
		call.done()
	}
	if cause != nil && cause != io.EOF {
		c.logger.Warningf("rpc: connection lost: %v", cause)
	}
}
