package rpc

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/triggerware/tw-go-client/rpc/internal/wire"
	"github.com/triggerware/tw-go-client/twerrors"
)

// Call represents one outstanding request awaiting a response: an id,
// a decoder for the expected result, and a synchronization point the
// caller waits on. TraceID correlates log lines across the reader and
// writer goroutines and never appears on the wire.
type Call struct {
	Method  string
	TraceID string
	Error   error

	decode func(json.RawMessage) error
	done_  chan struct{}
}

func (call *Call) done() { close(call.done_) }

// Call issues method with params, blocks until the correlated response
// arrives or ctx is done, and decodes the result into result (which
// should be a pointer, or nil to discard the result). It fails with the
// server-reported error, with ErrServer if the connection closes while
// waiting, with ErrParse if the result cannot be decoded, or with
// ErrNotStarted if Start has not been called.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if !c.isStarted() {
		return twerrors.New(twerrors.ErrNotStarted, "rpc: connection not started: Call before Start")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rawParams, err := encodeParams(params)
	if err != nil {
		return twerrors.Annotatef(err, "encoding params for %q", method)
	}

	call := &Call{
		Method:  method,
		TraceID: uuid.NewString(),
		done_:   make(chan struct{}),
	}
	if result != nil {
		call.decode = func(raw json.RawMessage) error {
			if len(raw) == 0 {
				return nil
			}
			return json.Unmarshal(raw, result)
		}
	}

	reqID, sendErr := c.send(call, rawParams)
	if sendErr != nil {
		return sendErr
	}
	c.logger.Debugf("rpc: call %s %s trace=%s id=%d", method, rawParams, call.TraceID, reqID)

	select {
	case <-ctx.Done():
		c.cancel(reqID)
		return ctx.Err()
	case <-call.done_:
		if call.Error != nil {
			c.logger.Debugf("rpc: call %s trace=%s failed: %v", method, call.TraceID, call.Error)
			return call.Error
		}
		return nil
	}
}

// Notify sends a notification (no id) and does not wait for a response.
// It fails only if the connection has already been torn down.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if !c.isStarted() {
		return twerrors.New(twerrors.ErrNotStarted, "rpc: Notify before Start")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return twerrors.Annotatef(err, "encoding params for %q", method)
	}
	msg := wire.NewNotification(method, rawParams)
	return c.writeMessage(msg)
}

// send registers call under a freshly allocated id and writes the
// request. A zero returned id with a non-nil error indicates the
// connection could not accept the call.
func (c *Conn) send(call *Call, params json.RawMessage) (int64, error) {
	c.mu.Lock()
	select {
	case <-c.t.Dying():
		c.mu.Unlock()
		return 0, twerrors.New(twerrors.ErrServer, "Connection to server lost.")
	default:
	}
	reqID := c.reqID
	c.reqID++
	c.pending[reqID] = call
	c.mu.Unlock()

	msg := wire.NewRequest(reqID, call.Method, params)
	if err := c.writeMessage(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return 0, err
	}
	return reqID, nil
}

// cancel abandons a local wait on reqID without telling the server:
// JSON-RPC has no in-band cancel for an id already sent. If the
// response arrives later it is simply dropped (unknown id).
func (c *Conn) cancel(reqID int64) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *Conn) writeMessage(msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return twerrors.Annotatef(err, "encoding message")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.transport.WriteMessage(data); err != nil {
		return twerrors.New(twerrors.ErrServer, "Connection to server lost.").WithData(err.Error())
	}
	return nil
}

// encodeParams accepts nil, a slice/array (by-position), a struct/map
// (by-name), or a single scalar value, and returns its JSON encoding,
// or nil for no params.
func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
