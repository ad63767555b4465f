package rpc

import (
	"encoding/json"

	"github.com/triggerware/tw-go-client/rpc/internal/wire"
	"github.com/triggerware/tw-go-client/twerrors"
)

// readLoop pulls messages from the transport until it errors or the
// peer closes the connection, dispatching each to handleResponse or
// handleRequest.
func (c *Conn) readLoop() error {
	for {
		raw, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}
		var msg wire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Errorf("rpc: dropping unparsable message: %v", err)
			continue
		}
		c.dispatch(&msg)
	}
}

// dispatch routes one inbound message by shape: no method → response;
// method and no id → notification; method and id → request.
func (c *Conn) dispatch(msg *wire.Message) {
	switch {
	case !msg.IsRequest():
		c.handleResponse(msg)
	case msg.IsNotification():
		// Notifications run synchronously on the reader goroutine so
		// that they are delivered to handlers in wire order.
		c.handleNotification(msg)
	default:
		// Requests that expect a reply run concurrently with each
		// other and with further reads, which is what lets two
		// outstanding calls come back in either order.
		c.reqWG.Add(1)
		go func() {
			defer c.reqWG.Done()
			c.handleRequest(msg)
		}()
	}
}

// handleResponse correlates msg.ID against the pending-call table and
// wakes the waiter. An unknown id is dropped.
func (c *Conn) handleResponse(msg *wire.Message) {
	if msg.ID == nil {
		c.logger.Errorf("rpc: response with no id, dropped")
		return
	}
	reqID := *msg.ID

	c.mu.Lock()
	call, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		call.Error = decodeServerError(msg.Error)
	} else if call.decode != nil {
		if err := call.decode(msg.Result); err != nil {
			call.Error = twerrors.New(twerrors.ErrParse, "decoding result of %q: %v", call.Method, err)
		}
	}
	call.done()
}

func decodeServerError(e *wire.Error) error {
	err := &twerrors.Error{Message: e.Message}
	switch e.Code {
	case twerrors.ErrParse.Code():
		err.Kind = twerrors.ErrParse
	case twerrors.ErrInvalidRequest.Code():
		err.Kind = twerrors.ErrInvalidRequest
	case twerrors.ErrMethodNotFound.Code():
		err.Kind = twerrors.ErrMethodNotFound
	case twerrors.ErrInvalidParams.Code():
		err.Kind = twerrors.ErrInvalidParams
	case twerrors.ErrInternal.Code():
		err.Kind = twerrors.ErrInternal
	default:
		err.Kind = twerrors.ErrServer
	}
	if len(e.Data) > 0 {
		var data any
		if jsonErr := json.Unmarshal(e.Data, &data); jsonErr == nil {
			err.Data = data
		}
	}
	return err
}

// handleNotification invokes the registered handler for msg.Method,
// swallowing and logging any handler error.
func (c *Conn) handleNotification(msg *wire.Message) {
	h, ok := c.registry.lookup(msg.Method)
	if !ok {
		c.logger.Warningf("rpc: notification for unregistered method %q, dropped", msg.Method)
		return
	}
	args, err := decodeParams(h, msg.Params)
	if err != nil {
		c.logger.Errorf("rpc: decoding notification params for %q: %v", msg.Method, err)
		return
	}
	if _, err := h.Fn(args); err != nil {
		c.logger.Errorf("rpc: handler for notification %q failed: %v", msg.Method, err)
	}
}

// handleRequest invokes the registered handler for msg.Method and sends
// back a response: MethodNotFound if the method is unknown,
// InvalidParams if params fail to decode for a known method's
// signature.
func (c *Conn) handleRequest(msg *wire.Message) {
	reqID := *msg.ID

	h, ok := c.registry.lookup(msg.Method)
	if !ok {
		c.respondError(reqID, twerrors.ErrMethodNotFound, "unknown method "+msg.Method, nil)
		return
	}
	args, err := decodeParams(h, msg.Params)
	if err != nil {
		c.respondError(reqID, twerrors.ErrInvalidParams, err.Error(), nil)
		return
	}
	result, err := h.Fn(args)
	if err != nil {
		kind := twerrors.ErrInternal
		if te, ok := err.(*twerrors.Error); ok {
			kind = te.Kind
		}
		c.respondError(reqID, kind, err.Error(), nil)
		return
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		c.respondError(reqID, twerrors.ErrInternal, "encoding result: "+err.Error(), nil)
		return
	}
	if writeErr := c.writeMessage(wire.NewResultResponse(reqID, resultJSON)); writeErr != nil {
		c.logger.Errorf("rpc: writing response to %q: %v", msg.Method, writeErr)
	}
}

func (c *Conn) respondError(reqID int64, kind twerrors.Kind, message string, data json.RawMessage) {
	if err := c.writeMessage(wire.NewErrorResponse(reqID, kind.Code(), message, data)); err != nil {
		c.logger.Errorf("rpc: writing error response: %v", err)
	}
}
