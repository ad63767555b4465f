// Package wire defines the on-the-wire JSON-RPC 2.0 envelope. Nothing
// outside the rpc package should need to import this package directly;
// rpc.Conn translates to and from plain Go values at its public
// boundary.
package wire

import "encoding/json"

// Message is the JSON-RPC 2.0 envelope. Exactly one of (Method) or
// (Result, Error) is populated on any well-formed message: a request or
// notification carries Method; a response carries Result or Error.
// ID distinguishes a request (has an ID) from a notification (does
// not); on a response, ID echoes the originating request's ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsRequest reports whether m represents a request or notification (as
// opposed to a response to an earlier request).
func (m *Message) IsRequest() bool { return m.Method != "" }

// IsNotification reports whether m is a request-shaped message with no
// ID, i.e. one that expects no response.
func (m *Message) IsNotification() bool { return m.IsRequest() && m.ID == nil }

// NewRequest builds a request message with the given id.
func NewRequest(id int64, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

// NewNotification builds a notification message (no id).
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: "2.0", Method: method, Params: params}
}

// NewResultResponse builds a success response to request id.
func NewResultResponse(id int64, result json.RawMessage) *Message {
	return &Message{JSONRPC: "2.0", ID: &id, Result: result}
}

// NewErrorResponse builds an error response to request id.
func NewErrorResponse(id int64, code int, message string, data json.RawMessage) *Message {
	return &Message{JSONRPC: "2.0", ID: &id, Error: &Error{Code: code, Message: message, Data: data}}
}
