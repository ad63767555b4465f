// Package query implements the handle-bound server-side resources that
// sit on top of the RPC engine: View, ResultSet, PreparedQuery,
// PolledQuery, Subscription and BatchSubscription. None of these types
// talk to rpc.Conn directly — each is handed a Caller at construction,
// which is exactly the slice of *client.Client's surface they need.
// This breaks what would otherwise be an import cycle (client needs to
// construct query objects; query objects need to issue RPC calls back
// through the client) with a small interface standing in for "the
// object that owns the connection".
package query

import (
	"context"
	"encoding/json"
	"time"
)

// Caller is the subset of *client.Client that handle-bound objects need.
// *client.Client implements it.
type Caller interface {
	// Call issues an RPC and blocks for the response, as rpc.Conn.Call.
	Call(ctx context.Context, method string, params any, result any) error
	// Notify sends a fire-and-forget notification, as rpc.Conn.Notify.
	Notify(ctx context.Context, method string, params any) error

	// RegisterLabelHandler reserves a unique method name the server can
	// invoke asynchronously, and routes any notification addressed to
	// it to fn. Returns false if label is already registered.
	RegisterLabelHandler(label string, fn func(json.RawMessage) error) bool
	// UnregisterLabelHandler removes a previously registered label.
	UnregisterLabelHandler(label string) bool

	// NextPolledLabel, NextSubscriptionLabel and NextBatchLabel mint a
	// fresh, client-scoped notification label ("poll<N>", "sub<N>",
	// "batch<N>").
	NextPolledLabel() string
	NextSubscriptionLabel() string
	NextBatchLabel() string

	// DefaultFetchSize and DefaultTimeout are consulted by ResultSet
	// construction when a caller does not specify its own.
	DefaultFetchSize() int
	DefaultTimeout() time.Duration
}
