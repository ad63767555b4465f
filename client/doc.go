// Package client assembles transport.Conn and rpc.Conn into the public
// entry point for talking to a data-integration server: Dial opens the
// connection, and Client exposes the top-level operations (ExecuteQuery,
// ValidateQuery, GetRuntimeMeasure, GetRelData, Noop) plus the Caller
// surface the query package's handle-bound objects are built against.
package client
