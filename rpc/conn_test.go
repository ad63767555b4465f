package rpc_test

import (
	"context"
	"encoding/json"
	"net"
	stdtesting "testing"
	"time"

	"github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/triggerware/tw-go-client/rpc"
	"github.com/triggerware/tw-go-client/transport"
)

func TestAll(t *stdtesting.T) { gc.TestingT(t) }

type suite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&suite{})

// pair wires up two *rpc.Conn over a net.Pipe, one standing in for the
// client, the other for the server. Both are started so either side
// may Call or Notify.
func pair(s *suite, c *gc.C) (client, server *rpc.Conn) {
	a, b := net.Pipe()
	client = rpc.NewConn(transport.NewConn(a))
	server = rpc.NewConn(transport.NewConn(b))
	client.Start()
	server.Start()
	s.AddCleanup(func(*gc.C) {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// TestCallResponse covers the simplest round trip: a noop call returns nil.
func (s *suite) TestCallResponse(c *gc.C) {
	client, server := pair(s, c)
	ok := server.RegisterMethod("noop", &rpc.Handler{
		Fn: func([]any) (any, error) { return nil, nil },
	})
	c.Assert(ok, gc.Equals, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var result any
	err := client.Call(ctx, "noop", []any{}, &result)
	c.Assert(err, gc.IsNil)
	c.Assert(result, gc.IsNil)
}

// TestTwoCallsReorderedResponses checks that responses may arrive out
// of order but each is still delivered to its own caller.
func (s *suite) TestTwoCallsReorderedResponses(c *gc.C) {
	client, server := pair(s, c)
	runtimeStarted := make(chan struct{})
	proceed := make(chan struct{})
	server.RegisterMethod("runtime", &rpc.Handler{
		Fn: func([]any) (any, error) {
			close(runtimeStarted)
			<-proceed // held open until the validate call has already completed
			return []float64{1, 2, 3}, nil
		},
	})
	server.RegisterMethod("validate", &rpc.Handler{
		Params: []rpc.ParamDecl{
			{New: func() any { return new(string) }},
			{New: func() any { return new(string) }},
			{New: func() any { return new(string) }},
		},
		Fn: func([]any) (any, error) {
			return "ok", nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runtimeDone := make(chan error, 1)
	go func() {
		var got [3]float64
		runtimeDone <- client.Call(ctx, "runtime", []any{}, &got)
	}()

	<-runtimeStarted // the runtime request is now parked server-side
	var validated string
	err := client.Call(ctx, "validate", []string{"select 1", "sql", "AP5"}, &validated)
	c.Assert(err, gc.IsNil)
	c.Assert(validated, gc.Equals, "ok")

	close(proceed)
	c.Assert(<-runtimeDone, gc.IsNil)
}

// TestDisconnectDuringCall checks that a call in flight when the
// connection is closed locally comes back with a connection-lost error.
func (s *suite) TestDisconnectDuringCall(c *gc.C) {
	a, b := net.Pipe()
	client := rpc.NewConn(transport.NewConn(a))
	server := rpc.NewConn(transport.NewConn(b))
	release := make(chan struct{})
	server.RegisterMethod("slow", &rpc.Handler{
		Fn: func([]any) (any, error) {
			<-release
			return nil, nil
		},
	})
	client.Start()
	server.Start()
	// server.Close waits for the parked "slow" handler, so release it first.
	defer func() {
		close(release)
		_ = server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var out any
		done <- client.Call(ctx, "slow", []any{}, &out)
	}()
	time.Sleep(50 * time.Millisecond)
	c.Assert(client.Close(), gc.IsNil)

	err := <-done
	c.Assert(err, gc.ErrorMatches, ".*[Cc]onnection.*lost.*")
}

// TestDuplicateMethodRegistrationFails checks the registry invariant:
// at most one handler per name.
func (s *suite) TestDuplicateMethodRegistrationFails(c *gc.C) {
	_, server := pair(s, c)
	h := &rpc.Handler{Fn: func([]any) (any, error) { return nil, nil }}
	c.Assert(server.RegisterMethod("m", h), gc.Equals, true)
	c.Assert(server.RegisterMethod("m", h), gc.Equals, false)
	c.Assert(server.UnregisterMethod("m"), gc.Equals, true)
	c.Assert(server.UnregisterMethod("m"), gc.Equals, false)
}

// TestCallBeforeStartFails checks that calling before Start fails with
// NotStarted.
func (s *suite) TestCallBeforeStartFails(c *gc.C) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	client := rpc.NewConn(transport.NewConn(a))
	var out any
	err := client.Call(context.Background(), "noop", nil, &out)
	c.Assert(err, gc.ErrorMatches, ".*not started.*")
}

// TestNotifyDoesNotWaitForResponse exercises a fire-and-forget message:
// the server handler runs but the client's Notify returns immediately.
func (s *suite) TestNotifyDoesNotWaitForResponse(c *gc.C) {
	client, server := pair(s, c)
	seen := make(chan json.RawMessage, 1)
	server.RegisterMethod("sub0", &rpc.Handler{
		Params: []rpc.ParamDecl{{Name: "", New: func() any { return new(map[string]any) }}},
		Fn: func(args []any) (any, error) {
			data, _ := json.Marshal(args[0])
			seen <- data
			return nil, nil
		},
	})

	err := client.Notify(context.Background(), "sub0", map[string]any{"x": 1})
	c.Assert(err, gc.IsNil)

	select {
	case data := <-seen:
		c.Assert(string(data), gc.Equals, `{"x":1}`)
	case <-time.After(5 * time.Second):
		c.Fatal("notification never dispatched")
	}
}
