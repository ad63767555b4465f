package query_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	stdtesting "testing"
	"time"

	"github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/triggerware/tw-go-client/query"
	"github.com/triggerware/tw-go-client/rpc"
	"github.com/triggerware/tw-go-client/transport"
)

func TestAll(t *stdtesting.T) { gc.TestingT(t) }

type suite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&suite{})

// fakeCaller implements query.Caller directly over an *rpc.Conn, the
// way *client.Client does, without pulling in the client package —
// tests here exercise the query package against a bare rpc.Conn and a
// handful of hand-registered methods standing in for a server.
type fakeCaller struct {
	conn  *rpc.Conn
	pollN atomic.Uint64
	subN  atomic.Uint64
	batN  atomic.Uint64
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any, result any) error {
	return f.conn.Call(ctx, method, params, result)
}

func (f *fakeCaller) Notify(ctx context.Context, method string, params any) error {
	return f.conn.Notify(ctx, method, params)
}

func (f *fakeCaller) RegisterLabelHandler(label string, fn func(json.RawMessage) error) bool {
	return f.conn.RegisterMethod(label, &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(json.RawMessage) }, Raw: true}},
		Fn: func(args []any) (any, error) {
			return nil, fn(*args[0].(*json.RawMessage))
		},
	})
}

func (f *fakeCaller) UnregisterLabelHandler(label string) bool {
	return f.conn.UnregisterMethod(label)
}

func (f *fakeCaller) NextPolledLabel() string       { return fmt.Sprintf("poll%d", f.pollN.Add(1)) }
func (f *fakeCaller) NextSubscriptionLabel() string { return fmt.Sprintf("sub%d", f.subN.Add(1)) }
func (f *fakeCaller) NextBatchLabel() string        { return fmt.Sprintf("batch%d", f.batN.Add(1)) }
func (f *fakeCaller) DefaultFetchSize() int         { return 10 }
func (f *fakeCaller) DefaultTimeout() time.Duration { return 5 * time.Second }

// pair wires up a fakeCaller and a bare *rpc.Conn standing in for the
// server, both started over a net.Pipe.
func pair(s *suite, c *gc.C) (*fakeCaller, *rpc.Conn) {
	a, b := net.Pipe()
	clientConn := rpc.NewConn(transport.NewConn(a))
	server := rpc.NewConn(transport.NewConn(b))
	clientConn.Start()
	server.Start()
	s.AddCleanup(func(*gc.C) {
		_ = clientConn.Close()
		_ = server.Close()
	})
	return &fakeCaller{conn: clientConn}, server
}

func decodeInt(raw json.RawMessage) (int, error) {
	var v int
	err := json.Unmarshal(raw, &v)
	return v, err
}

func withTimeout() (context.Context, func()) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// TestViewExecuteBatchedResultSet covers a result set that doesn't fit
// in one batch: it is drained across several next-resultset-batch
// round trips, each producing fresh rows, the last exhausting it.
func (s *suite) TestViewExecuteBatchedResultSet(c *gc.C) {
	caller, server := pair(s, c)
	batches := [][]int{{1, 2}, {3, 4}, {5}}
	var call int
	server.RegisterMethod("execute-query", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn: func([]any) (any, error) {
			h := int64(1)
			return map[string]any{"handle": h, "tuples": intTuples(batches[0]), "exhausted": false}, nil
		},
	})
	server.RegisterMethod("next-resultset-batch", &rpc.Handler{
		Params: []rpc.ParamDecl{
			{New: func() any { return new(int64) }},
			{New: func() any { return new(int) }},
			{New: func() any { return new(any) }},
		},
		Fn: func([]any) (any, error) {
			call++
			rows := batches[call]
			return map[string]any{"tuples": intTuples(rows), "exhausted": call == len(batches)-1}, nil
		},
	})
	server.RegisterMethod("close-resultset", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(int64) }}},
		Fn:     func([]any) (any, error) { return nil, nil },
	})

	ctx, cancel := withTimeout()
	defer cancel()
	view := query.NewView[int](caller, decodeInt, "select x", "sql", "AP5")
	rs, err := view.Execute(ctx, query.Restriction{})
	c.Assert(err, gc.IsNil)

	var got []int
	for {
		ok, err := rs.MoveNext(ctx)
		c.Assert(err, gc.IsNil)
		if !ok {
			break
		}
		v, _ := rs.Current()
		got = append(got, v)
	}
	c.Assert(got, gc.DeepEquals, []int{1, 2, 3, 4, 5})
	c.Assert(rs.Exhausted(), gc.Equals, true)
}

func intTuples(vals []int) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(fmt.Sprintf("%d", v))
	}
	return out
}

// TestPreparedQueryParameterTyping checks that an sql prepared query
// rejects a mistyped parameter and accepts the fix, that the query
// reports itself fully instantiated only once every slot is set, and
// that Execute then sends the set value.
func (s *suite) TestPreparedQueryParameterTyping(c *gc.C) {
	caller, server := pair(s, c)
	server.RegisterMethod("prepare-query", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn: func([]any) (any, error) {
			return map[string]any{
				"handle": int64(7),
				"input-signature": []map[string]any{
					{"name": "threshold", "types": []string{"integer"}},
				},
				"uses-named-parameters": false,
			}, nil
		},
	})
	var gotInputs []any
	server.RegisterMethod("create-resultset", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn: func(args []any) (any, error) {
			m := *(args[0].(*map[string]any))
			gotInputs = m["inputs"].([]any)
			return map[string]any{"tuples": intTuples(nil), "exhausted": true}, nil
		},
	})
	server.RegisterMethod("release-query", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(int64) }}},
		Fn:     func([]any) (any, error) { return nil, nil },
	})

	ctx, cancel := withTimeout()
	defer cancel()
	pq, err := query.PrepareQuery[int](ctx, caller, decodeInt, "select x where x > ?", "sql", "AP5")
	c.Assert(err, gc.IsNil)
	c.Assert(pq.FullyInstantiated(), gc.Equals, false)

	err = pq.SetPositional(1, "not a number")
	c.Assert(err, gc.ErrorMatches, ".*type.*")

	c.Assert(pq.SetPositional(1, 5), gc.IsNil)
	c.Assert(pq.FullyInstantiated(), gc.Equals, true)

	_, err = pq.Execute(ctx, query.Restriction{})
	c.Assert(err, gc.IsNil)
	c.Assert(gotInputs, gc.DeepEquals, []any{float64(5)})

	c.Assert(pq.Dispose(ctx), gc.IsNil)
}

// TestPolledQueryNotification checks that a polled query delivers a
// rows-delta notification on its minted label.
func (s *suite) TestPolledQueryNotification(c *gc.C) {
	caller, server := pair(s, c)
	server.RegisterMethod("create-polled-query", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn:     func([]any) (any, error) { return map[string]any{"handle": int64(3)}, nil },
	})
	server.RegisterMethod("close-polled-query", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(int64) }}},
		Fn:     func([]any) (any, error) { return nil, nil },
	})

	ctx, cancel := withTimeout()
	defer cancel()
	pq, err := query.CreatePolledQuery[int](ctx, caller, decodeInt, "select x", "sql", "AP5", query.Schedule{query.IntervalEntry(60)})
	c.Assert(err, gc.IsNil)

	c.Assert(server.Notify(ctx, "poll1", map[string]any{
		"added":     intTuples([]int{9, 10}),
		"deleted":   intTuples([]int{1}),
		"timestamp": "2024-01-01T00:00:00Z",
	}), gc.IsNil)

	select {
	case outcome := <-pq.Updates():
		c.Assert(outcome.Err, gc.IsNil)
		c.Assert(outcome.Added, gc.DeepEquals, []int{9, 10})
		c.Assert(outcome.Deleted, gc.DeepEquals, []int{1})
		c.Assert(outcome.Timestamp, gc.Equals, "2024-01-01T00:00:00Z")
	case <-time.After(5 * time.Second):
		c.Fatal("no poll cycle delivered")
	}

	c.Assert(pq.Dispose(ctx), gc.IsNil)
}

// decodeSingletonTuple decodes a one-column tuple [string], the array
// form a single-column row takes on the wire even though it carries
// just one value.
func decodeSingletonTuple(raw json.RawMessage) (string, error) {
	var arr [1]string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return "", err
	}
	return arr[0], nil
}

// decodeRowPair decodes a two-column tuple [int, string], the kind of
// multi-column array a standalone subscription notification delivers.
func decodeRowPair(raw json.RawMessage) ([2]any, error) {
	var fields [2]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return [2]any{}, err
	}
	var a int
	var b string
	if err := json.Unmarshal(fields[0], &a); err != nil {
		return [2]any{}, err
	}
	if err := json.Unmarshal(fields[1], &b); err != nil {
		return [2]any{}, err
	}
	return [2]any{a, b}, nil
}

// TestSubscriptionActivateArrayTuple checks that a standalone,
// independently-active Subscription correctly decodes both a
// single-column and a multi-column array tuple delivered on its own
// label, rather than having the tuple's elements mistaken for
// positional params.
func (s *suite) TestSubscriptionActivateArrayTuple(c *gc.C) {
	caller, server := pair(s, c)
	var subscribed []map[string]any
	server.RegisterMethod("subscribe", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn: func(args []any) (any, error) {
			subscribed = append(subscribed, *(args[0].(*map[string]any)))
			return nil, nil
		},
	})
	server.RegisterMethod("unsubscribe", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn:     func([]any) (any, error) { return nil, nil },
	})

	ctx, cancel := withTimeout()
	defer cancel()
	sub := query.CreateSubscription[string](caller, decodeSingletonTuple, "select x", "sql", "AP5")
	c.Assert(sub.Activate(ctx), gc.IsNil)
	c.Assert(subscribed, gc.HasLen, 1)
	label := subscribed[0]["label"].(string)

	c.Assert(server.Notify(ctx, label, []string{"a"}), gc.IsNil)
	select {
	case ev := <-sub.Updates():
		c.Assert(ev.Err, gc.IsNil)
		c.Assert(ev.Row, gc.Equals, "a")
	case <-time.After(5 * time.Second):
		c.Fatal("single-column array tuple never delivered")
	}

	pairSub := query.CreateSubscription[[2]any](caller, decodeRowPair, "select x,y", "sql", "AP5")
	c.Assert(pairSub.Activate(ctx), gc.IsNil)
	pairLabel := subscribed[1]["label"].(string)

	c.Assert(server.Notify(ctx, pairLabel, []any{1, "x"}), gc.IsNil)
	select {
	case ev := <-pairSub.Updates():
		c.Assert(ev.Err, gc.IsNil)
		c.Assert(ev.Row, gc.DeepEquals, [2]any{1, "x"})
	case <-time.After(5 * time.Second):
		c.Fatal("multi-column array tuple never delivered")
	}

	c.Assert(sub.Dispose(ctx), gc.IsNil)
	c.Assert(pairSub.Dispose(ctx), gc.IsNil)
}

// TestBatchSubscriptionDispatch checks that a single coalesced batch
// notification fans out to each member's own Updates channel, keyed by
// the member's own subscription label.
func (s *suite) TestBatchSubscriptionDispatch(c *gc.C) {
	caller, server := pair(s, c)
	var subscribed, unsubscribed []map[string]any
	server.RegisterMethod("subscribe", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn: func(args []any) (any, error) {
			m := *(args[0].(*map[string]any))
			subscribed = append(subscribed, m)
			return nil, nil
		},
	})
	server.RegisterMethod("unsubscribe", &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(map[string]any) }}},
		Fn: func(args []any) (any, error) {
			m := *(args[0].(*map[string]any))
			unsubscribed = append(unsubscribed, m)
			return nil, nil
		},
	})

	ctx, cancel := withTimeout()
	defer cancel()
	batch := query.CreateBatchSubscription(caller)

	subA := query.CreateSubscription[int](caller, decodeInt, "select x", "sql", "AP5")
	subB := query.CreateSubscription[int](caller, decodeInt, "select y", "sql", "AP6")

	c.Assert(query.AddToBatch(ctx, batch, subA), gc.IsNil)
	c.Assert(query.AddToBatch(ctx, batch, subB), gc.IsNil)
	c.Assert(subscribed, gc.HasLen, 2)
	c.Assert(subscribed[0]["method"], gc.Equals, batch.Label())
	c.Assert(subscribed[0]["combine"], gc.Equals, true)

	labelA := subscribed[0]["label"].(string)
	labelB := subscribed[1]["label"].(string)

	payload := map[string]any{
		"update#": 1,
		"matches": []map[string]any{
			{"label": labelA, "tuples": intTuples([]int{1})},
			{"label": labelB, "tuples": intTuples([]int{2, 3})},
		},
	}
	c.Assert(server.Notify(ctx, batch.Label(), payload), gc.IsNil)

	select {
	case ev := <-subA.Updates():
		c.Assert(ev.Err, gc.IsNil)
		c.Assert(ev.Row, gc.Equals, 1)
	case <-time.After(5 * time.Second):
		c.Fatal("subA never received its share of the batch")
	}

	var gotB []int
	for i := 0; i < 2; i++ {
		select {
		case ev := <-subB.Updates():
			c.Assert(ev.Err, gc.IsNil)
			gotB = append(gotB, ev.Row)
		case <-time.After(5 * time.Second):
			c.Fatal("subB never received its share of the batch")
		}
	}
	c.Assert(gotB, gc.DeepEquals, []int{2, 3})
	c.Assert(batch.LastUpdateSeq(), gc.Equals, int64(1))

	c.Assert(batch.Dispose(ctx), gc.IsNil)
	c.Assert(unsubscribed, gc.HasLen, 2)
}
