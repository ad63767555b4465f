package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/triggerware/tw-go-client/rpc"
	"github.com/triggerware/tw-go-client/transport"
	"github.com/triggerware/tw-go-client/twerrors"
	"github.com/triggerware/tw-go-client/twlog"
)

// Client is one session with a data-integration server: a transport.Conn
// carrying an rpc.Conn, plus the label-minting and default-restriction
// bookkeeping the query package's handle-bound objects need from a
// query.Caller.
type Client struct {
	conn   *rpc.Conn
	tr     *transport.Conn
	logger twlog.Logger
	cfg    config

	pollCounter  atomic.Uint64
	subCounter   atomic.Uint64
	batchCounter atomic.Uint64
}

// Dial connects to address:port and starts the RPC engine. The
// returned Client is ready for use immediately; Close tears the
// connection down.
func Dial(ctx context.Context, address string, port int, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var dialOpts []transport.DialOption
	if cfg.dialTimeout > 0 {
		dialOpts = append(dialOpts, transport.WithDialTimeout(cfg.dialTimeout))
	}
	tr, err := transport.Dial(ctx, address, port, dialOpts...)
	if err != nil {
		return nil, err
	}

	conn := rpc.NewConn(tr, rpc.WithLogger(cfg.logger))
	conn.Start()
	cfg.logger.Debugf("client: dialed %s:%d at %s", address, port, cfg.clock.Now())

	return &Client{
		conn:   conn,
		tr:     tr,
		logger: cfg.logger,
		cfg:    cfg,
	}, nil
}

// Close tears down the underlying connection. It is idempotent.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Dead returns a channel closed once the connection has torn down.
func (c *Client) Dead() <-chan struct{} { return c.conn.Dead() }

// Call satisfies query.Caller.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	return c.conn.Call(ctx, method, params, result)
}

// Notify satisfies query.Caller.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.conn.Notify(ctx, method, params)
}

// RegisterLabelHandler satisfies query.Caller. It registers label as a
// JSON-RPC method accepting a single bare parameter, decoded as raw
// JSON and handed to fn.
func (c *Client) RegisterLabelHandler(label string, fn func(json.RawMessage) error) bool {
	h := &rpc.Handler{
		Params: []rpc.ParamDecl{{New: func() any { return new(json.RawMessage) }, Raw: true}},
		Fn: func(args []any) (any, error) {
			raw := args[0].(*json.RawMessage)
			return nil, fn(*raw)
		},
	}
	return c.conn.RegisterMethod(label, h)
}

// UnregisterLabelHandler satisfies query.Caller.
func (c *Client) UnregisterLabelHandler(label string) bool {
	return c.conn.UnregisterMethod(label)
}

// NextPolledLabel satisfies query.Caller, minting labels of the form
// "poll<N>".
func (c *Client) NextPolledLabel() string {
	return fmt.Sprintf("poll%d", c.pollCounter.Add(1))
}

// NextSubscriptionLabel satisfies query.Caller, minting labels of the
// form "sub<N>".
func (c *Client) NextSubscriptionLabel() string {
	return fmt.Sprintf("sub%d", c.subCounter.Add(1))
}

// NextBatchLabel satisfies query.Caller, minting labels of the form
// "batch<N>".
func (c *Client) NextBatchLabel() string {
	return fmt.Sprintf("batch%d", c.batchCounter.Add(1))
}

// DefaultFetchSize satisfies query.Caller.
func (c *Client) DefaultFetchSize() int { return c.cfg.defaultFetchSize }

// DefaultTimeout satisfies query.Caller.
func (c *Client) DefaultTimeout() time.Duration { return c.cfg.defaultTimeout }

// Clock returns the clock.Clock this Client was configured with
// (clock.WallClock by default), so callers can drive their own
// timeouts and test substitutions from the same time source.
func (c *Client) Clock() clock.Clock { return c.cfg.clock }

// Noop issues the server's liveness-check method and discards the
// result. Useful for confirming a connection survived an idle period.
func (c *Client) Noop(ctx context.Context) error {
	return c.conn.Call(ctx, "noop", nil, nil)
}

// RuntimeMeasure reports server-side resource consumption for the
// preceding operation: wall-clock run time, time spent in garbage
// collection, and bytes allocated, all in the units the server
// reports them.
type RuntimeMeasure struct {
	RunTime float64
	GCTime  float64
	Bytes   float64
}

// UnmarshalJSON decodes the server's 3-element array form
// [run-time, gc-time, bytes], rejecting anything shorter.
func (m *RuntimeMeasure) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 3 {
		return twerrors.New(twerrors.ErrParse, "runtime measure: want 3 elements, got %d", len(arr))
	}
	m.RunTime, m.GCTime, m.Bytes = arr[0], arr[1], arr[2]
	return nil
}

// GetRuntimeMeasure asks the server for the resource cost of the most
// recently completed operation on this connection.
func (c *Client) GetRuntimeMeasure(ctx context.Context) (RuntimeMeasure, error) {
	var m RuntimeMeasure
	err := c.conn.Call(ctx, "runtime", []any{}, &m)
	return m, err
}

// RelElement describes one relation known to the server: its name, the
// names and server types of its signature slots, its usage
// classification, any extra tags, and a free-text description.
type RelElement struct {
	Name           string
	SignatureNames []string
	SignatureTypes []string
	Usage          string
	Extra          []string
	Description    string
}

// UnmarshalJSON decodes the server's positional form
// [name, signatureNames[], signatureTypes[], usage, extra[], description].
func (e *RelElement) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 6 {
		return twerrors.New(twerrors.ErrParse, "rel element: want 6 elements, got %d", len(arr))
	}
	fields := []any{&e.Name, &e.SignatureNames, &e.SignatureTypes, &e.Usage, &e.Extra, &e.Description}
	for i, f := range fields {
		if err := json.Unmarshal(arr[i], f); err != nil {
			return err
		}
	}
	return nil
}

// RelGroup is one namespace's worth of relations.
type RelGroup struct {
	Name     string
	Symbol   string
	Elements []RelElement
}

// UnmarshalJSON decodes the server's positional form
// [name, symbol, [element, ...]].
func (g *RelGroup) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 3 {
		return twerrors.New(twerrors.ErrParse, "rel group: want 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &g.Name); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[1], &g.Symbol); err != nil {
		return err
	}
	return json.Unmarshal(arr[2], &g.Elements)
}

// GetRelData lists every relation group the server knows about.
func (c *Client) GetRelData(ctx context.Context) ([]RelGroup, error) {
	var groups []RelGroup
	err := c.conn.Call(ctx, "reldata2017", []any{}, &groups)
	return groups, err
}

// ValidateQuery asks the server to check query text for well-formedness
// in the given language and schema (namespace), without running it,
// returning the server's message on success. A rejection by the
// server is reported as ErrInvalidQuery, carrying the server's
// message.
func (c *Client) ValidateQuery(ctx context.Context, query, language, namespace string) (string, error) {
	var result string
	if err := c.conn.Call(ctx, "validate", []any{query, language, namespace}, &result); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", twerrors.New(twerrors.ErrInvalidQuery, "%v", err)
	}
	return result, nil
}
