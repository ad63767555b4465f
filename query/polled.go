package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/triggerware/tw-go-client/twerrors"
)

// PollOutcome is what one poll cycle of a PolledQuery produced: either
// the rows added and deleted since the previous cycle (plus the
// server's timestamp for the cycle), or a server-reported failure for
// that cycle. A failed cycle does not close the PolledQuery; later
// cycles keep arriving.
type PollOutcome[T any] struct {
	Added     []T
	Deleted   []T
	Timestamp string
	Err       error
}

type polledPayload struct {
	Handle int64 `json:"handle"`
}

// rowsDeltaNotification covers both shapes delivered under a polled
// query's label: a success cycle carries added/deleted/timestamp, a
// failed cycle carries message/timestamp and no added/deleted.
type rowsDeltaNotification struct {
	Added     []json.RawMessage `json:"added,omitempty"`
	Deleted   []json.RawMessage `json:"deleted,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// PolledQuery re-runs a query on a server-managed schedule and
// delivers each cycle's rows (or that cycle's failure) as a
// notification. Unlike ResultSet, it has no client-side cursor: each
// delivery is a complete, independent batch.
type PolledQuery[T any] struct {
	caller Caller
	decode RowDecoder[T]
	label  string
	handle int64

	mu      sync.Mutex
	closed  bool
	updates chan PollOutcome[T]
}

// updatesBacklog bounds how many undelivered poll cycles are buffered
// before the oldest is dropped to make room for the newest; a slow
// consumer sees gaps rather than unbounded memory growth.
const updatesBacklog = 64

// polledQueryConfig holds the optional construction params
// CreatePolledQuery sends alongside the required query, language,
// namespace and schedule.
type polledQueryConfig struct {
	reportInitial   *bool
	reportUnchanged *bool
	delaySchedule   *Schedule
}

// PolledQueryOption configures an optional create-polled-query param.
type PolledQueryOption func(*polledQueryConfig)

// WithReportInitial controls whether the first poll cycle reports the
// query's entire initial result as "added" rows, rather than only rows
// added by later cycles.
func WithReportInitial(report bool) PolledQueryOption {
	return func(cfg *polledQueryConfig) { cfg.reportInitial = &report }
}

// WithReportUnchanged controls whether a poll cycle that finds no
// added or deleted rows still delivers a notification.
func WithReportUnchanged(report bool) PolledQueryOption {
	return func(cfg *polledQueryConfig) { cfg.reportUnchanged = &report }
}

// WithDelaySchedule sets a separate schedule the server uses to delay
// reporting a cycle's changes, distinct from the schedule governing
// when the query itself is re-run.
func WithDelaySchedule(schedule Schedule) PolledQueryOption {
	return func(cfg *polledQueryConfig) { cfg.delaySchedule = &schedule }
}

// CreatePolledQuery issues create-polled-query for the given query
// text, language, namespace and Schedule, mints a fresh notification
// label and registers it with caller, and returns a PolledQuery ready
// to deliver cycles via Updates.
func CreatePolledQuery[T any](ctx context.Context, caller Caller, decode RowDecoder[T], query, language, namespace string, schedule Schedule, opts ...PolledQueryOption) (*PolledQuery[T], error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	var cfg polledQueryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.delaySchedule != nil {
		if err := cfg.delaySchedule.Validate(); err != nil {
			return nil, err
		}
	}
	label := caller.NextPolledLabel()

	params := map[string]any{
		"query":     query,
		"language":  language,
		"namespace": namespace,
		"method":    label,
		"schedule":  schedule.wire(),
	}
	if cfg.reportInitial != nil {
		params["report-initial"] = *cfg.reportInitial
	}
	if cfg.reportUnchanged != nil {
		params["report-unchanged"] = *cfg.reportUnchanged
	}
	if cfg.delaySchedule != nil {
		params["delay-schedule"] = cfg.delaySchedule.wire()
	}
	var payload polledPayload
	if err := caller.Call(ctx, "create-polled-query", params, &payload); err != nil {
		return nil, err
	}

	pq := &PolledQuery[T]{
		caller:  caller,
		decode:  decode,
		label:   label,
		handle:  payload.Handle,
		updates: make(chan PollOutcome[T], updatesBacklog),
	}
	caller.RegisterLabelHandler(label, pq.handleNotification)
	return pq, nil
}

func (pq *PolledQuery[T]) handleNotification(raw json.RawMessage) error {
	var n rowsDeltaNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return twerrors.Annotatef(err, "decoding rows-delta notification for label %s", pq.label)
	}

	outcome := PollOutcome[T]{Timestamp: n.Timestamp}
	if n.Message != "" {
		outcome.Err = twerrors.New(twerrors.ErrServer, "%s", n.Message)
	} else if added, err := decodeRows(n.Added, pq.decode); err != nil {
		outcome.Err = twerrors.Annotatef(err, "decoding added rows")
	} else if deleted, err := decodeRows(n.Deleted, pq.decode); err != nil {
		outcome.Err = twerrors.Annotatef(err, "decoding deleted rows")
	} else {
		outcome.Added, outcome.Deleted = added, deleted
	}

	select {
	case pq.updates <- outcome:
	default:
		// Backlog full: drop the oldest cycle to make room for this
		// one rather than block the reader goroutine.
		select {
		case <-pq.updates:
		default:
		}
		select {
		case pq.updates <- outcome:
		default:
		}
	}
	return nil
}

// Updates returns the channel on which poll cycles are delivered. It
// is closed once Dispose completes.
func (pq *PolledQuery[T]) Updates() <-chan PollOutcome[T] { return pq.updates }

// PollNow asks the server to run one poll cycle immediately rather
// than waiting for the next scheduled occurrence.
func (pq *PolledQuery[T]) PollNow(ctx context.Context) error {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return twerrors.New(twerrors.ErrDisposed, "polled query disposed")
	}
	handle := pq.handle
	pq.mu.Unlock()
	return pq.caller.Call(ctx, "poll-now", []any{handle}, nil)
}

// Dispose closes the polled query server-side and unregisters its
// notification label. It is idempotent.
func (pq *PolledQuery[T]) Dispose(ctx context.Context) error {
	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return nil
	}
	pq.closed = true
	handle := pq.handle
	pq.mu.Unlock()

	pq.caller.UnregisterLabelHandler(pq.label)
	close(pq.updates)
	return pq.caller.Call(ctx, "close-polled-query", []any{handle}, nil)
}
