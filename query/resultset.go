package query

import (
	"context"
	"sync"
	"time"

	"github.com/triggerware/tw-go-client/twerrors"
)

// Restriction bounds a query's server-side execution: an optional row
// limit and an optional wall-clock timeout.
type Restriction struct {
	Limit   *int
	Timeout *time.Duration
}

// ResultSet is a forward-only cursor over rows of type T. Concurrent
// MoveNext calls on the same instance are serialized by an explicit
// per-object mutex.
type ResultSet[T any] struct {
	caller Caller
	decode RowDecoder[T]

	rowLimit int
	timeout  time.Duration

	mu        sync.Mutex
	handle    *int64
	cache     []T
	cacheIdx  int
	current   T
	hasRow    bool
	rowNumber int64
	exhausted bool
	pastEnd   bool
	disposed  bool

	onDisposeFn func()
}

// onDispose registers fn to run exactly once, the first time this
// result set is disposed. Used by an owner (PreparedQuery) that tracks
// its outstanding result sets and needs to drop them from its own
// bookkeeping once released.
func (rs *ResultSet[T]) onDispose(fn func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.onDisposeFn = fn
}

// newResultSet builds a ResultSet from the server's ExecuteQueryResult
// payload. exhausted is set iff the server returned no handle (the
// whole result fit in one batch) or marked the payload exhausted.
func newResultSet[T any](caller Caller, decode RowDecoder[T], payload resultPayload, restriction Restriction) (*ResultSet[T], error) {
	rows, err := decodeRows(payload.Tuples, decode)
	if err != nil {
		return nil, twerrors.Annotatef(err, "decoding result batch")
	}
	rs := &ResultSet[T]{
		caller:    caller,
		decode:    decode,
		handle:    payload.Handle,
		cache:     rows,
		exhausted: payload.Handle == nil || payload.Exhausted,
	}
	rs.rowLimit = caller.DefaultFetchSize()
	rs.timeout = caller.DefaultTimeout()
	if restriction.Limit != nil {
		rs.rowLimit = *restriction.Limit
	}
	if restriction.Timeout != nil {
		rs.timeout = *restriction.Timeout
	}
	return rs, nil
}

// MoveNext advances the cursor to the next row. If the cache has rows,
// it pops the next one. If the cache is empty and the server has
// reported the result set exhausted, it returns false without issuing
// network I/O — once MoveNext returns false, it keeps
// returning false and never issues network I/O again. Otherwise it
// fetches the next batch from the server.
func (rs *ResultSet[T]) MoveNext(ctx context.Context) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.disposed {
		return false, twerrors.New(twerrors.ErrDisposed, "result set disposed")
	}
	if rs.pastEnd {
		return false, nil
	}
	if rs.cacheIdx < len(rs.cache) {
		rs.popCurrentLocked()
		return true, nil
	}
	if rs.exhausted {
		rs.pastEnd = true
		return false, nil
	}

	if err := rs.fetchBatchLocked(ctx); err != nil {
		rs.disposeLocked(context.Background())
		return false, twerrors.New(twerrors.ErrResultSet, "fetching next batch: %v", err)
	}
	if len(rs.cache) == 0 {
		rs.exhausted = true
		rs.pastEnd = true
		rs.disposeLocked(context.Background())
		return false, nil
	}
	rs.popCurrentLocked()
	return true, nil
}

func (rs *ResultSet[T]) popCurrentLocked() {
	rs.current = rs.cache[rs.cacheIdx]
	rs.hasRow = true
	rs.cacheIdx++
	rs.rowNumber++
}

// fetchBatchLocked issues next-resultset-batch with positional params
// [handle, row_limit, timeout] and overwrites the cache.
func (rs *ResultSet[T]) fetchBatchLocked(ctx context.Context) error {
	var timeoutParam any
	if rs.timeout > 0 {
		timeoutParam = rs.timeout.Seconds()
	}
	params := []any{*rs.handle, rs.rowLimit, timeoutParam}

	var payload resultPayload
	if err := rs.caller.Call(ctx, "next-resultset-batch", params, &payload); err != nil {
		return err
	}
	rows, err := decodeRows(payload.Tuples, rs.decode)
	if err != nil {
		return err
	}
	rs.cache = rows
	rs.cacheIdx = 0
	rs.exhausted = payload.Exhausted
	return nil
}

// Current returns the row most recently produced by MoveNext.
func (rs *ResultSet[T]) Current() (T, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.current, rs.hasRow
}

// RowNumber returns the 1-based ordinal of Current within this result
// set.
func (rs *ResultSet[T]) RowNumber() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.rowNumber
}

// Pull advances the cursor at most n times, returning the rows produced
// one at a time via MoveNext, stopping early if the result set is
// exhausted first.
func (rs *ResultSet[T]) Pull(ctx context.Context, n int) ([]T, error) {
	rows := make([]T, 0, n)
	for i := 0; i < n; i++ {
		ok, err := rs.MoveNext(ctx)
		if err != nil {
			return rows, err
		}
		if !ok {
			break
		}
		row, _ := rs.Current()
		rows = append(rows, row)
	}
	return rows, nil
}

// CacheSnapshot returns a copy of the rows currently buffered
// client-side, without advancing the cursor.
func (rs *ResultSet[T]) CacheSnapshot() []T {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	remaining := rs.cache[rs.cacheIdx:]
	snap := make([]T, len(remaining))
	copy(snap, remaining)
	return snap
}

// Exhausted reports whether the server has confirmed no further rows
// will arrive.
func (rs *ResultSet[T]) Exhausted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.exhausted
}

// Dispose releases the server-side result set, if any. It is
// idempotent. Disposal is fatal-to-reset: there is no Reset method.
func (rs *ResultSet[T]) Dispose(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.disposeLocked(ctx)
}

func (rs *ResultSet[T]) disposeLocked(ctx context.Context) error {
	if rs.disposed {
		return nil
	}
	rs.disposed = true
	if fn := rs.onDisposeFn; fn != nil {
		defer fn()
	}
	if rs.handle == nil {
		return nil
	}
	if err := rs.caller.Call(ctx, "close-resultset", []any{*rs.handle}, nil); err != nil {
		// Best-effort: the connection may already be gone.
		return twerrors.Annotatef(err, "closing result set %d", *rs.handle)
	}
	return nil
}
