package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/triggerware/tw-go-client/twerrors"
)

// unset is the sentinel value occupying a parameter slot that has not
// been set since construction or the last Clear.
type unset struct{}

var paramUnset = unset{}

// preparedPayload is the wire shape of prepare-query's response.
type preparedPayload struct {
	Handle              int64              `json:"handle"`
	InputSignature      []SignatureElement `json:"input-signature"`
	OutputSignature     []SignatureElement `json:"output-signature,omitempty"`
	UsesNamedParameters bool               `json:"uses-named-parameters"`
}

// PreparedQuery is a query whose input parameters are bound
// server-side and filled in by the client before each execution. A
// PreparedQuery may be executed any number of times; every ResultSet
// it produces is tracked so Dispose can cascade-release them before
// releasing the prepared query itself.
type PreparedQuery[T any] struct {
	caller   Caller
	decode   RowDecoder[T]
	language string

	handle              int64
	inputSignature      []SignatureElement
	outputSignature     []SignatureElement
	usesNamedParameters bool

	mu        sync.Mutex
	values    []any
	fetchSize int

	outstanding map[uint64]*ResultSet[T]
	nextOutID   uint64
	disposed    bool
}

// PrepareQuery issues prepare-query for the given query text, language
// ("sql" or "fol") and namespace, and returns a PreparedQuery bound to
// the server's resulting handle.
func PrepareQuery[T any](ctx context.Context, caller Caller, decode RowDecoder[T], query, language, namespace string) (*PreparedQuery[T], error) {
	params := map[string]any{
		"query":     query,
		"language":  language,
		"namespace": namespace,
	}
	var payload preparedPayload
	if err := caller.Call(ctx, "prepare-query", params, &payload); err != nil {
		return nil, err
	}
	pq := &PreparedQuery[T]{
		caller:              caller,
		decode:              decode,
		language:            language,
		handle:              payload.Handle,
		inputSignature:      payload.InputSignature,
		outputSignature:     payload.OutputSignature,
		usesNamedParameters: payload.UsesNamedParameters,
		values:              make([]any, len(payload.InputSignature)),
		fetchSize:           caller.DefaultFetchSize(),
		outstanding:         make(map[uint64]*ResultSet[T]),
	}
	for i := range pq.values {
		pq.values[i] = paramUnset
	}
	return pq, nil
}

// InputSignature returns the prepared query's parameter slots, in
// declaration order.
func (pq *PreparedQuery[T]) InputSignature() []SignatureElement { return pq.inputSignature }

// UsesNamedParameters reports whether Set should be called with
// parameter names rather than 1-based positions.
func (pq *PreparedQuery[T]) UsesNamedParameters() bool { return pq.usesNamedParameters }

// SetPositional assigns value to the 1-based index-th parameter slot.
// Allowed only if the prepared query uses positional parameters. The
// language of the underlying query governs type checking: sql queries
// reject a value that cannot satisfy any of the slot's acceptable
// server types; fol queries accept any value, since FOL's type system
// is not expressible as a fixed server-type table.
func (pq *PreparedQuery[T]) SetPositional(index int, value any) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.usesNamedParameters {
		return twerrors.New(twerrors.ErrUnknownParam, "prepared query uses named parameters; use SetNamed")
	}
	if index < 1 || index > len(pq.values) {
		return twerrors.New(twerrors.ErrUnknownParam, "parameter index %d out of range [1,%d]", index, len(pq.values))
	}
	if err := pq.checkTypeLocked(pq.inputSignature[index-1], value); err != nil {
		return err
	}
	pq.values[index-1] = value
	return nil
}

// SetNamed assigns value to the parameter slot with the given name,
// matched case-insensitively. Allowed only if the prepared query uses
// named parameters.
func (pq *PreparedQuery[T]) SetNamed(name string, value any) error {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if !pq.usesNamedParameters {
		return twerrors.New(twerrors.ErrUnknownParam, "prepared query uses positional parameters; use SetPositional")
	}
	for i, sig := range pq.inputSignature {
		if strings.EqualFold(sig.Name, name) {
			if err := pq.checkTypeLocked(sig, value); err != nil {
				return err
			}
			pq.values[i] = value
			return nil
		}
	}
	return twerrors.New(twerrors.ErrUnknownParam, "no parameter named %q", name)
}

// checkTypeLocked rejects a value that cannot satisfy any of sig's
// acceptable server types, for sql queries only.
func (pq *PreparedQuery[T]) checkTypeLocked(sig SignatureElement, value any) error {
	if !strings.EqualFold(pq.language, "sql") {
		return nil
	}
	for _, cat := range sig.LocalTypes() {
		if typeMatches(cat, value) {
			return nil
		}
	}
	return twerrors.New(twerrors.ErrParamType, "parameter %q: value of type %T does not match server types %v", sig.Name, value, sig.ServerTypes)
}

// typeMatches reports whether value's runtime type satisfies cat.
func typeMatches(cat TypeCategory, value any) bool {
	switch cat {
	case TypeInt64:
		switch value.(type) {
		case int, int32, int64:
			return true
		}
	case TypeFloat64, TypeNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
	case TypeBool:
		_, ok := value.(bool)
		return ok
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeDateTime, TypeDuration:
		switch value.(type) {
		case string, time.Time, time.Duration:
			return true
		}
	default:
		return true
	}
	return false
}

// Clear resets every parameter slot to unset.
func (pq *PreparedQuery[T]) Clear() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for i := range pq.values {
		pq.values[i] = paramUnset
	}
}

// FullyInstantiated reports whether every parameter slot has been set
// since construction or the last Clear.
func (pq *PreparedQuery[T]) FullyInstantiated() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for _, v := range pq.values {
		if v == paramUnset {
			return false
		}
	}
	return true
}

// SetFetchSize overrides the default row-batch size used by ResultSets
// this PreparedQuery produces.
func (pq *PreparedQuery[T]) SetFetchSize(n int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.fetchSize = n
}

// Execute instantiates the current parameter values server-side via
// create-resultset and returns the resulting ResultSet. Every
// parameter slot must be set. The returned ResultSet is tracked so
// Dispose can release it.
func (pq *PreparedQuery[T]) Execute(ctx context.Context, restriction Restriction) (*ResultSet[T], error) {
	pq.mu.Lock()
	if pq.disposed {
		pq.mu.Unlock()
		return nil, twerrors.New(twerrors.ErrDisposed, "prepared query disposed")
	}
	inputs := make([]any, len(pq.values))
	for i, v := range pq.values {
		if v == paramUnset {
			pq.mu.Unlock()
			return nil, twerrors.New(twerrors.ErrIncompleteParams, "parameter %d (%q) not set", i+1, pq.inputSignature[i].Name)
		}
		inputs[i] = v
	}
	handle := pq.handle
	fetchSize := pq.fetchSize
	pq.mu.Unlock()

	params := map[string]any{
		"handle":       handle,
		"inputs":       inputs,
		"check-update": false,
	}
	if restriction.Limit != nil {
		params["limit"] = *restriction.Limit
	} else {
		params["limit"] = fetchSize
	}
	if restriction.Timeout != nil {
		params["timelimit"] = restriction.Timeout.Seconds()
	}

	var payload resultPayload
	if err := pq.caller.Call(ctx, "create-resultset", params, &payload); err != nil {
		return nil, err
	}
	rs, err := newResultSet(pq.caller, pq.decode, payload, restriction)
	if err != nil {
		return nil, err
	}

	pq.mu.Lock()
	id := pq.nextOutID
	pq.nextOutID++
	pq.outstanding[id] = rs
	pq.mu.Unlock()
	rs.onDispose(func() {
		pq.mu.Lock()
		delete(pq.outstanding, id)
		pq.mu.Unlock()
	})
	return rs, nil
}

// Dispose cascade-disposes every outstanding ResultSet this prepared
// query produced, then releases the server-side prepared query with
// release-query. Disposal is idempotent. A ResultSet already disposed
// by its own Dispose call is skipped. A failure disposing one
// ResultSet still leaves release-query attempted afterward.
func (pq *PreparedQuery[T]) Dispose(ctx context.Context) error {
	pq.mu.Lock()
	if pq.disposed {
		pq.mu.Unlock()
		return nil
	}
	pq.disposed = true
	outstanding := make([]*ResultSet[T], 0, len(pq.outstanding))
	for _, rs := range pq.outstanding {
		outstanding = append(outstanding, rs)
	}
	handle := pq.handle
	pq.mu.Unlock()

	var firstErr error
	for _, rs := range outstanding {
		if err := rs.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := pq.caller.Call(ctx, "release-query", []any{handle}, nil); err != nil {
		if firstErr == nil {
			firstErr = twerrors.Annotatef(err, "releasing prepared query %d", handle)
		}
	}
	return firstErr
}
