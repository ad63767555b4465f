package query

import "context"

// View is a stateless wrapper around a (query, language, namespace)
// tuple. It holds no server-side handle; each Execute issues a fresh
// execute-query request.
type View[T any] struct {
	caller    Caller
	decode    RowDecoder[T]
	query     string
	language  string
	namespace string
}

// NewView constructs a View for the given query text, language
// ("sql" or "fol") and namespace.
func NewView[T any](caller Caller, decode RowDecoder[T], query, language, namespace string) *View[T] {
	return &View[T]{caller: caller, decode: decode, query: query, language: language, namespace: namespace}
}

// Execute issues execute-query and returns a ResultSet built from the
// server's response.
func (v *View[T]) Execute(ctx context.Context, restriction Restriction) (*ResultSet[T], error) {
	params := map[string]any{
		"query":     v.query,
		"language":  v.language,
		"namespace": v.namespace,
	}
	if restriction.Limit != nil {
		params["limit"] = *restriction.Limit
	}
	if restriction.Timeout != nil {
		params["timelimit"] = restriction.Timeout.Seconds()
	}

	var payload resultPayload
	if err := v.caller.Call(ctx, "execute-query", params, &payload); err != nil {
		return nil, err
	}
	return newResultSet(v.caller, v.decode, payload, restriction)
}
