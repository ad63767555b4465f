package client

import (
	"context"

	"github.com/triggerware/tw-go-client/query"
)

// ExecuteQuery runs a one-shot query and returns a ResultSet over its
// rows. It is a thin convenience over query.NewView(c, ...).Execute,
// included because execute-query is the most common entry point into
// the query surface.
func ExecuteQuery[T any](ctx context.Context, c *Client, decode query.RowDecoder[T], queryText, language, namespace string, restriction query.Restriction) (*query.ResultSet[T], error) {
	v := query.NewView(c, decode, queryText, language, namespace)
	return v.Execute(ctx, restriction)
}
