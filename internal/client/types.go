package client

import (
	"context"
	"encoding/json"
	"errors"

	"gqlcache/internal/graphql"
)

// ErrCircuitOpen is returned when the endpoint is temporarily excluded after repeated failures
var ErrCircuitOpen = errors.New("circuit breaker open")

// Middleware runs before the network. Returning true short-circuits the
// request with the returned data.
type Middleware func(ctx context.Context, req graphql.Request) (json.RawMessage, bool)

// Afterware runs after every request, including ones a middleware served
// (Result.FromCache) and ones whose transport failed (Result.Err).
type Afterware func(ctx context.Context, res graphql.Result)

type callIDKey struct{}

// CallID returns the id of the Query call ctx belongs to, or "" outside one.
// Hooks use it to pair a middleware decision with the afterware of the same
// call; Result.ID carries the same value.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

func withCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// Plugin groups hooks registered with a Client
type Plugin struct {
	Name        string
	Middlewares []Middleware
	Afterwares  []Afterware
}

// Transport sends a request to a GraphQL endpoint
type Transport interface {
	// Execute sends req and returns the decoded response
	Execute(ctx context.Context, req graphql.Request) (*graphql.Response, error)

	// Close releases any resources held by the transport
	Close() error
}
