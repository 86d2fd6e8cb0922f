package graphql

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyQuery is returned for a request with neither query text nor a persisted hash
var ErrEmptyQuery = errors.New("query is required")

// Request is a GraphQL operation as sent by a client
type Request struct {
	Query         string      `json:"query,omitempty"`
	OperationName string      `json:"operationName,omitempty"`
	Variables     interface{} `json:"variables,omitempty"`
	Extensions    *Extensions `json:"extensions,omitempty"`

	// Hash is a precomputed request identity. When set the cache key comes from it alone.
	Hash string `json:"-"`
}

// Extensions carries protocol extensions of a request
type Extensions struct {
	PersistedQuery *PersistedQuery `json:"persistedQuery,omitempty"`
}

// PersistedQuery is the automatic persisted query extension
type PersistedQuery struct {
	Version    int    `json:"version"`
	SHA256Hash string `json:"sha256Hash"`
}

// Validate checks if the request is valid
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" && r.Hash == "" {
		return ErrEmptyQuery
	}
	return nil
}

// VariablesValue returns variables decoded into plain Go values
func (r *Request) VariablesValue() interface{} {
	switch v := r.Variables.(type) {
	case json.RawMessage:
		var out interface{}
		if err := json.Unmarshal(v, &out); err != nil {
			return nil
		}
		return out
	default:
		return v
	}
}

// Error is a GraphQL error object
type Error struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a GraphQL error with a message
func NewError(format string, args ...interface{}) Error {
	return Error{Message: fmt.Sprintf(format, args...)}
}

// Response is the wire envelope returned by a GraphQL server
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// Bytes returns the response as JSON bytes
func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// Result is what the client pipeline hands to afterwares and callers
type Result struct {
	Request Request
	Data    json.RawMessage
	Errors  []Error

	// FromCache is set when Data was served by a middleware instead of the network
	FromCache bool

	// Err is the transport error, if the network call failed
	Err error

	// ID identifies the client call that produced the result
	ID string
}

// Response converts a result back to its wire envelope
func (r *Result) Response() *Response {
	return &Response{Data: r.Data, Errors: r.Errors}
}

// IsEmpty reports whether data is absent or JSON null
func IsEmpty(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
