package graphql

import (
	"encoding/json"
	"fmt"
)

// wireRequest keeps variables raw so they are normalized only once, by the key deriver
type wireRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
	Extensions    *Extensions     `json:"extensions"`
}

func (w *wireRequest) toRequest() *Request {
	req := &Request{
		Query:         w.Query,
		OperationName: w.OperationName,
		Extensions:    w.Extensions,
	}
	if len(w.Variables) > 0 && string(w.Variables) != "null" {
		req.Variables = w.Variables
	}
	if w.Extensions != nil && w.Extensions.PersistedQuery != nil {
		req.Hash = w.Extensions.PersistedQuery.SHA256Hash
	}
	return req
}

// ParseRequest parses a single GraphQL request from bytes
func ParseRequest(data []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return w.toRequest(), nil
}

// ParseBatchRequest parses a batch of GraphQL requests.
// Returns a slice of requests, or a single request if not a batch.
func ParseBatchRequest(data []byte) ([]*Request, bool, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, false, fmt.Errorf("empty request body")
	}

	if data[0] == '[' {
		var batch []wireRequest
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, true, fmt.Errorf("failed to parse batch request: %w", err)
		}
		if len(batch) == 0 {
			return nil, true, fmt.Errorf("empty batch")
		}
		requests := make([]*Request, len(batch))
		for i := range batch {
			requests[i] = batch[i].toRequest()
		}
		return requests, true, nil
	}

	req, err := ParseRequest(data)
	if err != nil {
		return nil, false, err
	}
	return []*Request{req}, false, nil
}

// trimWhitespace removes leading whitespace from byte slice
func trimWhitespace(data []byte) []byte {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return data[i:]
		}
	}
	return nil
}
