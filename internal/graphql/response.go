package graphql

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidResponse is returned when a body is not a GraphQL response envelope
var ErrInvalidResponse = errors.New("invalid GraphQL response")

// DecodeResponse extracts data and errors from a GraphQL response body
func DecodeResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidResponse
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, ErrInvalidResponse
	}

	data := parsed.Get("data")
	errs := parsed.Get("errors")
	if !data.Exists() && !errs.Exists() {
		return nil, ErrInvalidResponse
	}

	resp := &Response{}
	if data.Exists() && data.Type != gjson.Null {
		resp.Data = json.RawMessage(data.Raw)
	}
	if errs.Exists() && errs.IsArray() {
		if err := json.Unmarshal([]byte(errs.Raw), &resp.Errors); err != nil {
			return nil, fmt.Errorf("failed to parse errors: %w", err)
		}
	}
	return resp, nil
}
