package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gqlcache/internal/graphql"
)

// HTTPTransport posts requests to a GraphQL endpoint over HTTP
type HTTPTransport struct {
	endpoint   string
	headers    http.Header
	httpClient *http.Client
	logger     zerolog.Logger
}

// HTTPConfig for creating a new HTTPTransport
type HTTPConfig struct {
	Endpoint       string
	Headers        map[string]string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// NewHTTPTransport creates a new HTTPTransport
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		logger: cfg.Logger.With().Str("transport", "http").Logger(),
	}
}

// Execute sends a GraphQL request via HTTP POST
func (t *HTTPTransport) Execute(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range t.headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	gqlResp, parseErr := graphql.DecodeResponse(body)
	if resp.StatusCode != http.StatusOK {
		// servers may answer validation failures with 4xx and a proper envelope
		if parseErr == nil && len(gqlResp.Errors) > 0 {
			return gqlResp, nil
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", parseErr)
	}

	t.logger.Debug().
		Str("operation", req.OperationName).
		Int("bytes", len(body)).
		Msg("response received")
	return gqlResp, nil
}

// Close releases idle connections
func (t *HTTPTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}
