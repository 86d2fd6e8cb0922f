package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gqlcache/internal/graphql"
)

// Config for creating a new Client
type Config struct {
	Transport        Transport
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	CircuitBreaker   CircuitBreakerConfig
	Logger           zerolog.Logger
}

// Client runs GraphQL requests through registered plugins and a transport.
// Middlewares run in registration order and the first one to return data
// wins; afterwares run in registration order for every request.
type Client struct {
	transport   Transport
	plugins     []Plugin
	breaker     *CircuitBreaker
	maxAttempts int
	backoff     time.Duration
	logger      zerolog.Logger
}

// New creates a new Client
func New(cfg Config) *Client {
	maxAttempts := cfg.RetryMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	logger := cfg.Logger.With().Str("component", "client").Logger()
	return &Client{
		transport:   cfg.Transport,
		breaker:     NewCircuitBreaker(cfg.CircuitBreaker, logger),
		maxAttempts: maxAttempts,
		backoff:     cfg.RetryBackoff,
		logger:      logger,
	}
}

// Use registers plugins. It must not be called concurrently with Query.
func (c *Client) Use(plugins ...Plugin) {
	for _, p := range plugins {
		c.logger.Debug().Str("plugin", p.Name).Msg("plugin registered")
	}
	c.plugins = append(c.plugins, plugins...)
}

// Query executes req. Transport failures are reported in Result.Err; GraphQL
// errors returned by the server are in Result.Errors.
func (c *Client) Query(ctx context.Context, req graphql.Request) graphql.Result {
	id := uuid.NewString()
	if err := req.Validate(); err != nil {
		return graphql.Result{Request: req, Err: err, ID: id}
	}
	ctx = withCallID(ctx, id)

	if data, ok := c.runMiddlewares(ctx, req); ok {
		res := graphql.Result{Request: req, Data: data, FromCache: true, ID: id}
		c.runAfterwares(ctx, res)
		return res
	}

	res := graphql.Result{Request: req, ID: id}
	if err := ctx.Err(); err != nil {
		// the caller is gone; do not spend a network round trip on it
		res.Err = err
		c.runAfterwares(ctx, res)
		return res
	}

	resp, err := c.execute(ctx, req)
	if err != nil {
		res.Err = err
	} else {
		res.Data = resp.Data
		res.Errors = resp.Errors
	}

	c.runAfterwares(ctx, res)
	return res
}

func (c *Client) runMiddlewares(ctx context.Context, req graphql.Request) (json.RawMessage, bool) {
	for _, p := range c.plugins {
		for _, mw := range p.Middlewares {
			if data, ok := mw(ctx, req); ok {
				c.logger.Debug().
					Str("plugin", p.Name).
					Str("operation", req.OperationName).
					Msg("request served by middleware")
				return data, true
			}
		}
	}
	return nil, false
}

func (c *Client) runAfterwares(ctx context.Context, res graphql.Result) {
	for _, p := range c.plugins {
		for _, aw := range p.Afterwares {
			aw(ctx, res)
		}
	}
}

// execute sends req through the circuit breaker, retrying endpoint failures.
// Failures after the caller's context ended are not held against the endpoint.
func (c *Client) execute(ctx context.Context, req graphql.Request) (*graphql.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.breaker.Allow(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, err
		}

		resp, err := c.transport.Execute(ctx, req)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		c.breaker.Record(req.OperationName, err)
		if err == nil {
			return resp, nil
		}
		if !isEndpointFailure(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Str("operation", req.OperationName).
			Int("attempt", attempt).
			Msg("request failed")

		if attempt < c.maxAttempts && c.backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff):
			}
		}
	}
	return nil, lastErr
}

// CircuitState returns the state of the endpoint's circuit breaker
func (c *Client) CircuitState() string {
	return c.breaker.State()
}

// Close closes the transport
func (c *Client) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
