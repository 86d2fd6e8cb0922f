package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"gqlcache/internal/cache"
	"gqlcache/internal/client"
	"gqlcache/internal/graphql"
)

// Cache status reported in the X-Cache header of single-request responses
const (
	HeaderCache = "X-Cache"
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
)

var (
	errReadBody     = errors.New("failed to read request body")
	errBodyTooLarge = errors.New("request body too large")
)

// Querier executes GraphQL requests
type Querier interface {
	Query(ctx context.Context, req graphql.Request) graphql.Result
}

var _ Querier = (*client.Client)(nil)

// Handler serves GraphQL POST requests through the caching client
type Handler struct {
	client      Querier
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(c Querier, maxBodySize int64, logger zerolog.Logger) *Handler {
	return &Handler{
		client:      c,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeGraphQLError(w, http.StatusBadRequest, err.Error())
		return
	}

	requests, isBatch, err := graphql.ParseBatchRequest(body)
	if err != nil {
		h.writeGraphQLError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, req := range requests {
		if err := req.Validate(); err != nil {
			h.writeGraphQLError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	if isBatch {
		h.writeBatchResponse(w, h.executeBatch(ctx, requests))
		return
	}

	res := h.client.Query(ctx, *requests[0])
	if res.Err != nil {
		h.logger.Error().Err(res.Err).Str("operation", res.Request.OperationName).Msg("request failed")
		h.writeGraphQLError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	if res.FromCache {
		w.Header().Set(HeaderCache, CacheHit)
	} else {
		w.Header().Set(HeaderCache, CacheMiss)
	}
	h.writeResponse(w, http.StatusOK, res.Response())
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if h.maxBodySize <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errReadBody
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, errReadBody
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// executeBatch runs every request of a batch concurrently. Requests for the
// same key coalesce in the cache like requests from separate clients.
func (h *Handler) executeBatch(ctx context.Context, requests []*graphql.Request) []*graphql.Response {
	responses := make([]*graphql.Response, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req graphql.Request) {
			defer wg.Done()
			res := h.client.Query(ctx, req)
			if res.Err != nil {
				h.logger.Error().Err(res.Err).Str("operation", req.OperationName).Msg("batch request failed")
				responses[i] = &graphql.Response{Errors: []graphql.Error{graphql.NewError("upstream request failed")}}
				return
			}
			responses[i] = res.Response()
		}(i, *req)
	}
	wg.Wait()

	return responses
}

// writeResponse writes a GraphQL response
func (h *Handler) writeResponse(w http.ResponseWriter, status int, resp *graphql.Response) {
	data, err := resp.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeBatchResponse writes a batch of GraphQL responses
func (h *Handler) writeBatchResponse(w http.ResponseWriter, responses []*graphql.Response) {
	data, err := json.Marshal(responses)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal batch response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// writeGraphQLError writes a response carrying a single GraphQL error
func (h *Handler) writeGraphQLError(w http.ResponseWriter, status int, message string) {
	h.writeResponse(w, status, &graphql.Response{Errors: []graphql.Error{graphql.NewError("%s", message)}})
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// StatsHandler serves the cache engine counters as JSON
func StatsHandler(engine *cache.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(engine.Stats())
	})
}
