package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"bulkgofer/internal/jsonrpc"
)

// Handler serves JSON-RPC over HTTP. Methods with a coalescing config are
// routed through their engine; everything else is proxied to the upstream
// unchanged.
type Handler struct {
	methods map[string]*methodCoalescer
	exec    executor
	logger  zerolog.Logger
}

// NewHandler creates the HTTP JSON-RPC handler
func NewHandler(methods map[string]*methodCoalescer, exec executor, logger zerolog.Logger) *Handler {
	return &Handler{
		methods: methods,
		exec:    exec,
		logger:  logger.With().Str("component", "handler").Logger(),
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse))
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse))
		return
	}

	// Requests in one HTTP batch are independent callers; dispatching them
	// concurrently is what lets them coalesce into one window.
	responses := make([]*jsonrpc.Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			responses[i] = h.dispatch(r.Context(), req)
		}(i, req)
	}
	wg.Wait()

	if isBatch {
		h.writeBatchResponse(w, responses)
		return
	}
	h.writeResponse(w, responses[0])
}

// dispatch handles a single request
func (h *Handler) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if err := req.Validate(); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrInvalidRequest)
	}

	if mc, ok := h.methods[req.Method]; ok {
		return mc.handle(ctx, req)
	}

	// Passthrough for methods without a coalescing config
	resp, err := h.exec.Execute(ctx, req)
	if err != nil {
		h.logger.Warn().Err(err).Str("method", req.Method).Msg("upstream request failed")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
	}
	resp.ID = req.ID
	return resp
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (h *Handler) writeBatchResponse(w http.ResponseWriter, responses []*jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(responses); err != nil {
		h.logger.Error().Err(err).Msg("failed to write batch response")
	}
}
