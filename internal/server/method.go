package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bulkgofer/internal/cache"
	"bulkgofer/internal/coalesce"
	"bulkgofer/internal/config"
	"bulkgofer/internal/jsonrpc"
	"bulkgofer/internal/upstream"
)

// executor executes one bulk request against the upstream
type executor interface {
	Execute(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
}

var _ executor = (*upstream.Client)(nil)

// methodCoalescer coalesces calls to one configured RPC method.
//
// Each incoming request contributes the single element found at the
// configured aggregate param position; the remaining params form the context
// key, so requests that differ only in their element share a window and a
// bulk upstream call. The upstream answers with an array aligned index for
// index with the deduplicated element array; null entries are treated as
// not found and resolve to the configured default.
type methodCoalescer struct {
	method  string
	cfg     config.MethodConfig
	exec    executor
	engine  *coalesce.Engine[string, string, json.RawMessage]
	cache   cache.Cache
	timeout time.Duration
	logger  zerolog.Logger
}

func newMethodCoalescer(method string, mc config.MethodConfig, exec executor, rpcCache cache.Cache, timeout time.Duration, logger zerolog.Logger) (*methodCoalescer, error) {
	m := &methodCoalescer{
		method:  method,
		cfg:     mc,
		exec:    exec,
		cache:   rpcCache,
		timeout: timeout,
		logger:  logger.With().Str("method", method).Logger(),
	}

	engine, err := coalesce.New[string, string, json.RawMessage](coalesce.Config[json.RawMessage]{
		Wait:            mc.GetWaitDuration(),
		MinWaitAfterAdd: mc.GetMinWaitAfterAddDuration(),
		MinWait:         mc.GetMinWaitDuration(),
		MaxWait:         mc.GetMaxWaitDuration(),
		MaxSize:         mc.MaxSize,
		NotFound:        mc.GetNotFound(),
		Logger:          m.logger,
	}, m.bulk)
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", method, err)
	}
	m.engine = engine

	return m, nil
}

// handle routes one caller's request through the engine and attributes the
// caller's own element result back to it.
func (m *methodCoalescer) handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	element, contextKey, errResp := m.splitParams(req)
	if errResp != nil {
		return errResp
	}

	cacheKey := cache.Key(m.method, contextKey, element)
	if data, ok := m.cache.Get(cacheKey); ok {
		return jsonrpc.NewResponseRaw(req.ID, data)
	}

	out, err := m.engine.Call(ctx, contextKey, element)
	if err != nil {
		if rpcErr, ok := err.(*jsonrpc.Error); ok {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
	}

	m.cache.Set(cacheKey, out)
	return jsonrpc.NewResponseRaw(req.ID, out)
}

// splitParams extracts the caller's element and builds the context key from
// the remaining params. Both are re-marshalled through interface{} so that
// structurally equal values deduplicate regardless of their original JSON
// formatting.
func (m *methodCoalescer) splitParams(req *jsonrpc.Request) (element, contextKey string, errResp *jsonrpc.Response) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return "", "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "failed to parse params"))
	}

	idx := m.cfg.AggregateParam
	if idx >= len(params) {
		return "", "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "aggregate param index out of range"))
	}

	element, err := canonicalize(params[idx])
	if err != nil {
		return "", "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "failed to parse aggregate param"))
	}

	keyParams := make([]json.RawMessage, 0, len(params)-1)
	for i, p := range params {
		if i == idx {
			continue
		}
		canon, err := canonicalize(p)
		if err != nil {
			return "", "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "failed to parse params"))
		}
		keyParams = append(keyParams, json.RawMessage(canon))
	}

	keyJSON, err := json.Marshal(keyParams)
	if err != nil {
		return "", "", jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "failed to build batch key"))
	}

	return element, string(keyJSON), nil
}

// bulk executes one coalesced upstream call for a single context key.
func (m *methodCoalescer) bulk(ctx context.Context, contextKey string, inputs []string) ([]coalesce.Pair[string, json.RawMessage], error) {
	var keyParams []json.RawMessage
	if err := json.Unmarshal([]byte(contextKey), &keyParams); err != nil {
		return nil, fmt.Errorf("failed to parse batch key: %w", err)
	}

	elements := make([]json.RawMessage, len(inputs))
	for i, in := range inputs {
		elements[i] = json.RawMessage(in)
	}

	params := spliceParams(keyParams, elements, m.cfg.AggregateParam)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch params: %w", err)
	}

	req := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  m.method,
		Params:  paramsJSON,
		ID:      jsonrpc.NewIDInt(1),
	}

	m.logger.Debug().Int("elements", len(elements)).Msg("executing coalesced request")

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	resp, err := m.exec.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.HasError() {
		return nil, resp.Error
	}

	var results []json.RawMessage
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeBulkMismatch, "coalesced result is not an array")
	}
	if len(results) != len(inputs) {
		return nil, jsonrpc.NewError(jsonrpc.CodeBulkMismatch,
			fmt.Sprintf("coalesced result size mismatch: expected %d, got %d", len(inputs), len(results)))
	}

	pairs := make([]coalesce.Pair[string, json.RawMessage], 0, len(inputs))
	for i, in := range inputs {
		if isJSONNull(results[i]) {
			// Resolved later as the configured not-found default
			continue
		}
		pairs = append(pairs, coalesce.Pair[string, json.RawMessage]{Input: in, Output: results[i]})
	}
	return pairs, nil
}

// close releases the method's engine
func (m *methodCoalescer) close() {
	m.engine.Close()
}

// canonicalize round-trips raw JSON through interface{} so formatting
// differences never defeat deduplication.
func canonicalize(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// spliceParams rebuilds the full params array with the aggregated elements
// at the aggregate param position.
func spliceParams(keyParams, elements []json.RawMessage, aggregateIndex int) []interface{} {
	totalLen := len(keyParams) + 1
	result := make([]interface{}, totalLen)

	keyIdx := 0
	for i := 0; i < totalLen; i++ {
		if i == aggregateIndex {
			result[i] = elements
			continue
		}
		if keyIdx < len(keyParams) {
			result[i] = keyParams[keyIdx]
			keyIdx++
		}
	}
	return result
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
