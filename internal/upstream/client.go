package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"bulkgofer/internal/config"
	"bulkgofer/internal/jsonrpc"
)

// Client talks JSON-RPC to the single configured upstream endpoint, over
// HTTP POST or a persistent WebSocket connection.
type Client struct {
	name     string
	rpcURL   string
	wsURL    string
	preferWS bool

	httpClient *http.Client
	logger     zerolog.Logger

	wsClient *WSClient
}

// Config for creating a new Client
type Config struct {
	Name              string
	RPCURL            string
	WSURL             string
	PreferWS          bool
	RequestTimeout    time.Duration
	MessageTimeout    time.Duration
	ReconnectInterval time.Duration
	Logger            zerolog.Logger
}

// New creates a new upstream Client
func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	c := &Client{
		name:       cfg.Name,
		rpcURL:     cfg.RPCURL,
		wsURL:      cfg.WSURL,
		preferWS:   cfg.PreferWS,
		httpClient: httpClient,
		logger:     cfg.Logger.With().Str("upstream", cfg.Name).Logger(),
	}

	if c.wsURL != "" {
		c.wsClient = NewWSClient(c.wsURL, cfg.MessageTimeout, cfg.ReconnectInterval, c.logger)
	}

	return c
}

// NewFromConfig creates a Client from config
func NewFromConfig(cfg config.UpstreamConfig, globalCfg *config.Config, logger zerolog.Logger) *Client {
	return New(Config{
		Name:              cfg.Name,
		RPCURL:            cfg.RPCURL,
		WSURL:             cfg.WSURL,
		PreferWS:          cfg.PreferWS,
		RequestTimeout:    globalCfg.GetRequestTimeoutDuration(),
		MessageTimeout:    cfg.GetMessageTimeoutDuration(),
		ReconnectInterval: cfg.GetReconnectIntervalDuration(),
		Logger:            logger,
	})
}

// Name returns the upstream name
func (c *Client) Name() string {
	return c.name
}

// HasRPC returns true if HTTP RPC URL is configured
func (c *Client) HasRPC() bool {
	return c.rpcURL != ""
}

// HasWS returns true if WebSocket URL is configured
func (c *Client) HasWS() bool {
	return c.wsURL != ""
}

// Start establishes the WebSocket connection when one is configured
func (c *Client) Start(ctx context.Context) error {
	if c.wsClient == nil {
		return nil
	}
	return c.wsClient.Connect(ctx)
}

// Execute sends a JSON-RPC request and returns the response.
// When preferWs is true and both URLs are configured, uses WebSocket.
// Otherwise prefers HTTP, falling back to WebSocket.
func (c *Client) Execute(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if c.preferWS && c.HasWS() {
		return c.ExecuteWS(ctx, req)
	}
	if c.HasRPC() {
		return c.ExecuteHTTP(ctx, req)
	}
	if c.HasWS() {
		return c.ExecuteWS(ctx, req)
	}
	return nil, fmt.Errorf("no endpoint configured for upstream %s", c.name)
}

// ExecuteHTTP sends a JSON-RPC request via HTTP
func (c *Client) ExecuteHTTP(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if c.rpcURL == "" {
		return nil, fmt.Errorf("HTTP RPC URL not configured")
	}

	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	rpcResp, err := jsonrpc.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return rpcResp, nil
}

// ExecuteWS sends a JSON-RPC request via WebSocket
func (c *Client) ExecuteWS(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if c.wsClient == nil {
		return nil, fmt.Errorf("WebSocket not configured")
	}
	return c.wsClient.SendRequest(ctx, req)
}

// Close closes all connections
func (c *Client) Close() {
	if c.wsClient != nil {
		c.wsClient.Close()
	}
	c.httpClient.CloseIdleConnections()
}
