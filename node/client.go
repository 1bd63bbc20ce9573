package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nodefed/nodefed/types"
)

// Well-known endpoint suffixes resolved against a node's base URL.
const (
	HealthPath      = "/api/node/health"
	SearchPath      = "/api/node/search"
	ExecutePath     = "/api/node/execute"
	CollectionsPath = "/api/node/collections"
)

// TokenHeader carries the node-specific signed token.
const TokenHeader = "X-Node-Token"

// ClientConfig holds outbound HTTP client settings.
type ClientConfig struct {
	// Per-request timeout.
	RequestTimeout time.Duration
	// Health check timeout.
	PingTimeout time.Duration
	// Retry count for idempotent requests.
	RetryCount int
}

// DefaultClientConfig returns default client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 10 * time.Second,
		PingTimeout:    5 * time.Second,
		RetryCount:     0,
	}
}

// SearchRequest is the payload sent to a node's search endpoint.
type SearchRequest struct {
	Query       string   `json:"query"`
	Collections []string `json:"collections,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`
}

// SearchResult is one result item returned by a node.
type SearchResult struct {
	ID         string         `json:"id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Score      float64        `json:"score,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchResponse is the payload a node returns from its search endpoint.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// Collection is one `{class_name, table}` descriptor from a node's
// collection-discovery endpoint.
type Collection struct {
	ClassName string `json:"class_name"`
	Table     string `json:"table"`
}

// ActionResponse is the payload a node returns from its execute endpoint.
type ActionResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client issues authenticated requests against node endpoints.
type Client struct {
	rest   *resty.Client
	config ClientConfig
	logger *zap.Logger
}

// NewClient creates a node HTTP client.
func NewClient(config ClientConfig, logger *zap.Logger) *Client {
	rest := resty.New().
		SetTimeout(config.RequestTimeout).
		SetRetryCount(config.RetryCount).
		SetHeader("Accept", "application/json")

	return &Client{
		rest:   rest,
		config: config,
		logger: logger.With(zap.String("component", "node_client")),
	}
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

// Health issues a health check against the node and returns the elapsed
// time on success.
func (c *Client) Health(ctx context.Context, n *types.Node) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.PingTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.rest.R().
		SetContext(ctx).
		Get(joinURL(n.BaseURL, HealthPath))
	elapsed := time.Since(start)

	if err != nil {
		return elapsed, types.NewError(types.ErrNodeFailure, "health check failed").
			WithNode(n.Slug).WithCause(err)
	}
	if resp.IsError() {
		return elapsed, types.NewError(types.ErrNodeFailure,
			fmt.Sprintf("health check returned status %d", resp.StatusCode())).
			WithNode(n.Slug).WithHTTPStatus(resp.StatusCode())
	}

	return elapsed, nil
}

// Search issues one search request against the node. The node decides
// locally whether it can serve the requested collections.
func (c *Client) Search(ctx context.Context, n *types.Node, token string, req *SearchRequest) (*SearchResponse, error) {
	var out SearchResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(TokenHeader, token).
		SetBody(req).
		SetResult(&out).
		Post(joinURL(n.BaseURL, SearchPath))

	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrNodeTimeout, "search request timed out").
				WithNode(n.Slug).WithCause(err).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrNodeFailure, "search request failed").
			WithNode(n.Slug).WithCause(err).WithRetryable(true)
	}
	if resp.IsError() {
		return nil, types.NewError(types.ErrNodeFailure,
			fmt.Sprintf("search returned status %d", resp.StatusCode())).
			WithNode(n.Slug).WithHTTPStatus(resp.StatusCode())
	}

	return &out, nil
}

// Execute runs a named action on the node.
func (c *Client) Execute(ctx context.Context, n *types.Node, token string, action string, params map[string]any) (*ActionResponse, error) {
	body := map[string]any{
		"action": action,
		"params": params,
	}

	var out ActionResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(TokenHeader, token).
		SetBody(body).
		SetResult(&out).
		Post(joinURL(n.BaseURL, ExecutePath))

	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrNodeTimeout, "action request timed out").
				WithNode(n.Slug).WithCause(err)
		}
		return nil, types.NewError(types.ErrNodeFailure, "action request failed").
			WithNode(n.Slug).WithCause(err)
	}
	if resp.IsError() {
		return nil, types.NewError(types.ErrNodeFailure,
			fmt.Sprintf("action returned status %d", resp.StatusCode())).
			WithNode(n.Slug).WithHTTPStatus(resp.StatusCode())
	}

	return &out, nil
}

// Collections fetches the node's collection descriptors. A payload
// missing the expected array is a protocol error for that node, not a
// silent empty result.
func (c *Client) Collections(ctx context.Context, n *types.Node, token string) ([]Collection, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader(TokenHeader, token).
		Get(joinURL(n.BaseURL, CollectionsPath))

	if err != nil {
		return nil, types.NewError(types.ErrNodeFailure, "collection discovery failed").
			WithNode(n.Slug).WithCause(err)
	}
	if resp.IsError() {
		return nil, types.NewError(types.ErrNodeFailure,
			fmt.Sprintf("collection discovery returned status %d", resp.StatusCode())).
			WithNode(n.Slug).WithHTTPStatus(resp.StatusCode())
	}

	var payload struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		c.logger.Warn("malformed collection discovery response",
			zap.String("node", n.Slug),
			zap.Error(err),
		)
		return nil, types.NewError(types.ErrProtocolError, "malformed collection discovery response").
			WithNode(n.Slug).WithCause(err)
	}
	if payload.Collections == nil {
		c.logger.Warn("collection discovery response missing collections array",
			zap.String("node", n.Slug),
		)
		return nil, types.NewError(types.ErrProtocolError, "collection discovery response missing collections array").
			WithNode(n.Slug)
	}

	return payload.Collections, nil
}
