// Package search implements the federated search engine: candidate node
// resolution, concurrent fan-out with partial-failure tolerance, result
// aggregation, and short-TTL caching of aggregates.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/auth"
	"github.com/nodefed/nodefed/balancer"
	"github.com/nodefed/nodefed/breaker"
	"github.com/nodefed/nodefed/internal/cache"
	"github.com/nodefed/nodefed/internal/metrics"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// Config holds federated search settings.
type Config struct {
	// Per-node request timeout; independent of the aggregate deadline.
	RequestTimeout time.Duration
	// Aggregate deadline the whole fan-out never outlives.
	AggregateTimeout time.Duration
	// Default result limit.
	DefaultLimit int
	// Maximum nodes queried per search; 0 means no cap.
	MaxNodes int
	// Selection strategy applied when capping candidates.
	Strategy balancer.Strategy
	// Cache TTL for search aggregates.
	CacheTTL time.Duration
}

// DefaultServiceConfig returns default search settings.
func DefaultServiceConfig() Config {
	return Config{
		RequestTimeout:   10 * time.Second,
		AggregateTimeout: 15 * time.Second,
		DefaultLimit:     20,
		Strategy:         balancer.DefaultStrategy,
		CacheTTL:         60 * time.Second,
	}
}

// Request is a federated search request.
type Request struct {
	// Query is the free-text query fanned out to nodes.
	Query string `json:"query"`
	// Nodes optionally targets an explicit node list by slug. When
	// empty, candidates are auto-selected by tag relevance.
	Nodes []string `json:"nodes,omitempty"`
	// Collections restricts the search to named collections; each node
	// decides locally whether it can serve them.
	Collections []string `json:"collections,omitempty"`
	// Limit caps the merged result list.
	Limit int `json:"limit,omitempty"`
	// TraceID correlates sub-requests in the request log.
	TraceID string `json:"trace_id,omitempty"`
}

// NodeBreakdown reports one node's contribution to the aggregate.
type NodeBreakdown struct {
	Slug        string `json:"slug"`
	ResultCount int    `json:"result_count"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Response is the aggregate of a federated search.
type Response struct {
	Query         string              `json:"query"`
	Results       []node.SearchResult `json:"results"`
	Total         int                 `json:"total"`
	NodesSearched int                 `json:"nodes_searched"`
	NodesFailed   int                 `json:"nodes_failed"`
	Breakdown     []NodeBreakdown     `json:"breakdown"`
	// NoNodesAvailable marks the explicit "no nodes responded" outcome,
	// distinguishable from a query with genuinely zero matches.
	NoNodesAvailable bool `json:"no_nodes_available,omitempty"`
	Cached           bool `json:"cached,omitempty"`
}

// Service is the federated search engine.
type Service struct {
	config    Config
	registry  *node.Registry
	store     node.Store
	client    *node.Client
	breakers  *breaker.Manager
	balancer  *balancer.Balancer
	auth      *auth.Service
	cache     *cache.Manager
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewService creates the federated search service. The cache manager
// may be nil, which disables aggregate caching.
func NewService(
	config Config,
	registry *node.Registry,
	store node.Store,
	client *node.Client,
	breakers *breaker.Manager,
	bal *balancer.Balancer,
	authSvc *auth.Service,
	cacheMgr *cache.Manager,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.AggregateTimeout < config.RequestTimeout {
		config.AggregateTimeout = config.RequestTimeout
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 20
	}

	return &Service{
		config:    config,
		registry:  registry,
		store:     store,
		client:    client,
		breakers:  breakers,
		balancer:  bal,
		auth:      authSvc,
		cache:     cacheMgr,
		collector: collector,
		logger:    logger.With(zap.String("component", "federated_search")),
	}
}

// Search fans the query out to candidate nodes concurrently and merges
// their results. One node's failure degrades the aggregate instead of
// aborting it; only an empty candidate set surfaces as no capacity.
func (s *Service) Search(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}

	candidates, err := s.resolveCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrNoCapacity, "no candidate nodes for search")
	}

	// Circuit-open nodes are dropped before any call is issued.
	callable := candidates[:0]
	for _, n := range candidates {
		if s.breakers.IsOpen(n.Slug) {
			s.logger.Debug("skipping circuit-open node", zap.String("slug", n.Slug))
			continue
		}
		callable = append(callable, n)
	}
	if len(callable) == 0 {
		return nil, types.NewError(types.ErrNoCapacity, "all candidate nodes have open circuits")
	}

	cacheKey := s.cacheKey(req.Query, req.Collections, callable)
	if s.cache != nil {
		var cached Response
		if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
			if s.collector != nil {
				s.collector.RecordSearchCache(true)
			}
			cached.Cached = true
			return &cached, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("search cache read failed", zap.Error(err))
		}
		if s.collector != nil {
			s.collector.RecordSearchCache(false)
		}
	}

	start := time.Now()
	resp := s.fanOut(ctx, callable, req, limit)

	if s.collector != nil {
		s.collector.RecordSearch(resp.NodesSearched, time.Since(start))
	}

	if s.cache != nil && !resp.NoNodesAvailable {
		if err := s.cache.SetJSON(ctx, cacheKey, resp, s.config.CacheTTL); err != nil {
			s.logger.Warn("search cache write failed", zap.Error(err))
		}
	}

	return resp, nil
}

// resolveCandidates returns the explicit node list when given, else all
// healthy nodes whose tags match the query keywords, optionally capped
// through the balancer.
func (s *Service) resolveCandidates(ctx context.Context, req *Request) ([]*types.Node, error) {
	if len(req.Nodes) > 0 {
		nodes := make([]*types.Node, 0, len(req.Nodes))
		for _, slug := range req.Nodes {
			n, err := s.registry.GetBySlug(ctx, slug)
			if err != nil {
				if errors.Is(err, node.ErrNodeNotFound) {
					return nil, types.NewError(types.ErrNotFound, "unknown node: "+slug)
				}
				return nil, err
			}
			nodes = append(nodes, n)
		}
		return nodes, nil
	}

	healthy, err := s.registry.HealthyNodes(ctx)
	if err != nil {
		return nil, err
	}

	keywords := tokenize(req.Query)
	matched := make([]*types.Node, 0, len(healthy))
	for _, n := range healthy {
		if !n.HasCapability(types.CapabilitySearch) {
			continue
		}
		if matchesTags(keywords, n.Tags()) {
			matched = append(matched, n)
		}
	}

	// Ties between matched nodes are broken by response time, then slug
	// order, via the balancer when a node cap is configured.
	if s.config.MaxNodes > 0 && len(matched) > s.config.MaxNodes {
		matched = s.balancer.Select(matched, s.config.MaxNodes, s.config.Strategy)
	}

	return matched, nil
}

type nodeOutcome struct {
	slug     string
	results  []node.SearchResult
	duration time.Duration
	err      error
}

// fanOut issues one request per node concurrently, each bounded by the
// per-request timeout inside the aggregate deadline, and joins on all
// of them. Abandoned in-flight calls still count as failures.
func (s *Service) fanOut(ctx context.Context, nodes []*types.Node, req *Request, limit int) *Response {
	ctx, cancel := context.WithTimeout(ctx, s.config.AggregateTimeout)
	defer cancel()

	outcomes := make(chan nodeOutcome, len(nodes))
	for _, n := range nodes {
		n := n
		go func() {
			outcomes <- s.searchNode(ctx, n, req, limit)
		}()
	}

	resp := &Response{
		Query:         req.Query,
		NodesSearched: len(nodes),
		Breakdown:     make([]NodeBreakdown, 0, len(nodes)),
	}

	responded := 0
	for range nodes {
		out := <-outcomes

		entry := NodeBreakdown{
			Slug:       out.slug,
			DurationMs: out.duration.Milliseconds(),
		}

		if out.err != nil {
			entry.Error = out.err.Error()
			resp.NodesFailed++
		} else {
			entry.Success = true
			entry.ResultCount = len(out.results)
			resp.Results = append(resp.Results, out.results...)
			responded++
		}
		resp.Breakdown = append(resp.Breakdown, entry)
	}

	if responded == 0 {
		resp.NoNodesAvailable = true
		resp.Results = nil
		resp.Total = 0
		return resp
	}

	// Arrival order carries no guarantee; re-rank by score before
	// truncation.
	sort.SliceStable(resp.Results, func(i, j int) bool {
		return resp.Results[i].Score > resp.Results[j].Score
	})
	if len(resp.Results) > limit {
		resp.Results = resp.Results[:limit]
	}
	resp.Total = len(resp.Results)

	return resp
}

// searchNode performs one sub-request, feeding its outcome into the
// circuit breaker and the request log.
func (s *Service) searchNode(ctx context.Context, n *types.Node, req *Request, limit int) nodeOutcome {
	out := nodeOutcome{slug: n.Slug}

	token, err := s.auth.IssueToken(n, 0)
	if err != nil {
		out.err = err
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if err := s.store.AdjustActiveConnections(ctx, n.ID, 1); err != nil {
		s.logger.Warn("failed to bump connection gauge", zap.String("slug", n.Slug), zap.Error(err))
	}
	defer func() {
		if err := s.store.AdjustActiveConnections(context.WithoutCancel(ctx), n.ID, -1); err != nil {
			s.logger.Warn("failed to drop connection gauge", zap.String("slug", n.Slug), zap.Error(err))
		}
	}()

	start := time.Now()
	result, err := s.client.Search(callCtx, n, token, &node.SearchRequest{
		Query:       req.Query,
		Collections: req.Collections,
		Limit:       limit,
		TraceID:     req.TraceID,
	})
	out.duration = time.Since(start)

	logEntry := &types.NodeRequest{
		NodeID:      n.ID,
		NodeSlug:    n.Slug,
		RequestType: types.RequestTypeSearch,
		TraceID:     req.TraceID,
		DurationMs:  out.duration.Milliseconds(),
	}

	if err != nil {
		out.err = err
		logEntry.Outcome = types.RequestOutcomeFailed
		logEntry.ErrorMsg = err.Error()
		s.breakers.RecordFailure(n.Slug)
		s.logger.Warn("node search failed",
			zap.String("slug", n.Slug),
			zap.Duration("duration", out.duration),
			zap.Error(err),
		)
	} else {
		out.results = result.Results
		logEntry.Outcome = types.RequestOutcomeSuccess
		s.breakers.RecordSuccess(n.Slug)
	}

	if s.collector != nil {
		s.collector.RecordNodeRequest(n.Slug, types.RequestTypeSearch, err == nil, out.duration)
	}
	if logErr := s.store.LogRequest(context.WithoutCancel(ctx), logEntry); logErr != nil {
		s.logger.Warn("failed to log node request", zap.String("slug", n.Slug), zap.Error(logErr))
	}

	return out
}

// Collections runs collection discovery against one node.
func (s *Service) Collections(ctx context.Context, slug string) ([]node.Collection, error) {
	n, err := s.registry.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	token, err := s.auth.IssueToken(n, 0)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	return s.client.Collections(ctx, n, token)
}

// cacheKey derives the aggregate cache key from the query, collection
// filter, and node set.
func (s *Service) cacheKey(query string, collections []string, nodes []*types.Node) string {
	slugs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		slugs = append(slugs, n.Slug)
	}
	sort.Strings(slugs)

	cols := append([]string(nil), collections...)
	sort.Strings(cols)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(cols, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(slugs, ",")))

	return "search:agg:" + hex.EncodeToString(h.Sum(nil))
}
