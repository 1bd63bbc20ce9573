// Package action executes remote actions on individual nodes or across
// the whole healthy fleet.
package action

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/auth"
	"github.com/nodefed/nodefed/breaker"
	"github.com/nodefed/nodefed/internal/metrics"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// Config holds remote action settings.
type Config struct {
	// Per-node request timeout.
	RequestTimeout time.Duration
	// Aggregate deadline for broadcast execution.
	AggregateTimeout time.Duration
}

// Result is the outcome of one node's action execution.
type Result struct {
	Slug       string          `json:"slug"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// BroadcastResponse aggregates a fleet-wide action execution.
type BroadcastResponse struct {
	Action    string   `json:"action"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Service executes actions against remote nodes.
type Service struct {
	config    Config
	registry  *node.Registry
	store     node.Store
	client    *node.Client
	breakers  *breaker.Manager
	auth      *auth.Service
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewService creates the action service.
func NewService(
	config Config,
	registry *node.Registry,
	store node.Store,
	client *node.Client,
	breakers *breaker.Manager,
	authSvc *auth.Service,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.AggregateTimeout < config.RequestTimeout {
		config.AggregateTimeout = config.RequestTimeout
	}

	return &Service{
		config:    config,
		registry:  registry,
		store:     store,
		client:    client,
		breakers:  breakers,
		auth:      authSvc,
		collector: collector,
		logger:    logger.With(zap.String("component", "remote_action")),
	}
}

// ExecuteOn runs an action on a single node addressed by slug. Circuit
// state is honored: an open circuit rejects the call immediately.
func (s *Service) ExecuteOn(ctx context.Context, slug, action string, params map[string]any) (*Result, error) {
	n, err := s.registry.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !n.HasCapability(types.CapabilityActions) {
		return nil, types.NewError(types.ErrForbidden, "node does not support actions").WithNode(slug)
	}
	if s.breakers.IsOpen(slug) {
		return nil, types.NewError(types.ErrCircuitOpen, "node circuit is open").
			WithNode(slug).WithRetryable(true)
	}

	return s.executeNode(ctx, n, action, params, ""), nil
}

// ExecuteOnAll runs an action against every healthy, circuit-closed,
// action-capable node. With sequential set, nodes are called one at a
// time in slug order and a failure does not stop the remaining calls.
func (s *Service) ExecuteOnAll(ctx context.Context, action string, params map[string]any, sequential bool) (*BroadcastResponse, error) {
	healthy, err := s.registry.HealthyNodes(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]*types.Node, 0, len(healthy))
	for _, n := range healthy {
		if !n.HasCapability(types.CapabilityActions) {
			continue
		}
		if s.breakers.IsOpen(n.Slug) {
			s.logger.Debug("skipping circuit-open node", zap.String("slug", n.Slug))
			continue
		}
		targets = append(targets, n)
	}
	if len(targets) == 0 {
		return nil, types.NewError(types.ErrNoCapacity, "no nodes available for action execution")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.AggregateTimeout)
	defer cancel()

	resp := &BroadcastResponse{
		Action:  action,
		Total:   len(targets),
		Results: make([]Result, 0, len(targets)),
	}

	if sequential {
		for _, n := range targets {
			resp.Results = append(resp.Results, *s.executeNode(ctx, n, action, params, ""))
		}
	} else {
		results := make(chan *Result, len(targets))
		for _, n := range targets {
			n := n
			go func() {
				results <- s.executeNode(ctx, n, action, params, "")
			}()
		}
		for range targets {
			resp.Results = append(resp.Results, *<-results)
		}
	}

	for _, r := range resp.Results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	return resp, nil
}

// executeNode performs one action call, feeding breaker state, the
// request log, and metrics.
func (s *Service) executeNode(ctx context.Context, n *types.Node, action string, params map[string]any, traceID string) *Result {
	res := &Result{Slug: n.Slug}

	token, err := s.auth.IssueToken(n, 0)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	out, err := s.client.Execute(callCtx, n, token, action, params)
	duration := time.Since(start)
	res.DurationMs = duration.Milliseconds()

	logEntry := &types.NodeRequest{
		NodeID:      n.ID,
		NodeSlug:    n.Slug,
		RequestType: types.RequestTypeAction,
		TraceID:     traceID,
		DurationMs:  res.DurationMs,
	}

	switch {
	case err != nil:
		res.Error = err.Error()
		logEntry.Outcome = types.RequestOutcomeFailed
		logEntry.ErrorMsg = err.Error()
		s.breakers.RecordFailure(n.Slug)
		s.logger.Warn("action execution failed",
			zap.String("slug", n.Slug),
			zap.String("action", action),
			zap.Error(err),
		)
	case !out.Success:
		// The node answered; the action itself failed. Transport is
		// healthy, so the breaker records a success.
		res.Error = out.Error
		logEntry.Outcome = types.RequestOutcomeFailed
		logEntry.ErrorMsg = out.Error
		s.breakers.RecordSuccess(n.Slug)
	default:
		res.Success = true
		res.Result = out.Result
		logEntry.Outcome = types.RequestOutcomeSuccess
		s.breakers.RecordSuccess(n.Slug)
	}

	if s.collector != nil {
		s.collector.RecordNodeRequest(n.Slug, types.RequestTypeAction, res.Success, duration)
	}
	if logErr := s.store.LogRequest(context.WithoutCancel(ctx), logEntry); logErr != nil {
		s.logger.Warn("failed to log node request", zap.String("slug", n.Slug), zap.Error(logErr))
	}

	return res
}
