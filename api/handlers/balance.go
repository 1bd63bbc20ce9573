package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/balancer"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// BalanceHandler exposes node selection and load distribution planning.
type BalanceHandler struct {
	registry *node.Registry
	balancer *balancer.Balancer
	logger   *zap.Logger
}

// NewBalanceHandler creates the balancer handler.
func NewBalanceHandler(registry *node.Registry, bal *balancer.Balancer, logger *zap.Logger) *BalanceHandler {
	return &BalanceHandler{
		registry: registry,
		balancer: bal,
		logger:   logger.With(zap.String("handler", "balance")),
	}
}

// Select handles POST /api/v1/balancer/select: pick count nodes from
// the healthy pool using the given strategy.
func (h *BalanceHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy,omitempty"`
		Count    int    `json:"count,omitempty"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	strategy := balancer.Strategy(req.Strategy)
	if req.Strategy != "" && !strategy.Valid() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"unknown strategy: "+req.Strategy, h.logger)
		return
	}

	healthy, err := h.registry.HealthyNodes(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if len(healthy) == 0 {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrNoCapacity,
			"no healthy nodes available", h.logger)
		return
	}

	selected := h.balancer.Select(healthy, req.Count, strategy)
	slugs := make([]string, 0, len(selected))
	for _, n := range selected {
		slugs = append(slugs, n.Slug)
	}

	WriteSuccess(w, map[string]interface{}{
		"strategy": string(strategy),
		"selected": slugs,
		"pool":     len(healthy),
	})
}

// Distribute handles POST /api/v1/balancer/distribute: plan a
// weight-proportional split of total_requests across healthy nodes.
func (h *BalanceHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalRequests int `json:"total_requests"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TotalRequests <= 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"total_requests must be positive", h.logger)
		return
	}

	healthy, err := h.registry.HealthyNodes(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	allocations := h.balancer.DistributeLoad(healthy, req.TotalRequests)
	if allocations == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrNoCapacity,
			"no nodes eligible for load distribution", h.logger)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"total_requests": req.TotalRequests,
		"allocations":    allocations,
	})
}
