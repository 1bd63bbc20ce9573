package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/breaker"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// NodeHandler serves the node administration API.
type NodeHandler struct {
	registry *node.Registry
	breakers *breaker.Manager
	logger   *zap.Logger
}

// NewNodeHandler creates the node admin handler.
func NewNodeHandler(registry *node.Registry, breakers *breaker.Manager, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		registry: registry,
		breakers: breakers,
		logger:   logger.With(zap.String("handler", "node")),
	}
}

// Register handles POST /api/v1/nodes.
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var desc node.Descriptor
	if err := DecodeJSONBody(w, r, &desc, h.logger); err != nil {
		return
	}

	n, err := h.registry.Register(r.Context(), &desc)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	// The API key is returned exactly once, at registration time.
	WriteCreated(w, map[string]interface{}{
		"node":    n,
		"api_key": n.APIKey,
	})
}

// List handles GET /api/v1/nodes with optional status and type filters.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := node.ListFilter{
		Status: types.NodeStatus(r.URL.Query().Get("status")),
		Type:   types.NodeType(r.URL.Query().Get("type")),
	}

	nodes, err := h.registry.List(r.Context(), filter)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"nodes": nodes,
		"total": len(nodes),
	})
}

// Get handles GET /api/v1/nodes/{slug}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.writeNodeError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"node":    n,
		"healthy": h.registry.IsHealthy(n),
		"circuit": h.breakers.State(n.Slug).String(),
	})
}

// Update handles PATCH /api/v1/nodes/{slug}. Only whitelisted fields
// are applied.
func (h *NodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         *string  `json:"name,omitempty"`
		BaseURL      *string  `json:"base_url,omitempty"`
		Status       *string  `json:"status,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
		Domains      []string `json:"domains,omitempty"`
		DataTypes    []string `json:"data_types,omitempty"`
		Keywords     []string `json:"keywords,omitempty"`
		Weight       *int     `json:"weight,omitempty"`
	}
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	fields := map[string]interface{}{}
	if body.Name != nil {
		fields["name"] = *body.Name
	}
	if body.BaseURL != nil {
		fields["base_url"] = *body.BaseURL
	}
	if body.Status != nil {
		switch types.NodeStatus(*body.Status) {
		case types.NodeStatusActive, types.NodeStatusInactive, types.NodeStatusMaintenance, types.NodeStatusError:
			fields["status"] = *body.Status
		default:
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"invalid status: "+*body.Status, h.logger)
			return
		}
	}
	if body.Capabilities != nil {
		fields["capabilities"] = body.Capabilities
	}
	if body.Domains != nil {
		fields["domains"] = body.Domains
	}
	if body.DataTypes != nil {
		fields["data_types"] = body.DataTypes
	}
	if body.Keywords != nil {
		fields["keywords"] = body.Keywords
	}
	if body.Weight != nil {
		if *body.Weight < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"weight must not be negative", h.logger)
			return
		}
		fields["weight"] = *body.Weight
	}
	if len(fields) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"no updatable fields in request", h.logger)
		return
	}

	n, err := h.registry.Update(r.Context(), r.PathValue("slug"), fields)
	if err != nil {
		h.writeNodeError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{"node": n})
}

// Delete handles DELETE /api/v1/nodes/{slug}.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if err := h.registry.Delete(r.Context(), slug); err != nil {
		h.writeNodeError(w, err)
		return
	}
	h.breakers.Reset(slug)

	WriteSuccess(w, map[string]interface{}{"deleted": slug})
}

// Ping handles POST /api/v1/nodes/{slug}/ping.
func (h *NodeHandler) Ping(w http.ResponseWriter, r *http.Request) {
	result, err := h.registry.PingBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.writeNodeError(w, err)
		return
	}

	WriteSuccess(w, result)
}

// PingAll handles POST /api/v1/nodes/ping.
func (h *NodeHandler) PingAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.registry.PingAll(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]interface{}{"results": results})
}

// RotateKey handles POST /api/v1/nodes/{slug}/rotate-key.
func (h *NodeHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.registry.RotateAPIKey(r.Context(), r.PathValue("slug"))
	if err != nil {
		h.writeNodeError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{"api_key": key})
}

// ResetCircuit handles POST /api/v1/nodes/{slug}/reset-circuit.
func (h *NodeHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, err := h.registry.GetBySlug(r.Context(), slug); err != nil {
		h.writeNodeError(w, err)
		return
	}
	h.breakers.Reset(slug)

	WriteSuccess(w, map[string]interface{}{
		"slug":    slug,
		"circuit": h.breakers.State(slug).String(),
	})
}

// Breaker handles GET /api/v1/nodes/{slug}/breaker with a snapshot of
// the node's circuit breaker counters.
func (h *NodeHandler) Breaker(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, err := h.registry.GetBySlug(r.Context(), slug); err != nil {
		h.writeNodeError(w, err)
		return
	}

	WriteSuccess(w, h.breakers.Statistics(slug))
}

// Statistics handles GET /api/v1/nodes/statistics.
func (h *NodeHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Statistics(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, stats)
}

// Requests handles GET /api/v1/nodes/{slug}/requests.
func (h *NodeHandler) Requests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"limit must be a positive integer", h.logger)
			return
		}
		limit = parsed
	}
	failedOnly := r.URL.Query().Get("failed") == "true"

	requests, err := h.registry.RecentRequests(r.Context(), r.PathValue("slug"), limit, failedOnly)
	if err != nil {
		h.writeNodeError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

func (h *NodeHandler) writeNodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, node.ErrNodeNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "node not found", h.logger)
		return
	}
	WriteAnyError(w, err, h.logger)
}
