package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/action"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/search"
	"github.com/nodefed/nodefed/types"
)

// FederationHandler serves federated search and remote actions.
type FederationHandler struct {
	search  *search.Service
	actions *action.Service
	logger  *zap.Logger
}

// NewFederationHandler creates the federation handler.
func NewFederationHandler(searchSvc *search.Service, actionSvc *action.Service, logger *zap.Logger) *FederationHandler {
	return &FederationHandler{
		search:  searchSvc,
		actions: actionSvc,
		logger:  logger.With(zap.String("handler", "federation")),
	}
}

// Search handles POST /api/v1/search.
func (h *FederationHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TraceID == "" {
		req.TraceID = RequestIDFromContext(r.Context())
	}

	resp, err := h.search.Search(r.Context(), &req)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, resp)
}

func (h *FederationHandler) writeFederationError(w http.ResponseWriter, err error) {
	if errors.Is(err, node.ErrNodeNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "node not found", h.logger)
		return
	}
	WriteAnyError(w, err, h.logger)
}

// Collections handles GET /api/v1/nodes/{slug}/collections.
func (h *FederationHandler) Collections(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	collections, err := h.search.Collections(r.Context(), slug)
	if err != nil {
		h.writeFederationError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"node":        slug,
		"collections": collections,
	})
}

// Execute handles POST /api/v1/actions/execute: run one action on one
// node.
func (h *FederationHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Node   string         `json:"node"`
		Action string         `json:"action"`
		Params map[string]any `json:"params,omitempty"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Node == "" || req.Action == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"node and action are required", h.logger)
		return
	}

	result, err := h.actions.ExecuteOn(r.Context(), req.Node, req.Action, req.Params)
	if err != nil {
		h.writeFederationError(w, err)
		return
	}

	WriteSuccess(w, result)
}

// Broadcast handles POST /api/v1/actions/broadcast: run one action on
// every available node, in parallel unless sequential is requested.
func (h *FederationHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action     string         `json:"action"`
		Params     map[string]any `json:"params,omitempty"`
		Sequential bool           `json:"sequential,omitempty"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Action == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"action is required", h.logger)
		return
	}

	resp, err := h.actions.ExecuteOnAll(r.Context(), req.Action, req.Params, req.Sequential)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, resp)
}
