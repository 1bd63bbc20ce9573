package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/auth"
	"github.com/nodefed/nodefed/types"
)

// AuthHandler serves the node token endpoints.
type AuthHandler struct {
	auth   *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(authSvc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   authSvc,
		logger: logger.With(zap.String("handler", "auth")),
	}
}

// Token handles POST /auth/token: a node trades its API key for an
// access token and a refresh token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.APIKey == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"api_key is required", h.logger)
		return
	}

	n, err := h.auth.ValidateAPIKey(r.Context(), body.APIKey)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	accessToken, err := h.auth.IssueToken(n, 0)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	refreshToken, err := h.auth.IssueRefreshToken(r.Context(), n, 0)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"node":          n.Slug,
	})
}

// Refresh handles POST /auth/refresh: a refresh token is redeemed for
// a fresh access token. The refresh token itself is not rotated.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.RefreshToken == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"refresh_token is required", h.logger)
		return
	}

	accessToken, n, err := h.auth.RedeemRefreshToken(r.Context(), body.RefreshToken)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"node":         n.Slug,
	})
}

// Revoke handles POST /auth/revoke: the authenticated node's refresh
// token is invalidated.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	n, err := h.auth.ValidateAPIKey(r.Context(), body.APIKey)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if err := h.auth.RevokeRefreshToken(r.Context(), n); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]interface{}{"revoked": n.Slug})
}
