package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodefed/nodefed/types"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()
	WriteCreated(w, map[string]string{"slug": "alpha"})

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		err        *types.Error
		wantStatus int
	}{
		{
			name:       "invalid request",
			err:        types.NewError(types.ErrInvalidRequest, "query is required"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "authentication",
			err:        types.NewError(types.ErrAuthentication, "bad token"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired token maps like authentication",
			err:        types.NewError(types.ErrTokenExpired, "token expired"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "forbidden",
			err:        types.NewError(types.ErrForbidden, "node lacks capability"),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "not found",
			err:        types.NewError(types.ErrNotFound, "unknown node"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "conflict",
			err:        types.NewError(types.ErrConflict, "slug taken"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "node timeout",
			err:        types.NewError(types.ErrNodeTimeout, "deadline exceeded"),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "no capacity",
			err:        types.NewError(types.ErrNoCapacity, "no nodes"),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "circuit open",
			err:        types.NewError(types.ErrCircuitOpen, "circuit open"),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "node failure",
			err:        types.NewError(types.ErrNodeFailure, "node returned 500"),
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "internal",
			err:        types.NewError(types.ErrInternalError, "boom"),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "explicit status wins",
			err:        types.NewError(types.ErrNodeFailure, "teapot").WithHTTPStatus(http.StatusTeapot),
			wantStatus: http.StatusTeapot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, logger)

			assert.Equal(t, tt.wantStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
		})
	}
}

func TestWriteErrorIncludesNodeSlug(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewError(types.ErrNodeFailure, "search failed").WithNode("alpha"), zap.NewNop())

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "alpha", resp.Error.Node)
}

func TestWriteAnyError(t *testing.T) {
	// A typed error keeps its code.
	w := httptest.NewRecorder()
	WriteAnyError(w, types.NewError(types.ErrNotFound, "gone"), zap.NewNop())
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A plain error is masked as an internal error.
	w = httptest.NewRecorder()
	WriteAnyError(w, errors.New("sql: connection reset"), zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "internal error", resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, "sql")
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alpha"}`))
		w := httptest.NewRecorder()

		var p payload
		require.NoError(t, DecodeJSONBody(w, r, &p, zap.NewNop()))
		assert.Equal(t, "alpha", p.Name)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alpha","bogus":1}`))
		w := httptest.NewRecorder()

		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, zap.NewNop()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		w := httptest.NewRecorder()

		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, zap.NewNop()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rw.StatusCode)

	rw.WriteHeader(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, rw.StatusCode)

	// Only the first status sticks.
	rw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
}

func TestResponseWriterImplicitStatus(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, err := rw.Write([]byte("body"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
