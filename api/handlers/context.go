package handlers

import (
	"context"

	"github.com/nodefed/nodefed/auth"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	nodeKey      contextKey = "node"
)

// ContextWithRequestID attaches a request ID to the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithNode attaches the authenticated caller's virtual node.
func ContextWithNode(ctx context.Context, n *auth.VirtualNode) context.Context {
	return context.WithValue(ctx, nodeKey, n)
}

// NodeFromContext returns the authenticated caller, or nil when the
// request was not node-authenticated.
func NodeFromContext(ctx context.Context) *auth.VirtualNode {
	if n, ok := ctx.Value(nodeKey).(*auth.VirtualNode); ok {
		return n
	}
	return nil
}
