// Package auth implements node authentication: short-lived signed access
// tokens, longer-lived refresh tokens, and API key validation.
package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/nodefed/nodefed/types"
)

// NodeClaims are the claims carried by a node access token.
type NodeClaims struct {
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities"`
	NodeType     types.NodeType `json:"node_type"`

	jwt.RegisteredClaims
}

// VirtualNode is a lightweight node value reconstructed from token
// claims. It lets a peer trust a signed token without a local node
// record and carries only the fields needed for authorization checks.
// It is deliberately not the persisted Node entity.
type VirtualNode struct {
	ID           string         `json:"id"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities"`
	Type         types.NodeType `json:"type"`
}

// HasCapability reports whether the token subject advertises the given
// capability.
func (v *VirtualNode) HasCapability(capability string) bool {
	for _, c := range v.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Virtual builds a VirtualNode from validated claims.
func (c *NodeClaims) Virtual() *VirtualNode {
	return &VirtualNode{
		ID:           c.Subject,
		Slug:         c.Slug,
		Name:         c.Name,
		Capabilities: c.Capabilities,
		Type:         c.NodeType,
	}
}
