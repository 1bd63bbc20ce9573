package types

import (
	"time"

	"gorm.io/gorm"
)

// NodeStatus represents the operational status of a node.
type NodeStatus string

const (
	// NodeStatusActive indicates the node is serving requests.
	NodeStatusActive NodeStatus = "active"
	// NodeStatusInactive indicates the node was disabled by an operator.
	NodeStatusInactive NodeStatus = "inactive"
	// NodeStatusMaintenance indicates the node is temporarily out of rotation.
	NodeStatusMaintenance NodeStatus = "maintenance"
	// NodeStatusError indicates the node failed three consecutive health checks.
	NodeStatusError NodeStatus = "error"
)

// NodeType distinguishes the master service from child nodes.
type NodeType string

const (
	NodeTypeMaster NodeType = "master"
	NodeTypeChild  NodeType = "child"
)

// Node capabilities advertised at registration.
const (
	CapabilitySearch  = "search"
	CapabilityActions = "actions"
)

// PingFailureThreshold is the consecutive ping failure count at which a
// node's status flips to error.
const PingFailureThreshold = 3

// HealthyPingWindow is how recent the last successful ping must be for a
// node to be considered healthy.
const HealthyPingWindow = 10 * time.Minute

// Node is a registered peer service with its own data domain.
type Node struct {
	ID   string `gorm:"primaryKey;size:36" json:"id"`
	Name string `gorm:"size:255;not null" json:"name"`
	Slug string `gorm:"size:255;uniqueIndex;not null" json:"slug"`

	// BaseURL is the root URL the well-known endpoint suffixes are
	// resolved against.
	BaseURL string   `gorm:"size:512;not null" json:"base_url"`
	Type    NodeType `gorm:"size:16;default:child" json:"type"`

	// Capabilities the node advertises, e.g. search, actions.
	Capabilities []string `gorm:"serializer:json" json:"capabilities"`

	// Free-text tags used for relevance matching during node selection.
	Domains   []string `gorm:"serializer:json" json:"domains,omitempty"`
	DataTypes []string `gorm:"serializer:json" json:"data_types,omitempty"`
	Keywords  []string `gorm:"serializer:json" json:"keywords,omitempty"`

	// APIKey is generated at creation and never re-displayed on reads.
	APIKey string `gorm:"size:128;index" json:"-"`

	// Refresh token state: only the hash is stored.
	RefreshTokenHash      string     `gorm:"size:128;index" json:"-"`
	RefreshTokenExpiresAt *time.Time `json:"-"`

	Status NodeStatus `gorm:"size:16;default:active;index" json:"status"`

	// Health counters, mutated by every ping and proxied request outcome.
	PingFailures      int        `json:"ping_failures"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	LastPingAt        *time.Time `json:"last_ping_at,omitempty"`

	// Load balancing inputs.
	Weight            int `gorm:"default:1" json:"weight"`
	ActiveConnections int `json:"active_connections"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName implements the gorm table naming convention.
func (Node) TableName() string { return "nodes" }

// HasCapability reports whether the node advertises the given capability.
func (n *Node) HasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Tags returns the node's relevance-matching tags as one list.
func (n *Node) Tags() []string {
	tags := make([]string, 0, len(n.Domains)+len(n.DataTypes)+len(n.Keywords))
	tags = append(tags, n.Domains...)
	tags = append(tags, n.DataTypes...)
	tags = append(tags, n.Keywords...)
	return tags
}

// IsHealthy is the health predicate callers must use before selecting a
// node. Raw status alone is not sufficient: the predicate also requires a
// sub-threshold failure streak and a recent successful ping.
func (n *Node) IsHealthy(now time.Time) bool {
	if n.Status != NodeStatusActive {
		return false
	}
	if n.PingFailures >= PingFailureThreshold {
		return false
	}
	if n.LastPingAt == nil {
		return false
	}
	return now.Sub(*n.LastPingAt) <= HealthyPingWindow
}
