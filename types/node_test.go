package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNodeIsHealthy(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)
	stale := now.Add(-HealthyPingWindow - time.Second)
	boundary := now.Add(-HealthyPingWindow)

	tests := []struct {
		name string
		node Node
		want bool
	}{
		{
			name: "active with recent ping",
			node: Node{Status: NodeStatusActive, LastPingAt: &recent},
			want: true,
		},
		{
			name: "inactive",
			node: Node{Status: NodeStatusInactive, LastPingAt: &recent},
			want: false,
		},
		{
			name: "maintenance",
			node: Node{Status: NodeStatusMaintenance, LastPingAt: &recent},
			want: false,
		},
		{
			name: "error status",
			node: Node{Status: NodeStatusError, LastPingAt: &recent},
			want: false,
		},
		{
			name: "failure streak at threshold",
			node: Node{Status: NodeStatusActive, PingFailures: PingFailureThreshold, LastPingAt: &recent},
			want: false,
		},
		{
			name: "failure streak below threshold",
			node: Node{Status: NodeStatusActive, PingFailures: PingFailureThreshold - 1, LastPingAt: &recent},
			want: true,
		},
		{
			name: "never pinged",
			node: Node{Status: NodeStatusActive},
			want: false,
		},
		{
			name: "stale ping",
			node: Node{Status: NodeStatusActive, LastPingAt: &stale},
			want: false,
		},
		{
			name: "ping exactly at window boundary",
			node: Node{Status: NodeStatusActive, LastPingAt: &boundary},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.node.IsHealthy(now))
		})
	}
}

func TestNodeHasCapability(t *testing.T) {
	n := Node{Capabilities: []string{CapabilitySearch}}

	assert.True(t, n.HasCapability(CapabilitySearch))
	assert.False(t, n.HasCapability(CapabilityActions))
	assert.False(t, (&Node{}).HasCapability(CapabilitySearch))
}

func TestNodeTags(t *testing.T) {
	n := Node{
		Domains:   []string{"neuroscience"},
		DataTypes: []string{"papers"},
		Keywords:  []string{"fmri", "eeg"},
	}

	assert.Equal(t, []string{"neuroscience", "papers", "fmri", "eeg"}, n.Tags())
	assert.Empty(t, (&Node{}).Tags())
}
