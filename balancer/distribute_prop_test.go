package balancer

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/nodefed/nodefed/types"
)

// Allocated request counts must sum to exactly the requested total for
// any node set and weight mix that has at least one positive weight.
func TestDistributeLoadExactSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New(zap.NewNop())

		nodeCount := rapid.IntRange(1, 20).Draw(t, "node_count")
		totalRequests := rapid.IntRange(1, 100000).Draw(t, "total_requests")

		nodes := make([]*types.Node, nodeCount)
		havePositive := false
		for i := range nodes {
			weight := rapid.IntRange(0, 50).Draw(t, fmt.Sprintf("weight_%d", i))
			if weight > 0 {
				havePositive = true
			}
			nodes[i] = &types.Node{
				Slug:   fmt.Sprintf("node-%d", i),
				Weight: weight,
			}
		}
		if !havePositive {
			nodes[0].Weight = 1
		}

		allocations := b.DistributeLoad(nodes, totalRequests)
		if allocations == nil {
			t.Fatalf("nil allocation for valid inputs")
		}
		if len(allocations) != nodeCount {
			t.Fatalf("expected %d allocations, got %d", nodeCount, len(allocations))
		}

		sum := 0
		for _, a := range allocations {
			if a.Requests < 0 {
				t.Fatalf("negative allocation for %s", a.Slug)
			}
			if a.Weight == 0 && a.Requests != 0 {
				t.Fatalf("zero-weight node %s allocated %d requests", a.Slug, a.Requests)
			}
			sum += a.Requests
		}
		if sum != totalRequests {
			t.Fatalf("allocations sum to %d, want %d", sum, totalRequests)
		}
	})
}
