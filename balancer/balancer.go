// Package balancer selects nodes from a healthy candidate set under a
// configurable strategy and computes proportional request-distribution
// plans.
package balancer

import (
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nodefed/nodefed/types"
)

// Strategy names a node selection strategy.
type Strategy string

const (
	// StrategyRoundRobin rotates through candidates with a per-key cursor.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastConnections picks the nodes with the fewest in-flight
	// requests.
	StrategyLeastConnections Strategy = "least_connections"
	// StrategyResponseTime picks the nodes with the lowest smoothed
	// latency; nodes with no recorded latency sort last.
	StrategyResponseTime Strategy = "response_time"
	// StrategyWeighted selects proportionally to node weight; weight 0
	// excludes a node.
	StrategyWeighted Strategy = "weighted"
	// StrategyRandom picks uniformly at random.
	StrategyRandom Strategy = "random"
)

// DefaultStrategy is used when no strategy is named.
const DefaultStrategy = StrategyRoundRobin

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyResponseTime, StrategyWeighted, StrategyRandom:
		return true
	}
	return false
}

// Allocation is one node's share of a distribution plan.
type Allocation struct {
	Slug       string  `json:"slug"`
	Weight     int     `json:"weight"`
	Requests   int     `json:"requests"`
	Percentage float64 `json:"percentage"`
}

// Balancer selects nodes and computes load distributions. The round
// robin cursors are process-wide, keyed so independent call sites rotate
// independently.
type Balancer struct {
	logger *zap.Logger

	mu      sync.Mutex
	cursors map[string]int
	rng     *rand.Rand
}

// New creates a balancer.
func New(logger *zap.Logger) *Balancer {
	return &Balancer{
		logger:  logger.With(zap.String("component", "load_balancer")),
		cursors: make(map[string]int),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// Select picks count nodes from the candidates under the strategy. The
// candidate set is expected to be pre-filtered to healthy,
// circuit-closed nodes. An empty candidate set means no capacity and
// selects nothing.
func (b *Balancer) Select(candidates []*types.Node, count int, strategy Strategy) []*types.Node {
	return b.SelectKeyed("", candidates, count, strategy)
}

// SelectKeyed is Select with an explicit round robin cursor key.
func (b *Balancer) SelectKeyed(key string, candidates []*types.Node, count int, strategy Strategy) []*types.Node {
	if len(candidates) == 0 || count <= 0 {
		return nil
	}
	if count > len(candidates) {
		count = len(candidates)
	}
	if strategy == "" {
		strategy = DefaultStrategy
	}

	switch strategy {
	case StrategyRoundRobin:
		return b.roundRobin(key, candidates, count)
	case StrategyLeastConnections:
		return selectSorted(candidates, count, func(a, c *types.Node) bool {
			return a.ActiveConnections < c.ActiveConnections
		})
	case StrategyResponseTime:
		return selectSorted(candidates, count, func(a, c *types.Node) bool {
			// Unmeasured latency is worst-case, not best-case.
			at, ct := a.AvgResponseTimeMs, c.AvgResponseTimeMs
			if at == 0 {
				return false
			}
			if ct == 0 {
				return true
			}
			return at < ct
		})
	case StrategyWeighted:
		return b.weighted(candidates, count)
	case StrategyRandom:
		return b.random(candidates, count)
	default:
		b.logger.Warn("unknown strategy, falling back to round robin",
			zap.String("strategy", string(strategy)),
		)
		return b.roundRobin(key, candidates, count)
	}
}

// roundRobin rotates a cursor over candidates sorted by slug so the
// rotation is fair and deterministic across calls.
func (b *Balancer) roundRobin(key string, candidates []*types.Node, count int) []*types.Node {
	ordered := append([]*types.Node(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Slug < ordered[j].Slug })

	b.mu.Lock()
	cursor := b.cursors[key]
	b.cursors[key] = (cursor + count) % len(ordered)
	b.mu.Unlock()

	selected := make([]*types.Node, 0, count)
	for i := 0; i < count; i++ {
		selected = append(selected, ordered[(cursor+i)%len(ordered)])
	}
	return selected
}

func selectSorted(candidates []*types.Node, count int, less func(a, b *types.Node) bool) []*types.Node {
	ordered := append([]*types.Node(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool { return less(ordered[i], ordered[j]) })
	return ordered[:count]
}

// weighted samples without replacement with probability proportional to
// weight. Weight 0 nodes are excluded.
func (b *Balancer) weighted(candidates []*types.Node, count int) []*types.Node {
	pool := make([]*types.Node, 0, len(candidates))
	for _, n := range candidates {
		if n.Weight > 0 {
			pool = append(pool, n)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	if count > len(pool) {
		count = len(pool)
	}

	selected := make([]*types.Node, 0, count)
	for len(selected) < count {
		total := 0
		for _, n := range pool {
			total += n.Weight
		}

		b.mu.Lock()
		pick := b.rng.Intn(total)
		b.mu.Unlock()

		for i, n := range pool {
			pick -= n.Weight
			if pick < 0 {
				selected = append(selected, n)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return selected
}

func (b *Balancer) random(candidates []*types.Node, count int) []*types.Node {
	ordered := append([]*types.Node(nil), candidates...)

	b.mu.Lock()
	b.rng.Shuffle(len(ordered), func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})
	b.mu.Unlock()

	return ordered[:count]
}

// DistributeLoad allocates totalRequests across nodes proportionally to
// weight. The allocated counts always sum to exactly totalRequests: the
// rounding remainder goes to the highest-weight node.
func (b *Balancer) DistributeLoad(nodes []*types.Node, totalRequests int) []Allocation {
	if len(nodes) == 0 || totalRequests <= 0 {
		return nil
	}

	totalWeight := 0
	for _, n := range nodes {
		if n.Weight > 0 {
			totalWeight += n.Weight
		}
	}
	if totalWeight == 0 {
		return nil
	}

	allocations := make([]Allocation, 0, len(nodes))
	allocated := 0
	heaviest := -1

	for i, n := range nodes {
		if n.Weight <= 0 {
			allocations = append(allocations, Allocation{Slug: n.Slug, Weight: n.Weight})
			continue
		}

		share := totalRequests * n.Weight / totalWeight
		allocated += share
		allocations = append(allocations, Allocation{
			Slug:     n.Slug,
			Weight:   n.Weight,
			Requests: share,
		})

		if heaviest == -1 || n.Weight > nodes[heaviest].Weight {
			heaviest = i
		}
	}

	// Assign the remainder so rounding never under-allocates.
	if remainder := totalRequests - allocated; remainder > 0 && heaviest >= 0 {
		for i := range allocations {
			if allocations[i].Slug == nodes[heaviest].Slug {
				allocations[i].Requests += remainder
				break
			}
		}
	}

	for i := range allocations {
		allocations[i].Percentage = float64(allocations[i].Requests) / float64(totalRequests) * 100
	}

	return allocations
}
