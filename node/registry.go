package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nodefed/nodefed/internal/metrics"
	"github.com/nodefed/nodefed/types"
)

// avgSmoothingFactor weighs a new latency sample against the stored
// exponential moving average.
const avgSmoothingFactor = 0.3

// pingAllConcurrency caps concurrent health checks during PingAll.
const pingAllConcurrency = 8

// Descriptor is the input to Register.
type Descriptor struct {
	Name         string         `json:"name"`
	Slug         string         `json:"slug,omitempty"`
	BaseURL      string         `json:"base_url"`
	Type         types.NodeType `json:"type,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Domains      []string       `json:"domains,omitempty"`
	DataTypes    []string       `json:"data_types,omitempty"`
	Keywords     []string       `json:"keywords,omitempty"`
	Weight       int            `json:"weight,omitempty"`
}

// PingResult reports the outcome of one health check.
type PingResult struct {
	Slug         string           `json:"slug"`
	Status       types.NodeStatus `json:"status"`
	Success      bool             `json:"success"`
	ResponseTime time.Duration    `json:"response_time"`
	Error        string           `json:"error,omitempty"`
}

// Statistics aggregates registry-wide counters.
type Statistics struct {
	Total             int                      `json:"total"`
	ByStatus          map[types.NodeStatus]int `json:"by_status"`
	ByType            map[types.NodeType]int   `json:"by_type"`
	Healthy           int                      `json:"healthy"`
	AvgResponseTimeMs float64                  `json:"avg_response_time_ms"`
}

// Registry provides CRUD over node records, health-check execution, and
// aggregate statistics.
type Registry struct {
	store     Store
	client    *Client
	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates a node registry.
func NewRegistry(store Store, client *Client, collector *metrics.Collector, logger *zap.Logger) *Registry {
	return &Registry{
		store:     store,
		client:    client,
		collector: collector,
		logger:    logger.With(zap.String("component", "node_registry")),
		now:       time.Now,
	}
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeSlug converts a name into a URL-safe slug.
func normalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// generateAPIKey produces the long-lived node API key. The plaintext is
// returned exactly once at creation.
func generateAPIKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "nfk_" + hex.EncodeToString(b)
}

// Register creates a node record. The slug and API key are generated if
// omitted; the default capability set is [search, actions].
func (r *Registry) Register(ctx context.Context, d *Descriptor) (*types.Node, error) {
	if d.Name == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "node name is required")
	}
	if d.BaseURL == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "node base_url is required")
	}

	slug := d.Slug
	if slug == "" {
		slug = d.Name
	}
	slug = normalizeSlug(slug)
	if slug == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "node slug normalizes to empty")
	}

	if _, err := r.store.GetBySlug(ctx, slug); err == nil {
		return nil, types.NewError(types.ErrConflict, fmt.Sprintf("slug %q already registered", slug))
	} else if !errors.Is(err, ErrNodeNotFound) {
		return nil, err
	}

	nodeType := d.Type
	if nodeType == "" {
		nodeType = types.NodeTypeChild
	}

	caps := d.Capabilities
	if len(caps) == 0 {
		caps = []string{types.CapabilitySearch, types.CapabilityActions}
	}

	weight := d.Weight
	if weight <= 0 {
		weight = 1
	}

	n := &types.Node{
		ID:           uuid.NewString(),
		Name:         d.Name,
		Slug:         slug,
		BaseURL:      strings.TrimRight(d.BaseURL, "/"),
		Type:         nodeType,
		Capabilities: caps,
		Domains:      d.Domains,
		DataTypes:    d.DataTypes,
		Keywords:     d.Keywords,
		APIKey:       generateAPIKey(),
		Status:       types.NodeStatusActive,
		Weight:       weight,
	}

	if err := r.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	r.logger.Info("node registered",
		zap.String("slug", n.Slug),
		zap.String("type", string(n.Type)),
		zap.Strings("capabilities", n.Capabilities),
	)

	return n, nil
}

// Get retrieves a node by ID.
func (r *Registry) Get(ctx context.Context, id string) (*types.Node, error) {
	return r.store.Get(ctx, id)
}

// GetBySlug retrieves a node by slug.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*types.Node, error) {
	return r.store.GetBySlug(ctx, slug)
}

// List returns nodes matching the filter.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*types.Node, error) {
	return r.store.List(ctx, filter)
}

// Update applies a partial update to a node's admin-editable fields.
func (r *Registry) Update(ctx context.Context, slug string, fields map[string]interface{}) (*types.Node, error) {
	n, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateFields(ctx, n.ID, fields); err != nil {
		return nil, err
	}

	return r.store.Get(ctx, n.ID)
}

// RotateAPIKey replaces a node's API key. The new plaintext is returned
// exactly once.
func (r *Registry) RotateAPIKey(ctx context.Context, slug string) (string, error) {
	n, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return "", err
	}

	key := generateAPIKey()
	if err := r.store.UpdateFields(ctx, n.ID, map[string]interface{}{"api_key": key}); err != nil {
		return "", err
	}

	r.logger.Info("node API key rotated", zap.String("slug", slug))
	return key, nil
}

// Delete soft-deletes a node. The record is retained for audit.
func (r *Registry) Delete(ctx context.Context, slug string) error {
	n, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}

	if err := r.store.Delete(ctx, n.ID); err != nil {
		return err
	}

	r.logger.Info("node removed", zap.String("slug", slug))
	return nil
}

// IsHealthy reports the health predicate callers must consult before
// selecting a node.
func (r *Registry) IsHealthy(n *types.Node) bool {
	return n.IsHealthy(r.now())
}

// HealthyNodes lists nodes passing the health predicate.
func (r *Registry) HealthyNodes(ctx context.Context) ([]*types.Node, error) {
	nodes, err := r.store.List(ctx, ListFilter{Status: types.NodeStatusActive})
	if err != nil {
		return nil, err
	}

	healthy := nodes[:0]
	for _, n := range nodes {
		if r.IsHealthy(n) {
			healthy = append(healthy, n)
		}
	}
	return healthy, nil
}

// Ping health-checks one node and updates its health counters: on
// success the failure streak resets, the response time feeds the moving
// average, and an errored node returns to active; on failure the streak
// increments and the third consecutive failure flips status to error.
func (r *Registry) Ping(ctx context.Context, n *types.Node) *PingResult {
	elapsed, err := r.client.Health(ctx, n)
	now := r.now()

	if r.collector != nil {
		r.collector.RecordNodeRequest(n.Slug, types.RequestTypePing, err == nil, elapsed)
	}

	result := &PingResult{Slug: n.Slug, ResponseTime: elapsed}

	if err != nil {
		result.Success = false
		result.Error = err.Error()

		failures, incErr := r.store.IncrementPingFailures(ctx, n.ID)
		if incErr != nil {
			r.logger.Error("failed to record ping failure", zap.String("slug", n.Slug), zap.Error(incErr))
			result.Status = n.Status
			return result
		}

		status := n.Status
		if failures >= types.PingFailureThreshold && status != types.NodeStatusError {
			status = types.NodeStatusError
			if upErr := r.store.UpdateFields(ctx, n.ID, map[string]interface{}{"status": status}); upErr != nil {
				r.logger.Error("failed to mark node errored", zap.String("slug", n.Slug), zap.Error(upErr))
			} else {
				r.logger.Warn("node marked errored after consecutive ping failures",
					zap.String("slug", n.Slug),
					zap.Int("failures", failures),
				)
			}
		}

		n.PingFailures = failures
		n.Status = status
		result.Status = status
		return result
	}

	avg := float64(elapsed.Milliseconds())
	if n.AvgResponseTimeMs > 0 {
		avg = avgSmoothingFactor*avg + (1-avgSmoothingFactor)*n.AvgResponseTimeMs
	}

	fields := map[string]interface{}{
		"ping_failures":        0,
		"avg_response_time_ms": avg,
		"last_ping_at":         now,
	}
	if n.Status == types.NodeStatusError {
		fields["status"] = types.NodeStatusActive
	}

	if upErr := r.store.UpdateFields(ctx, n.ID, fields); upErr != nil {
		r.logger.Error("failed to record ping success", zap.String("slug", n.Slug), zap.Error(upErr))
	}

	n.PingFailures = 0
	n.AvgResponseTimeMs = avg
	n.LastPingAt = &now
	if n.Status == types.NodeStatusError {
		n.Status = types.NodeStatusActive
	}

	result.Success = true
	result.Status = n.Status
	return result
}

// PingBySlug health-checks the node with the given slug.
func (r *Registry) PingBySlug(ctx context.Context, slug string) (*PingResult, error) {
	n, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return r.Ping(ctx, n), nil
}

// PingAll health-checks every node concurrently and returns results
// keyed by slug.
func (r *Registry) PingAll(ctx context.Context) (map[string]*PingResult, error) {
	nodes, err := r.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	results := make(map[string]*PingResult, len(nodes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pingAllConcurrency)

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			res := r.Ping(gctx, n)
			mu.Lock()
			results[n.Slug] = res
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Statistics returns registry-wide counters.
func (r *Registry) Statistics(ctx context.Context) (*Statistics, error) {
	nodes, err := r.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Total:    len(nodes),
		ByStatus: make(map[types.NodeStatus]int),
		ByType:   make(map[types.NodeType]int),
	}

	var sum float64
	var sampled int
	for _, n := range nodes {
		stats.ByStatus[n.Status]++
		stats.ByType[n.Type]++
		if r.IsHealthy(n) {
			stats.Healthy++
		}
		if n.AvgResponseTimeMs > 0 {
			sum += n.AvgResponseTimeMs
			sampled++
		}
	}
	if sampled > 0 {
		stats.AvgResponseTimeMs = sum / float64(sampled)
	}

	return stats, nil
}

// RecentRequests tails the request log.
func (r *Registry) RecentRequests(ctx context.Context, slug string, limit int, failedOnly bool) ([]*types.NodeRequest, error) {
	return r.store.RecentRequests(ctx, slug, limit, failedOnly)
}
