package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nodefed/nodefed/types"
)

// ErrNodeNotFound is returned when a node record does not exist.
var ErrNodeNotFound = errors.New("node not found")

// ListFilter narrows List results.
type ListFilter struct {
	Status types.NodeStatus
	Type   types.NodeType
}

// Store is the keyed record store for node identity, health counters,
// and the append-only request log. Implementations back it with
// different storage engines; the gorm implementation is the default.
type Store interface {
	Create(ctx context.Context, n *types.Node) error
	Update(ctx context.Context, n *types.Node) error
	// UpdateFields applies a partial update to one node record.
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	Get(ctx context.Context, id string) (*types.Node, error)
	GetBySlug(ctx context.Context, slug string) (*types.Node, error)
	GetByAPIKey(ctx context.Context, key string) (*types.Node, error)
	GetByRefreshTokenHash(ctx context.Context, hash string) (*types.Node, error)
	List(ctx context.Context, filter ListFilter) ([]*types.Node, error)
	// Delete soft-deletes the node; the record is retained for audit.
	Delete(ctx context.Context, id string) error

	// IncrementPingFailures atomically bumps the failure streak and
	// returns the new value.
	IncrementPingFailures(ctx context.Context, id string) (int, error)
	// AdjustActiveConnections atomically applies delta to the in-flight
	// request gauge.
	AdjustActiveConnections(ctx context.Context, id string, delta int) error

	// LogRequest appends one entry to the node request log.
	LogRequest(ctx context.Context, r *types.NodeRequest) error
	// RecentRequests tails the request log for one node, newest first.
	RecentRequests(ctx context.Context, slug string, limit int, failedOnly bool) ([]*types.NodeRequest, error)
	// SuccessRate computes the rolling success rate over the window.
	SuccessRate(ctx context.Context, nodeID string, window time.Duration) (float64, error)
}

// gormStore is the gorm-backed Store implementation.
type gormStore struct {
	db *gorm.DB
}

// NewStore creates a gorm-backed store.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// AutoMigrate creates or updates the node tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Node{}, &types.NodeRequest{}); err != nil {
		return fmt.Errorf("failed to auto migrate node tables: %w", err)
	}
	return nil
}

func (s *gormStore) Create(ctx context.Context, n *types.Node) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *gormStore) Update(ctx context.Context, n *types.Node) error {
	return s.db.WithContext(ctx).Save(n).Error
}

func (s *gormStore) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&types.Node{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*types.Node, error) {
	var n types.Node
	err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *gormStore) GetBySlug(ctx context.Context, slug string) (*types.Node, error) {
	var n types.Node
	err := s.db.WithContext(ctx).First(&n, "slug = ?", slug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *gormStore) GetByAPIKey(ctx context.Context, key string) (*types.Node, error) {
	if key == "" {
		return nil, ErrNodeNotFound
	}
	var n types.Node
	err := s.db.WithContext(ctx).First(&n, "api_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *gormStore) GetByRefreshTokenHash(ctx context.Context, hash string) (*types.Node, error) {
	if hash == "" {
		return nil, ErrNodeNotFound
	}
	var n types.Node
	err := s.db.WithContext(ctx).First(&n, "refresh_token_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *gormStore) List(ctx context.Context, filter ListFilter) ([]*types.Node, error) {
	q := s.db.WithContext(ctx).Model(&types.Node{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	var nodes []*types.Node
	if err := q.Order("slug").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *gormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&types.Node{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *gormStore) IncrementPingFailures(ctx context.Context, id string) (int, error) {
	// Increment-then-read keeps concurrent pings from losing updates;
	// the column increment is atomic at the store.
	err := s.db.WithContext(ctx).Model(&types.Node{}).
		Where("id = ?", id).
		UpdateColumn("ping_failures", gorm.Expr("ping_failures + 1")).Error
	if err != nil {
		return 0, err
	}

	n, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return n.PingFailures, nil
}

func (s *gormStore) AdjustActiveConnections(ctx context.Context, id string, delta int) error {
	return s.db.WithContext(ctx).Model(&types.Node{}).
		Where("id = ?", id).
		UpdateColumn("active_connections", gorm.Expr(
			"CASE WHEN active_connections + ? < 0 THEN 0 ELSE active_connections + ? END", delta, delta,
		)).Error
}

func (s *gormStore) LogRequest(ctx context.Context, r *types.NodeRequest) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *gormStore) RecentRequests(ctx context.Context, slug string, limit int, failedOnly bool) ([]*types.NodeRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&types.NodeRequest{})
	if slug != "" {
		q = q.Where("node_slug = ?", slug)
	}
	if failedOnly {
		q = q.Where("outcome = ?", types.RequestOutcomeFailed)
	}

	var reqs []*types.NodeRequest
	if err := q.Order("id DESC").Limit(limit).Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *gormStore) SuccessRate(ctx context.Context, nodeID string, window time.Duration) (float64, error) {
	since := time.Now().Add(-window)

	var total, succeeded int64
	err := s.db.WithContext(ctx).Model(&types.NodeRequest{}).
		Where("node_id = ? AND created_at >= ?", nodeID, since).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 1, nil
	}

	err = s.db.WithContext(ctx).Model(&types.NodeRequest{}).
		Where("node_id = ? AND created_at >= ? AND outcome = ?", nodeID, since, types.RequestOutcomeSuccess).
		Count(&succeeded).Error
	if err != nil {
		return 0, err
	}

	return float64(succeeded) / float64(total), nil
}
