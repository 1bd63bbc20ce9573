package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodefed/nodefed/types"
)

func newTestRegistry(t *testing.T) (*Registry, Store) {
	t.Helper()

	store := newTestStore(t)
	client := NewClient(ClientConfig{
		RequestTimeout: 2 * time.Second,
		PingTimeout:    2 * time.Second,
	}, zap.NewNop())
	return NewRegistry(store, client, nil, zap.NewNop()), store
}

// fakeNode is an httptest child node whose health endpoint can be
// flipped between healthy and failing.
type fakeNode struct {
	server  *httptest.Server
	failing atomic.Bool
	pings   atomic.Int64
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()

	f := &fakeNode{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, func(w http.ResponseWriter, r *http.Request) {
		f.pings.Add(1)
		if f.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func TestRegisterDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	n, err := r.Register(ctx, &Descriptor{
		Name:    "Neuroscience Papers",
		BaseURL: "http://neuro.internal:9000/",
	})
	require.NoError(t, err)

	assert.Equal(t, "neuroscience-papers", n.Slug)
	assert.Equal(t, "http://neuro.internal:9000", n.BaseURL)
	assert.Equal(t, types.NodeTypeChild, n.Type)
	assert.Equal(t, []string{types.CapabilitySearch, types.CapabilityActions}, n.Capabilities)
	assert.Equal(t, types.NodeStatusActive, n.Status)
	assert.Equal(t, 1, n.Weight)
	assert.True(t, strings.HasPrefix(n.APIKey, "nfk_"))
	assert.Len(t, n.APIKey, 4+64)
	assert.NotEmpty(t, n.ID)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &Descriptor{BaseURL: "http://x"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = r.Register(ctx, &Descriptor{Name: "x"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = r.Register(ctx, &Descriptor{Name: "!!!", BaseURL: "http://x"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestRegisterSlugConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &Descriptor{Name: "Alpha Node", BaseURL: "http://a"})
	require.NoError(t, err)

	// Same slug after normalization.
	_, err = r.Register(ctx, &Descriptor{Name: "alpha node", BaseURL: "http://b"})
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))
}

func TestRotateAPIKey(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	n, err := r.Register(ctx, &Descriptor{Name: "alpha", BaseURL: "http://a"})
	require.NoError(t, err)
	oldKey := n.APIKey

	newKey, err := r.RotateAPIKey(ctx, "alpha")
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)
	assert.True(t, strings.HasPrefix(newKey, "nfk_"))

	_, err = store.GetByAPIKey(ctx, oldKey)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	found, err := store.GetByAPIKey(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, n.ID, found.ID)
}

func TestPingSuccessUpdatesHealth(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	fake := newFakeNode(t)

	n, err := r.Register(ctx, &Descriptor{Name: "alpha", BaseURL: fake.server.URL})
	require.NoError(t, err)

	result := r.Ping(ctx, n)
	assert.True(t, result.Success)
	assert.Equal(t, types.NodeStatusActive, result.Status)

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Zero(t, got.PingFailures)
	require.NotNil(t, got.LastPingAt)
	assert.True(t, got.IsHealthy(time.Now()))
}

func TestPingSmoothsResponseTime(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	fake := newFakeNode(t)

	n, err := r.Register(ctx, &Descriptor{Name: "alpha", BaseURL: fake.server.URL})
	require.NoError(t, err)

	// Seed an established average; the next sample (a local loopback
	// call, far under 100ms) must pull it down by at most the smoothing
	// factor's share.
	require.NoError(t, store.UpdateFields(ctx, n.ID, map[string]interface{}{
		"avg_response_time_ms": 100.0,
	}))
	n.AvgResponseTimeMs = 100

	result := r.Ping(ctx, n)
	require.True(t, result.Success)

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.AvgResponseTimeMs, (1-avgSmoothingFactor)*100)
	assert.Less(t, got.AvgResponseTimeMs, 100.0)
}

func TestPingFailureStreakFlipsStatusToError(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	fake := newFakeNode(t)
	fake.failing.Store(true)

	n, err := r.Register(ctx, &Descriptor{Name: "alpha", BaseURL: fake.server.URL})
	require.NoError(t, err)

	for i := 1; i <= types.PingFailureThreshold-1; i++ {
		result := r.Ping(ctx, n)
		assert.False(t, result.Success)
		assert.Equal(t, types.NodeStatusActive, result.Status, "ping %d", i)
	}

	result := r.Ping(ctx, n)
	assert.False(t, result.Success)
	assert.Equal(t, types.NodeStatusError, result.Status)

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusError, got.Status)
	assert.Equal(t, types.PingFailureThreshold, got.PingFailures)
	assert.False(t, got.IsHealthy(time.Now()))
}

func TestPingRecoveryRestoresActive(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	fake := newFakeNode(t)
	fake.failing.Store(true)

	n, err := r.Register(ctx, &Descriptor{Name: "alpha", BaseURL: fake.server.URL})
	require.NoError(t, err)

	for i := 0; i < types.PingFailureThreshold; i++ {
		r.Ping(ctx, n)
	}
	require.Equal(t, types.NodeStatusError, n.Status)

	fake.failing.Store(false)
	result := r.Ping(ctx, n)
	assert.True(t, result.Success)
	assert.Equal(t, types.NodeStatusActive, result.Status)

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, got.Status)
	assert.Zero(t, got.PingFailures)
}

func TestPingAll(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	healthy := newFakeNode(t)
	broken := newFakeNode(t)
	broken.failing.Store(true)

	_, err := r.Register(ctx, &Descriptor{Name: "healthy", BaseURL: healthy.server.URL})
	require.NoError(t, err)
	_, err = r.Register(ctx, &Descriptor{Name: "broken", BaseURL: broken.server.URL})
	require.NoError(t, err)

	results, err := r.PingAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results["healthy"].Success)
	assert.False(t, results["broken"].Success)
}

func TestHealthyNodesFiltersByPredicate(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	fake := newFakeNode(t)

	pinged, err := r.Register(ctx, &Descriptor{Name: "pinged", BaseURL: fake.server.URL})
	require.NoError(t, err)
	_, err = r.Register(ctx, &Descriptor{Name: "never-pinged", BaseURL: "http://dead.internal"})
	require.NoError(t, err)

	r.Ping(ctx, pinged)

	nodes, err := r.HealthyNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pinged", nodes[0].Slug)

	// A stale last ping drops the node even though its status is active.
	stale := time.Now().Add(-types.HealthyPingWindow - time.Minute)
	require.NoError(t, store.UpdateFields(ctx, pinged.ID, map[string]interface{}{
		"last_ping_at": stale,
	}))

	nodes, err = r.HealthyNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestStatistics(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	fake := newFakeNode(t)

	active, err := r.Register(ctx, &Descriptor{Name: "active", BaseURL: fake.server.URL})
	require.NoError(t, err)
	r.Ping(ctx, active)

	inactive, err := r.Register(ctx, &Descriptor{Name: "idle", BaseURL: "http://idle.internal"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateFields(ctx, inactive.ID, map[string]interface{}{
		"status": types.NodeStatusInactive,
	}))

	stats, err := r.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.NodeStatusActive])
	assert.Equal(t, 1, stats.ByStatus[types.NodeStatusInactive])
	assert.Equal(t, 2, stats.ByType[types.NodeTypeChild])
	assert.Equal(t, 1, stats.Healthy)
}

func TestNormalizeSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Neuroscience Papers", "neuroscience-papers"},
		{"  spaced  out  ", "spaced-out"},
		{"UPPER_case.mixed", "upper-case-mixed"},
		{"already-fine", "already-fine"},
		{"--trimmed--", "trimmed"},
		{"!!!", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeSlug(tt.in), "input %q", tt.in)
	}
}
