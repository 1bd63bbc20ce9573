package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodefed/nodefed/auth"
	"github.com/nodefed/nodefed/breaker"
	"github.com/nodefed/nodefed/node"
	"github.com/nodefed/nodefed/types"
)

// fakeActionNode is an httptest child node serving the execute endpoint.
type fakeActionNode struct {
	server  *httptest.Server
	result  json.RawMessage
	refuse  atomic.Bool // node answers but reports action failure
	crash   atomic.Bool // node answers with HTTP 500
	calls   atomic.Int64
	lastReq struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
}

func newFakeActionNode(t *testing.T, result json.RawMessage) *fakeActionNode {
	t.Helper()

	f := &fakeActionNode{result: result}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+node.ExecutePath, func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		json.NewDecoder(r.Body).Decode(&f.lastReq)
		if f.crash.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if f.refuse.Load() {
			json.NewEncoder(w).Encode(node.ActionResponse{Success: false, Error: "unsupported action"})
			return
		}
		json.NewEncoder(w).Encode(node.ActionResponse{Success: true, Result: f.result})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type harness struct {
	service  *Service
	registry *node.Registry
	store    node.Store
	breakers *breaker.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, node.AutoMigrate(db))

	store := node.NewStore(db)
	client := node.NewClient(node.ClientConfig{
		RequestTimeout: 2 * time.Second,
		PingTimeout:    time.Second,
	}, zap.NewNop())
	registry := node.NewRegistry(store, client, nil, zap.NewNop())
	breakers := breaker.NewManager(&breaker.Config{FailureThreshold: 1, BaseBackoff: time.Minute}, nil, zap.NewNop())
	authSvc := auth.NewService(auth.Config{Secret: "test-secret"}, store, zap.NewNop())

	service := NewService(Config{
		RequestTimeout:   2 * time.Second,
		AggregateTimeout: 5 * time.Second,
	}, registry, store, client, breakers, authSvc, nil, zap.NewNop())

	return &harness{service: service, registry: registry, store: store, breakers: breakers}
}

func (h *harness) addNode(t *testing.T, slug, baseURL string, capabilities ...string) *types.Node {
	t.Helper()

	n, err := h.registry.Register(context.Background(), &node.Descriptor{
		Name:         slug,
		BaseURL:      baseURL,
		Capabilities: capabilities,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateFields(context.Background(), n.ID, map[string]interface{}{
		"last_ping_at": time.Now(),
	}))
	return n
}

func TestExecuteOnSuccess(t *testing.T) {
	h := newHarness(t)

	fake := newFakeActionNode(t, json.RawMessage(`{"reindexed":42}`))
	h.addNode(t, "alpha", fake.server.URL)

	res, err := h.service.ExecuteOn(context.Background(), "alpha", "reindex", map[string]any{"collection": "papers"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "alpha", res.Slug)
	assert.JSONEq(t, `{"reindexed":42}`, string(res.Result))
	assert.Equal(t, "reindex", fake.lastReq.Action)
	assert.Equal(t, "papers", fake.lastReq.Params["collection"])
}

func TestExecuteOnUnknownNode(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.ExecuteOn(context.Background(), "ghost", "reindex", nil)
	assert.ErrorIs(t, err, node.ErrNodeNotFound)
}

func TestExecuteOnRequiresActionCapability(t *testing.T) {
	h := newHarness(t)

	fake := newFakeActionNode(t, nil)
	h.addNode(t, "searcher", fake.server.URL, types.CapabilitySearch)

	_, err := h.service.ExecuteOn(context.Background(), "searcher", "reindex", nil)
	assert.Equal(t, types.ErrForbidden, types.GetErrorCode(err))
	assert.Zero(t, fake.calls.Load())
}

func TestExecuteOnOpenCircuitRejected(t *testing.T) {
	h := newHarness(t)

	fake := newFakeActionNode(t, nil)
	h.addNode(t, "alpha", fake.server.URL)
	h.breakers.RecordFailure("alpha")

	_, err := h.service.ExecuteOn(context.Background(), "alpha", "reindex", nil)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.Zero(t, fake.calls.Load())
}

func TestExecuteOnTransportFailureFeedsBreaker(t *testing.T) {
	h := newHarness(t)

	fake := newFakeActionNode(t, nil)
	fake.crash.Store(true)
	h.addNode(t, "alpha", fake.server.URL)

	res, err := h.service.ExecuteOn(context.Background(), "alpha", "reindex", nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, breaker.StateOpen, h.breakers.State("alpha"))
}

func TestExecuteOnActionFailureDoesNotTripBreaker(t *testing.T) {
	h := newHarness(t)

	fake := newFakeActionNode(t, nil)
	fake.refuse.Store(true)
	h.addNode(t, "alpha", fake.server.URL)

	res, err := h.service.ExecuteOn(context.Background(), "alpha", "drop-index", nil)
	require.NoError(t, err)

	// The node answered; only the action failed. Transport stays healthy.
	assert.False(t, res.Success)
	assert.Equal(t, "unsupported action", res.Error)
	assert.Equal(t, breaker.StateClosed, h.breakers.State("alpha"))
}

func TestExecuteOnAllParallel(t *testing.T) {
	h := newHarness(t)

	alpha := newFakeActionNode(t, json.RawMessage(`{"ok":true}`))
	beta := newFakeActionNode(t, json.RawMessage(`{"ok":true}`))
	broken := newFakeActionNode(t, nil)
	broken.crash.Store(true)

	h.addNode(t, "alpha", alpha.server.URL)
	h.addNode(t, "beta", beta.server.URL)
	h.addNode(t, "broken", broken.server.URL)

	resp, err := h.service.ExecuteOnAll(context.Background(), "refresh", nil, false)
	require.NoError(t, err)

	assert.Equal(t, "refresh", resp.Action)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Len(t, resp.Results, 3)
}

func TestExecuteOnAllSequentialContinuesPastFailure(t *testing.T) {
	h := newHarness(t)

	broken := newFakeActionNode(t, nil)
	broken.crash.Store(true)
	healthy := newFakeActionNode(t, json.RawMessage(`{"ok":true}`))

	// Slug order puts the broken node first.
	h.addNode(t, "aaa-broken", broken.server.URL)
	h.addNode(t, "zzz-healthy", healthy.server.URL)

	resp, err := h.service.ExecuteOnAll(context.Background(), "refresh", nil, true)
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "aaa-broken", resp.Results[0].Slug)
	assert.False(t, resp.Results[0].Success)
	assert.Equal(t, "zzz-healthy", resp.Results[1].Slug)
	assert.True(t, resp.Results[1].Success)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
}

func TestExecuteOnAllSkipsOpenCircuitsAndSearchOnlyNodes(t *testing.T) {
	h := newHarness(t)

	capable := newFakeActionNode(t, json.RawMessage(`{"ok":true}`))
	searchOnly := newFakeActionNode(t, nil)
	tripped := newFakeActionNode(t, nil)

	h.addNode(t, "capable", capable.server.URL)
	h.addNode(t, "search-only", searchOnly.server.URL, types.CapabilitySearch)
	h.addNode(t, "tripped", tripped.server.URL)
	h.breakers.RecordFailure("tripped")

	resp, err := h.service.ExecuteOnAll(context.Background(), "refresh", nil, false)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "capable", resp.Results[0].Slug)
	assert.Zero(t, searchOnly.calls.Load())
	assert.Zero(t, tripped.calls.Load())
}

func TestExecuteOnAllNoTargets(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.ExecuteOnAll(context.Background(), "refresh", nil, false)
	assert.Equal(t, types.ErrNoCapacity, types.GetErrorCode(err))
}

func TestExecuteLogsRequest(t *testing.T) {
	h := newHarness(t)

	fake := newFakeActionNode(t, json.RawMessage(`{}`))
	h.addNode(t, "alpha", fake.server.URL)

	_, err := h.service.ExecuteOn(context.Background(), "alpha", "reindex", nil)
	require.NoError(t, err)

	logged, err := h.store.RecentRequests(context.Background(), "alpha", 10, false)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, types.RequestTypeAction, logged[0].RequestType)
	assert.Equal(t, types.RequestOutcomeSuccess, logged[0].Outcome)
}
