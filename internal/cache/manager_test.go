package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(client, Config{DefaultTTL: time.Minute}, zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestSetGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "greeting", "hello", 0))

	val, err := m.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", val)
}

func TestGetMiss(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestSetDefaultTTLApplied(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("short"))

	require.NoError(t, m.Set(ctx, "long", "v", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("long"))
}

func TestExpiryEvicts(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "ephemeral", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := m.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestJSONRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, m.SetJSON(ctx, "obj", payload{Name: "alpha", Count: 3}, 0))

	var got payload
	require.NoError(t, m.GetJSON(ctx, "obj", &got))
	assert.Equal(t, payload{Name: "alpha", Count: 3}, got)
}

func TestGetJSONMiss(t *testing.T) {
	m, _ := newTestManager(t)

	var got map[string]any
	err := m.GetJSON(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGetJSONCorruptValue(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "bad", "{not json", 0))

	var got map[string]any
	err := m.GetJSON(ctx, "bad", &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1", 0))
	require.NoError(t, m.Set(ctx, "b", "2", 0))
	require.NoError(t, m.Delete(ctx, "a", "b"))
	require.NoError(t, m.Delete(ctx)) // no keys is a no-op

	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestPing(t *testing.T) {
	m, mr := newTestManager(t)

	assert.NoError(t, m.Ping(context.Background()))

	mr.Close()
	assert.Error(t, m.Ping(context.Background()))
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, err := m.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, m.Set(ctx, "k", "v", 0))
	assert.Error(t, m.Delete(ctx, "k"))
	assert.Error(t, m.Ping(ctx))
}
