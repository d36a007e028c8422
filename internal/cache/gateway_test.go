package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

func newRedisGateway(t *testing.T) (*Gateway, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g, err := NewGateway(rdb)
	require.NoError(t, err)
	return g, rdb
}

func TestKeyRendering(t *testing.T) {
	assert.Equal(t, "authz:u1:org1:", Key("u1", roles.Scope{OrgID: "org1"}))
	assert.Equal(t, "authz:u1::p1", Key("u1", roles.Scope{ProjectID: "p1"}))
	assert.Equal(t, "authz:u1::", Key("u1", roles.Scope{}))
}

func TestLocalOnlySetGet(t *testing.T) {
	g, err := NewGateway(nil)
	require.NoError(t, err)

	ctx := context.Background()
	scope := roles.Scope{OrgID: "org1"}
	require.NoError(t, g.Set(ctx, "u1", scope, []byte(`{"role":"org_admin"}`)))

	got, ok := g.Get(ctx, "u1", scope)
	require.True(t, ok)
	assert.JSONEq(t, `{"role":"org_admin"}`, string(got))

	_, ok = g.Get(ctx, "u1", roles.Scope{OrgID: "org2"})
	assert.False(t, ok)
}

func TestGetBackfillsLocalFromRedis(t *testing.T) {
	g, rdb := newRedisGateway(t)
	ctx := context.Background()
	scope := roles.Scope{OrgID: "org1"}

	require.NoError(t, rdb.Set(ctx, Key("u1", scope), []byte("view"), time.Minute).Err())

	got, ok := g.Get(ctx, "u1", scope)
	require.True(t, ok)
	assert.Equal(t, []byte("view"), got)

	// Served from the local tier once backfilled.
	require.NoError(t, rdb.Del(ctx, Key("u1", scope)).Err())
	got, ok = g.Get(ctx, "u1", scope)
	require.True(t, ok)
	assert.Equal(t, []byte("view"), got)
}

func TestInvalidateOrgScope(t *testing.T) {
	g, rdb := newRedisGateway(t)
	ctx := context.Background()

	seed := map[string]roles.Scope{
		"exact":     {OrgID: "org1"},
		"user":      {},
		"finer":     {OrgID: "org1", ProjectID: "p1"},
		"other org": {OrgID: "org2"},
	}
	for _, scope := range seed {
		require.NoError(t, g.Set(ctx, "u1", scope, []byte("x")))
	}
	require.NoError(t, g.Set(ctx, "u2", roles.Scope{OrgID: "org1"}, []byte("x")))

	require.NoError(t, g.InvalidateRoleChange(ctx, "u1", roles.Scope{OrgID: "org1"}))

	for _, tc := range []struct {
		name  string
		user  string
		scope roles.Scope
		want  bool
	}{
		{"exact gone", "u1", roles.Scope{OrgID: "org1"}, false},
		{"coarser user key gone", "u1", roles.Scope{}, false},
		{"finer project key gone", "u1", roles.Scope{OrgID: "org1", ProjectID: "p1"}, false},
		{"other org survives", "u1", roles.Scope{OrgID: "org2"}, true},
		{"other user survives", "u2", roles.Scope{OrgID: "org1"}, true},
	} {
		_, ok := g.Get(ctx, tc.user, tc.scope)
		assert.Equal(t, tc.want, ok, tc.name)
		assert.Equal(t, tc.want, rdb.Exists(ctx, Key(tc.user, tc.scope)).Val() == 1, tc.name+" (redis)")
	}
}

func TestInvalidateProjectScope(t *testing.T) {
	g, rdb := newRedisGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "u1", roles.Scope{ProjectID: "p1"}, []byte("x")))
	require.NoError(t, g.Set(ctx, "u1", roles.Scope{}, []byte("x")))
	require.NoError(t, g.Set(ctx, "u1", roles.Scope{ProjectID: "p2"}, []byte("x")))

	require.NoError(t, g.InvalidatePermissionChange(ctx, "u1", roles.Scope{ProjectID: "p1"}))

	_, ok := g.Get(ctx, "u1", roles.Scope{ProjectID: "p1"})
	assert.False(t, ok)
	_, ok = g.Get(ctx, "u1", roles.Scope{})
	assert.False(t, ok, "user-level key subsumes the project scope")
	_, ok = g.Get(ctx, "u1", roles.Scope{ProjectID: "p2"})
	assert.True(t, ok)
	assert.Equal(t, int64(1), rdb.Exists(ctx, Key("u1", roles.Scope{ProjectID: "p2"})).Val())
}

func TestInvalidateRequiresUser(t *testing.T) {
	g, err := NewGateway(nil)
	require.NoError(t, err)
	err = g.InvalidateRoleChange(context.Background(), "", roles.Scope{OrgID: "org1"})
	assert.True(t, errors.Is(err, roles.ErrInvalidInput))
}

func TestRedisFailureStillClearsLocalTier(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g, err := NewGateway(rdb)
	require.NoError(t, err)

	ctx := context.Background()
	scope := roles.Scope{OrgID: "org1"}
	require.NoError(t, g.Set(ctx, "u1", scope, []byte("x")))

	mr.Close()

	err = g.InvalidateRoleChange(ctx, "u1", scope)
	require.Error(t, err)
	assert.True(t, errors.Is(err, roles.ErrCacheInvalidation))

	// The local tier no longer serves the stale entry.
	_, ok := g.local.Get(Key("u1", scope))
	assert.False(t, ok)
}
