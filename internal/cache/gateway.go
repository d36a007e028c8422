// Package cache implements the invalidation gateway for cached authorization
// data. Entries are keyed by (user, org, project) scope tuples and may live
// in two tiers: a process-local LRU and Redis shared across instances.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

const (
	keyPrefix       = "authz"
	defaultLRUSize  = 4096
	defaultEntryTTL = 10 * time.Minute
)

// Option configures the gateway.
type Option func(*Gateway)

// WithLocalSize sets the local LRU capacity.
func WithLocalSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.localSize = n
		}
	}
}

// WithEntryTTL bounds how long cached entries live in Redis.
func WithEntryTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.entryTTL = d
		}
	}
}

// Gateway invalidates and serves cached authorization views. The Redis tier
// is optional; with a nil client the gateway is purely process-local.
type Gateway struct {
	rdb       *redis.Client
	local     *lru.Cache[string, []byte]
	localSize int
	entryTTL  time.Duration
}

var _ roles.Invalidator = (*Gateway)(nil)

// NewGateway builds a gateway. rdb may be nil to disable the Redis tier.
func NewGateway(rdb *redis.Client, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		rdb:       rdb,
		localSize: defaultLRUSize,
		entryTTL:  defaultEntryTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	local, err := lru.New[string, []byte](g.localSize)
	if err != nil {
		return nil, fmt.Errorf("cache: build local tier: %w", err)
	}
	g.local = local
	return g, nil
}

// Key renders the cache key for a user scope. Empty scope parts stay as empty
// segments so exact keys and prefixes never collide.
func Key(userID string, scope roles.Scope) string {
	return strings.Join([]string{keyPrefix, userID, scope.OrgID, scope.ProjectID}, ":")
}

// Get returns a cached authorization view, consulting the local tier first.
func (g *Gateway) Get(ctx context.Context, userID string, scope roles.Scope) ([]byte, bool) {
	key := Key(userID, scope)
	if v, ok := g.local.Get(key); ok {
		return v, true
	}
	if g.rdb == nil {
		return nil, false
	}
	data, err := g.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	g.local.Add(key, data)
	return data, true
}

// Set stores an authorization view in both tiers.
func (g *Gateway) Set(ctx context.Context, userID string, scope roles.Scope, data []byte) error {
	key := Key(userID, scope)
	g.local.Add(key, data)
	if g.rdb == nil {
		return nil
	}
	if err := g.rdb.Set(ctx, key, data, g.entryTTL).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// InvalidateRoleChange removes every cache entry keyed by the given scope, a
// coarser key that subsumes it, or a finer key beneath it, before returning.
func (g *Gateway) InvalidateRoleChange(ctx context.Context, userID string, scope roles.Scope) error {
	return g.invalidate(ctx, userID, scope)
}

// InvalidatePermissionChange mirrors InvalidateRoleChange for permission-level
// mutations; the key space is the same.
func (g *Gateway) InvalidatePermissionChange(ctx context.Context, userID string, scope roles.Scope) error {
	return g.invalidate(ctx, userID, scope)
}

func (g *Gateway) invalidate(ctx context.Context, userID string, scope roles.Scope) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", roles.ErrInvalidInput)
	}
	exact := exactAndCoarser(userID, scope)
	prefix := scanPrefix(userID, scope)

	// Local tier first: it is always cleared even when Redis is down.
	for _, key := range exact {
		g.local.Remove(key)
	}
	for _, key := range g.local.Keys() {
		if strings.HasPrefix(key, prefix) {
			g.local.Remove(key)
		}
	}

	if g.rdb == nil {
		return nil
	}
	if err := g.rdb.Del(ctx, exact...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", roles.ErrCacheInvalidation, err)
	}
	iter := g.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := g.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%w: del %s: %v", roles.ErrCacheInvalidation, iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: scan: %v", roles.ErrCacheInvalidation, err)
	}
	return nil
}

// exactAndCoarser lists the scope key plus every coarser key that subsumes it.
func exactAndCoarser(userID string, scope roles.Scope) []string {
	keys := []string{Key(userID, scope)}
	if scope.ProjectID != "" {
		keys = append(keys, Key(userID, roles.Scope{OrgID: scope.OrgID}))
	}
	if scope.OrgID != "" || scope.ProjectID != "" {
		keys = append(keys, Key(userID, roles.Scope{}))
	}
	return keys
}

// scanPrefix covers keys finer than the given scope (e.g. all project entries
// under an org when only OrgID is set).
func scanPrefix(userID string, scope roles.Scope) string {
	switch {
	case scope.ProjectID != "":
		return strings.Join([]string{keyPrefix, userID, scope.OrgID, scope.ProjectID}, ":")
	case scope.OrgID != "":
		return strings.Join([]string{keyPrefix, userID, scope.OrgID, ""}, ":")
	default:
		return strings.Join([]string{keyPrefix, userID, ""}, ":")
	}
}
