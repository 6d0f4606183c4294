// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RouteHostKey is the cache key for a hostname → tenant route.
func RouteHostKey(host string) string {
	return "route:host:" + strings.ToLower(host)
}

// TenantKey is the cache key for a tenant snapshot by id.
func TenantKey(id int64) string {
	return "tenant:id:" + strconv.FormatInt(id, 10)
}
