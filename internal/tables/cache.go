// Package tables decorates a tables.Provider with a Redis cache so table
// snapshots loaded once are shared across every decoder process on the
// host, not just within one.
package tables

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/madpsy/bufrkit/pkg/descriptor"
	"github.com/madpsy/bufrkit/pkg/tables"
)

var ctx = context.Background()

// CachedProvider wraps an underlying Provider, serving lookups from Redis
// when present and falling back to the wrapped provider (writing the
// result back with a TTL) otherwise. Snapshots are immutable per key, so
// stale entries cannot occur within a TTL window.
type CachedProvider struct {
	inner  tables.Provider
	client *redis.Client
	prefix string
	ttl    time.Duration
	debug  bool
}

// cachedElement is the Redis value shape for one table-B entry.
type cachedElement struct {
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Scale     int    `json:"scale"`
	Reference int64  `json:"reference"`
	NBits     int    `json:"nbits"`
	Type      int    `json:"type"`
}

// NewCachedProvider connects to Redis at host:port and returns the
// decorated provider. key scopes the cache entries to one table snapshot.
func NewCachedProvider(inner tables.Provider, key tables.Key, host string, port int, ttlSeconds int, debug bool) (*CachedProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &CachedProvider{
		inner:  inner,
		client: client,
		prefix: "bufrtables:" + key.String(),
		ttl:    time.Duration(ttlSeconds) * time.Second,
		debug:  debug,
	}, nil
}

// LookupElement implements tables.Provider.
func (c *CachedProvider) LookupElement(id descriptor.ID) (*descriptor.Element, error) {
	cacheKey := fmt.Sprintf("%s:elem:%s", c.prefix, id)
	if blob, err := c.client.Get(ctx, cacheKey).Bytes(); err == nil {
		var ce cachedElement
		if err := json.Unmarshal(blob, &ce); err == nil {
			return &descriptor.Element{
				ID:        id,
				Name:      ce.Name,
				Unit:      ce.Unit,
				Scale:     ce.Scale,
				Reference: ce.Reference,
				NBits:     ce.NBits,
				Type:      descriptor.ElementType(ce.Type),
			}, nil
		}
	}

	elem, err := c.inner.LookupElement(id)
	if err != nil {
		return nil, err
	}
	blob, _ := json.Marshal(cachedElement{
		Name:      elem.Name,
		Unit:      elem.Unit,
		Scale:     elem.Scale,
		Reference: elem.Reference,
		NBits:     elem.NBits,
		Type:      int(elem.Type),
	})
	c.client.Set(ctx, cacheKey, blob, c.ttl)
	return elem, nil
}

// LookupSequence implements tables.Provider.
func (c *CachedProvider) LookupSequence(id descriptor.ID) ([]descriptor.ID, error) {
	cacheKey := fmt.Sprintf("%s:seq:%s", c.prefix, id)
	if blob, err := c.client.Get(ctx, cacheKey).Bytes(); err == nil {
		var children []descriptor.ID
		if err := json.Unmarshal(blob, &children); err == nil {
			return children, nil
		}
	}

	children, err := c.inner.LookupSequence(id)
	if err != nil {
		return nil, err
	}
	blob, _ := json.Marshal(children)
	c.client.Set(ctx, cacheKey, blob, c.ttl)
	return children, nil
}

// LookupCode implements tables.Provider.
func (c *CachedProvider) LookupCode(id descriptor.ID, value int64) (string, error) {
	cacheKey := fmt.Sprintf("%s:code:%s:%d", c.prefix, id, value)
	if text, err := c.client.Get(ctx, cacheKey).Result(); err == nil {
		return text, nil
	}

	text, err := c.inner.LookupCode(id, value)
	if err != nil {
		return "", err
	}
	c.client.Set(ctx, cacheKey, text, c.ttl)
	return text, nil
}

// Close releases the Redis connection.
func (c *CachedProvider) Close() error {
	return c.client.Close()
}
