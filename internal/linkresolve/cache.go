package linkresolve

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybot/internal/userbot"
)

// Cache remembers alias lookups. Access hashes are per account, so keys are
// scoped by account.
type Cache interface {
	Get(ctx context.Context, account, alias string) (userbot.Peer, bool, error)
	Set(ctx context.Context, account, alias string, p userbot.Peer) error
}

func cacheKey(account, alias string) string {
	return account + ":" + strings.ToLower(alias)
}

// NopCache never remembers anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string, string) (userbot.Peer, bool, error) {
	return userbot.Peer{}, false, nil
}

func (NopCache) Set(context.Context, string, string, userbot.Peer) error { return nil }

type memEntry struct {
	peer    userbot.Peer
	expires time.Time
}

// MemoryCache is a process-local TTL map.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]memEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, m: map[string]memEntry{}}
}

func (c *MemoryCache) Get(_ context.Context, account, alias string) (userbot.Peer, bool, error) {
	k := cacheKey(account, alias)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[k]
	if !ok {
		return userbot.Peer{}, false, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.m, k)
		return userbot.Peer{}, false, nil
	}
	return e.peer, true, nil
}

func (c *MemoryCache) Set(_ context.Context, account, alias string, p userbot.Peer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.m) > 4096 {
		for k, e := range c.m {
			if now.After(e.expires) {
				delete(c.m, k)
			}
		}
	}
	c.m[cacheKey(account, alias)] = memEntry{peer: p, expires: now.Add(c.ttl)}
	return nil
}

// RedisCache shares lookups between processes.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "relaybot:alias:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

type peerValue struct {
	Kind       int   `json:"kind"`
	ID         int64 `json:"id"`
	AccessHash int64 `json:"access_hash"`
}

func (c *RedisCache) Get(ctx context.Context, account, alias string) (userbot.Peer, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+cacheKey(account, alias)).Bytes()
	if errors.Is(err, redis.Nil) {
		return userbot.Peer{}, false, nil
	}
	if err != nil {
		return userbot.Peer{}, false, err
	}
	var v peerValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return userbot.Peer{}, false, err
	}
	return userbot.Peer{Kind: userbot.PeerKind(v.Kind), ID: v.ID, AccessHash: v.AccessHash}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, account, alias string, p userbot.Peer) error {
	b, err := json.Marshal(peerValue{Kind: int(p.Kind), ID: p.ID, AccessHash: p.AccessHash})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+cacheKey(account, alias), b, c.ttl).Err()
}
