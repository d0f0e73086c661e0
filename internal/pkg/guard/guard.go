// Package guard provides short-lived exclusive claims on string keys, backed
// by Redis when available and by process memory otherwise.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard claims keys for a limited time.
type Guard interface {
	// Acquire claims key for ttl. It reports false when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim before its ttl runs out.
	Release(ctx context.Context, key string) error
}

type redisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string) Guard {
	return &redisGuard{client: client, prefix: prefix}
}

func (g *redisGuard) key(k string) string {
	if g.prefix == "" {
		return k
	}
	return g.prefix + ":" + k
}

func (g *redisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.key(key), "1", ttl).Result()
}

func (g *redisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.key(key)).Err()
}

type memoryGuard struct {
	mu     sync.Mutex
	held   map[string]time.Time
	now    func() time.Time
	nextGC time.Time
}

// NewMemory returns a process-local guard.
func NewMemory() Guard {
	return newMemory(time.Now)
}

func newMemory(now func() time.Time) *memoryGuard {
	return &memoryGuard{
		held:   make(map[string]time.Time),
		now:    now,
		nextGC: now().Add(time.Minute),
	}
}

func (g *memoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.held[key]; ok && exp.After(now) {
		return false, nil
	}
	g.held[key] = now.Add(ttl)

	if now.After(g.nextGC) {
		for k, exp := range g.held {
			if !exp.After(now) {
				delete(g.held, k)
			}
		}
		g.nextGC = now.Add(time.Minute)
	}
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
	return nil
}

// New builds a Redis guard and falls back to memory when addr is empty or
// the server does not answer a ping. The ping error is returned alongside
// the fallback so callers can log it.
func New(addr, pass string, db int, prefix string) (Guard, error) {
	if addr == "" {
		return NewMemory(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return NewMemory(), err
	}

	return NewRedis(client, prefix), nil
}
