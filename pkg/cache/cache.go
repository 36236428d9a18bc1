// Package cache provides explicit, injectable TTL caches. Components that need memoized
// lookups receive a Service instead of sharing package state.
package cache

import (
	"context"
	"fmt"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// LoaderFunc computes the value for a missing key.
type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Service is a TTL cache with explicit invalidation.
type Service[K comparable, V any] struct {
	cache       *ttlcache.Cache[K, V]
	group       singleflight.Group
	stats       *StatsCollector
	unsubscribe func()
}

// New creates a cache service and starts its expiration loop. Call Close to stop it.
func New[K comparable, V any](cfg *Config) *Service[K, V] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := []ttlcache.Option[K, V]{
		ttlcache.WithTTL[K, V](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[K, V](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[K, V](cfg.Capacity))
	}

	s := &Service[K, V]{
		cache:       ttlcache.New(opts...),
		unsubscribe: func() {},
	}
	if cfg.EnableStats {
		s.stats = NewStatsCollector()
		s.unsubscribe = s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[K, V]) {
			if reason != ttlcache.EvictionReasonDeleted {
				s.stats.RecordEviction()
			}
		})
	}
	go s.cache.Start()
	return s
}

// Get returns the cached value for key.
func (s *Service[K, V]) Get(key K) (V, bool) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		s.recordMiss()
		var zero V
		return zero, false
	}
	s.recordHit()
	return item.Value(), true
}

// Set stores value under key with the default TTL.
func (s *Service[K, V]) Set(key K, value V) {
	s.cache.Set(key, value, ttlcache.DefaultTTL)
	s.updateSize()
}

// GetOrLoad returns the cached value or loads, stores and returns it. Concurrent loads of
// the same key are collapsed. Errors are not cached.
func (s *Service[K, V]) GetOrLoad(ctx context.Context, key K, load LoaderFunc[K, V]) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}

	v, err, _ := s.group.Do(fmt.Sprint(key), func() (interface{}, error) {
		v, err := load(ctx, key)
		if err != nil {
			return nil, err
		}
		s.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate removes key.
func (s *Service[K, V]) Invalidate(key K) {
	s.cache.Delete(key)
	s.updateSize()
}

// InvalidateAll removes every entry.
func (s *Service[K, V]) InvalidateAll() {
	s.cache.DeleteAll()
	s.updateSize()
}

// Len returns the number of entries, expired ones included until the loop removes them.
func (s *Service[K, V]) Len() int {
	return s.cache.Len()
}

// Stats returns the collected statistics; zero when stats are disabled.
func (s *Service[K, V]) Stats() Stats {
	if s.stats == nil {
		return Stats{}
	}
	s.updateSize()
	return s.stats.GetStats()
}

// HitRate returns the hit rate; zero when stats are disabled.
func (s *Service[K, V]) HitRate() float64 {
	if s.stats == nil {
		return 0
	}
	return s.stats.HitRate()
}

// Close stops the expiration loop.
func (s *Service[K, V]) Close() {
	s.unsubscribe()
	s.cache.Stop()
}

func (s *Service[K, V]) recordHit() {
	if s.stats != nil {
		s.stats.RecordHit()
	}
}

func (s *Service[K, V]) recordMiss() {
	if s.stats != nil {
		s.stats.RecordMiss()
	}
}

func (s *Service[K, V]) updateSize() {
	if s.stats != nil {
		s.stats.UpdateSize(int64(s.cache.Len()))
	}
}
