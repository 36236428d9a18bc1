package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/TFMV/exprunner/pkg/repositories"
)

// leaseRepository implements repositories.LeaseRepository with expiring cache items.
type leaseRepository struct {
	mu     sync.Mutex
	leases *ttlcache.Cache[string, string]
}

// NewLeaseRepository creates an in-process lease table.
func NewLeaseRepository() repositories.LeaseRepository {
	return &leaseRepository{
		leases: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, string]()),
	}
}

// Acquire grants the lease if it is free, expired or already held by owner.
func (r *leaseRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.leases.Get(key); item != nil && !item.IsExpired() && item.Value() != owner {
		return false, nil
	}
	r.leases.Set(key, owner, ttl)
	return true, nil
}

// Release drops the lease if owner holds it.
func (r *leaseRepository) Release(ctx context.Context, key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.leases.Get(key); item != nil && item.Value() == owner {
		r.leases.Delete(key)
	}
	return nil
}
