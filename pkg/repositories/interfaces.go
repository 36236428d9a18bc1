// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"
	"time"

	"github.com/TFMV/exprunner/pkg/models"
)

// RunRepository persists tracked run records.
type RunRepository interface {
	// Load returns the record with the given id or errors.ErrRunNotFound.
	Load(ctx context.Context, id string) (*models.RunRecord, error)
	// Save inserts or replaces the record.
	Save(ctx context.Context, record *models.RunRecord) error
	// ListActive returns records that have not reached a terminal status.
	ListActive(ctx context.Context) ([]*models.RunRecord, error)
}

// CacheRepository stores reusable results.
type CacheRepository interface {
	// GetCandidates returns ready entries of the datasource that share at least one metric
	// id with the request, newest first.
	GetCandidates(ctx context.Context, datasource string, metricIDs []string) ([]models.CacheEntry, error)
	// Save stores a new entry. Entries are never updated.
	Save(ctx context.Context, entry *models.CacheEntry) error
}

// LeaseRepository grants exclusive, expiring ownership of a logical key.
type LeaseRepository interface {
	// Acquire takes the lease for owner. It returns false when another owner holds an
	// unexpired lease. Re-acquiring an owned lease extends it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release gives up the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}
