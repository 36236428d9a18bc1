package memory

import (
	"context"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories"
)

// CacheRepository keeps cache entries in memory until their retention expires.
type CacheRepository struct {
	entries *ttlcache.Cache[string, models.CacheEntry]
	logger  zerolog.Logger
}

var _ repositories.CacheRepository = (*CacheRepository)(nil)

// NewCacheRepository creates a repository that drops entries after retention. Call Close
// to stop the expiration loop.
func NewCacheRepository(retention time.Duration, capacity uint64, logger zerolog.Logger) *CacheRepository {
	opts := []ttlcache.Option[string, models.CacheEntry]{
		ttlcache.WithTTL[string, models.CacheEntry](retention),
		ttlcache.WithDisableTouchOnHit[string, models.CacheEntry](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, models.CacheEntry](capacity))
	}
	entries := ttlcache.New(opts...)
	go entries.Start()

	return &CacheRepository{
		entries: entries,
		logger:  logger,
	}
}

// Close stops the expiration loop.
func (r *CacheRepository) Close() {
	r.entries.Stop()
}

// GetCandidates returns ready entries of datasource sharing a metric id, newest first.
func (r *CacheRepository) GetCandidates(ctx context.Context, datasource string, metricIDs []string) ([]models.CacheEntry, error) {
	wanted := mapset.NewThreadUnsafeSet(metricIDs...)

	var candidates []models.CacheEntry
	r.entries.Range(func(item *ttlcache.Item[string, models.CacheEntry]) bool {
		if item.IsExpired() {
			return true
		}
		e := item.Value()
		if e.Datasource != datasource || e.Status != models.CacheEntryReady {
			return true
		}
		if wanted.ContainsAny(e.MetricIDs...) {
			candidates = append(candidates, e)
		}
		return true
	})

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	r.logger.Debug().
		Str("datasource", datasource).
		Int("candidates", len(candidates)).
		Msg("Cache candidates loaded")
	return candidates, nil
}

// Save stores entry. Entries are immutable, so saving an existing id is a conflict.
func (r *CacheRepository) Save(ctx context.Context, entry *models.CacheEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.New(errors.CodeInvalidRequest, "cache entry requires an id")
	}
	if r.entries.Has(entry.ID) {
		return errors.Newf(errors.CodeConflict, "cache entry %s already exists", entry.ID)
	}
	r.entries.Set(entry.ID, *entry, ttlcache.DefaultTTL)
	return nil
}
