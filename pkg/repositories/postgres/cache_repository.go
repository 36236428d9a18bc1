package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories"
)

type cacheRepository struct {
	db     DB
	logger zerolog.Logger
}

// NewCacheRepository creates a cache repository over db.
func NewCacheRepository(db DB, logger zerolog.Logger) repositories.CacheRepository {
	return &cacheRepository{db: db, logger: logger}
}

// GetCandidates returns ready entries of datasource overlapping metricIDs, newest first.
func (r *cacheRepository) GetCandidates(ctx context.Context, datasource string, metricIDs []string) ([]models.CacheEntry, error) {
	if len(metricIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, organization, datasource, metric_ids, config, fingerprint, result, status, created_at
		FROM cache_entries
		WHERE datasource = $1 AND status = $2 AND metric_ids && $3
		ORDER BY created_at DESC, id`,
		datasource, string(models.CacheEntryReady), metricIDs,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query cache candidates")
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var (
			entry       models.CacheEntry
			config      []byte
			fingerprint int64
			status      string
			createdAt   time.Time
		)
		if err := rows.Scan(
			&entry.ID, &entry.Organization, &entry.Datasource, &entry.MetricIDs, &config,
			&fingerprint, &entry.Result, &status, &createdAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan cache entry")
		}
		if err := json.Unmarshal(config, &entry.Config); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInternal, "invalid config on cache entry %s", entry.ID)
		}
		entry.Fingerprint = uint64(fingerprint)
		entry.Status = models.CacheEntryStatus(status)
		entry.CreatedAt = createdAt.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query cache candidates")
	}
	return out, nil
}

// Save inserts entry. An existing id is a conflict.
func (r *cacheRepository) Save(ctx context.Context, entry *models.CacheEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.New(errors.CodeInvalidRequest, "cache entry requires an id")
	}

	config, err := json.Marshal(entry.Config)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode request config")
	}
	metricIDs := entry.MetricIDs
	if metricIDs == nil {
		metricIDs = []string{}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO cache_entries (id, organization, datasource, metric_ids, config, fingerprint, result, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.Organization, entry.Datasource, metricIDs, string(config),
		int64(entry.Fingerprint), entry.Result, string(entry.Status), entry.CreatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Newf(errors.CodeConflict, "cache entry %s already exists", entry.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to save cache entry")
	}

	r.logger.Debug().
		Str("entry_id", entry.ID).
		Strs("metric_ids", entry.MetricIDs).
		Int("bytes", len(entry.Result)).
		Msg("Cache entry saved")
	return nil
}
