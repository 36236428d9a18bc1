// Package memory provides in-process repository implementations for single-node use and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories"
)

// runRepository implements repositories.RunRepository with a map.
type runRepository struct {
	mu      sync.RWMutex
	records map[string]*models.RunRecord
	logger  zerolog.Logger
}

// NewRunRepository creates an empty in-memory run repository.
func NewRunRepository(logger zerolog.Logger) repositories.RunRepository {
	return &runRepository{
		records: make(map[string]*models.RunRecord),
		logger:  logger,
	}
}

// Load returns a copy of the stored record.
func (r *runRepository) Load(ctx context.Context, id string) (*models.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, errors.ErrRunNotFound.WithDetail("run_id", id)
	}
	return record.Clone(), nil
}

// Save stores a copy of record.
func (r *runRepository) Save(ctx context.Context, record *models.RunRecord) error {
	if record == nil || record.ID == "" {
		return errors.New(errors.CodeInvalidRequest, "run record requires an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.ID] = record.Clone()
	r.logger.Debug().
		Str("run_id", record.ID).
		Str("status", string(record.Status)).
		Msg("Run record saved")
	return nil
}

// ListActive returns non-terminal records ordered by start time.
func (r *runRepository) ListActive(ctx context.Context) ([]*models.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*models.RunRecord
	for _, record := range r.records {
		if !record.Status.Terminal() {
			active = append(active, record.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active, nil
}
