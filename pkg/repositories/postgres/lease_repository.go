package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/repositories"
)

type leaseRepository struct {
	db     DB
	logger zerolog.Logger
}

// NewLeaseRepository creates a lease repository over db. Expiry uses the database clock so
// every scheduler instance agrees on it.
func NewLeaseRepository(db DB, logger zerolog.Logger) repositories.LeaseRepository {
	return &leaseRepository{db: db, logger: logger}
}

// Acquire takes or extends the lease in one statement.
func (r *leaseRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New(errors.CodeInvalidRequest, "lease ttl must be positive")
	}

	var holder string
	err := r.db.QueryRow(ctx, `
		INSERT INTO leases (key, owner, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE leases.owner = EXCLUDED.owner OR leases.expires_at <= now()
		RETURNING owner`,
		key, owner, ttl.Milliseconds(),
	).Scan(&holder)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.CodeInternal, "failed to acquire lease")
	}
	return true, nil
}

// Release deletes the lease if owner holds it.
func (r *leaseRepository) Release(ctx context.Context, key, owner string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to release lease")
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug().Str("key", key).Str("owner", owner).Msg("Lease already released or taken over")
	}
	return nil
}
