package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/repositories"
)

type runRepository struct {
	db     DB
	logger zerolog.Logger
}

// NewRunRepository creates a run repository over db.
func NewRunRepository(db DB, logger zerolog.Logger) repositories.RunRepository {
	return &runRepository{db: db, logger: logger}
}

const runColumns = `id, key, organization, datasource, status, pointers, error, started_at, finished_at`

// Load returns the record with the given id.
func (r *runRepository) Load(ctx context.Context, id string) (*models.RunRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	record, err := scanRun(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrRunNotFound.WithDetail("run_id", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to load run")
	}
	return record, nil
}

// Save upserts the record. Pointers are stored as one JSONB document.
func (r *runRepository) Save(ctx context.Context, record *models.RunRecord) error {
	if record == nil || record.ID == "" {
		return errors.New(errors.CodeInvalidRequest, "run record requires an id")
	}

	pointers, err := json.Marshal(record.Pointers)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode pointers")
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			pointers = EXCLUDED.pointers,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = now()`,
		record.ID, record.Key, record.Organization, record.Datasource, string(record.Status),
		string(pointers), record.Error, nullTime(record.StartedAt), nullTime(record.FinishedAt),
	)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to save run")
	}

	r.logger.Debug().
		Str("run_id", record.ID).
		Str("status", string(record.Status)).
		Msg("Run saved")
	return nil
}

// ListActive returns queued and running records, oldest first.
func (r *runRepository) ListActive(ctx context.Context) ([]*models.RunRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ($1, $2)
		ORDER BY started_at NULLS LAST, id`,
		string(models.RunStatusQueued), string(models.RunStatusRunning),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to list active runs")
	}
	defer rows.Close()

	var out []*models.RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan run")
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to list active runs")
	}
	return out, nil
}

func scanRun(row pgx.Row) (*models.RunRecord, error) {
	var (
		record     models.RunRecord
		status     string
		pointers   []byte
		startedAt  *time.Time
		finishedAt *time.Time
	)
	if err := row.Scan(
		&record.ID, &record.Key, &record.Organization, &record.Datasource, &status,
		&pointers, &record.Error, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pointers, &record.Pointers); err != nil {
		return nil, err
	}
	record.Status = models.RunStatus(status)
	record.StartedAt = fromNullTime(startedAt)
	record.FinishedAt = fromNullTime(finishedAt)
	return &record, nil
}
