package postgres

import (
	"context"
	"embed"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsTable = "exprunner_schema_migrations"

// Migrate applies every pending up migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	m, closeFn, err := newMigrator(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, errors.CodeInternal, "failed to read migration version")
	}
	if dirty {
		return errors.Newf(errors.CodeInternal, "migration %d is dirty, fix it before proceeding", version)
	}

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, errors.CodeInternal, "migration failed")
	}

	latest, _ := LatestVersion()
	logger.Info().
		Uint("from_version", version).
		Uint("to_version", latest).
		Msg("Database migrated")
	return nil
}

// Version returns the applied migration version and whether it is dirty.
func Version(ctx context.Context, pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrator(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, errors.CodeInternal, "failed to read migration version")
	}
	return version, dirty, nil
}

func newMigrator(pool *pgxpool.Pool) (*migrate.Migrate, func(), error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeInternal, "failed to open migration source")
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, errors.Wrap(err, errors.CodeConnectionFailed, "failed to create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		_ = sqlDB.Close()
		return nil, nil, errors.Wrap(err, errors.CodeInternal, "failed to create migrator")
	}
	// Closing sqlDB leaves the pool open.
	return m, func() {
		_, _ = m.Close()
		_ = sqlDB.Close()
	}, nil
}

// LatestVersion returns the highest embedded migration version.
func LatestVersion() (uint, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to read migrations")
	}

	var latest uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	return latest, nil
}
