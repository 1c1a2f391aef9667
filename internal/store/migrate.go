package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"actionserver/internal/fault"
	"actionserver/pkg/logging"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. A database written by a newer binary
// (recorded version above this binary's newest migration) refuses to open
// with fault.KindDbFromFuture.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	current, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	newest, err := newestMigrationVersion()
	if err != nil {
		return err
	}
	if current > newest {
		return fault.New(fault.KindDbFromFuture,
			"database schema version %d exceeds this binary's newest migration %d", current, newest)
	}
	if current == newest {
		return nil
	}

	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logging.Info("Store", "Migrated schema from version %d to %d", current, newest)
	return nil
}

// newestMigrationVersion parses the numeric prefixes of the embedded
// migration files so the from-future check needs no hardcoded constant.
func newestMigrationVersion() (int64, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	var newest int64
	for _, e := range entries {
		name := e.Name()
		prefix, _, found := strings.Cut(name, "_")
		if !found {
			continue
		}
		v, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("migration %s has a non-numeric version prefix", name)
		}
		if v > newest {
			newest = v
		}
	}
	if newest == 0 {
		return 0, fmt.Errorf("no embedded migrations found")
	}
	return newest, nil
}
