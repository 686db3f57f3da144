package sqlitebackend

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/joeycumines/logiface"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate applies all pending schema migrations.
func migrate(ctx context.Context, db *sql.DB, logger *logiface.Logger[logiface.Event]) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlitebackend: migrations sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("sqlitebackend: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlitebackend: migrate: %w", err)
	}

	for _, r := range results {
		logger.Info().
			Str("migration", r.Source.Path).
			Int64("duration_ms", r.Duration.Milliseconds()).
			Log("applied migration")
	}

	return nil
}
