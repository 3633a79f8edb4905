package queue

import (
	"context"
	"embed"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queueworks/jobq/pkg/pg"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the jobs-table schema for the postgres transport. It is an
// out-of-band operation for deploy tooling; the transport itself treats a
// missing table as a configuration error and never creates schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	return pg.Migrate(ctx, pool, cfg, migrationsFS, "migrations", log)
}
