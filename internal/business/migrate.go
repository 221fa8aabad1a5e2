package business

import (
	"context"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/openkcm/smart-session/internal/config"
	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/registry/registrysql"
	migrations "github.com/openkcm/smart-session/sql"
)

// MigrateMain brings the registry schema up to date and applies the
// configured seed file, if any.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	if err := migrateSchema(ctx, cfg); err != nil {
		return err
	}

	if cfg.Registry.SeedFile == "" {
		return nil
	}

	db, err := newPgxPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	service := registry.NewService(registrysql.NewRepository(db), cfg.Registry.DefaultServer)
	if err := service.SeedFromFile(ctx, cfg.Registry.SeedFile); err != nil {
		return fmt.Errorf("seeding the server registry: %w", err)
	}

	slogctx.Info(ctx, "Seeded the server registry", "file", cfg.Registry.SeedFile)

	return nil
}

func migrateSchema(ctx context.Context, cfg *config.Config) error {
	dbSystemName := semconv.DBSystemNamePostgreSQL

	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return fmt.Errorf("making connection string from config: %w", err)
	}

	db, err := otelsql.Open("pgx", connStr, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return oops.In("main").Wrapf(err, "opening DB connection")
	}
	defer db.Close()

	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return fmt.Errorf("registering db stats metrics: %w", err)
	}

	defer func() {
		if err := reg.Unregister(); err != nil {
			slogctx.Error(ctx, "failed to unregister db stats metrics", "error", err)
		}
	}()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	var results []*goose.MigrationResult
	if target := cfg.Migrate.TargetVersion; target > 0 {
		results, err = provider.UpTo(ctx, target)
	} else {
		results, err = provider.Up(ctx)
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	for _, r := range results {
		slogctx.Info(ctx, "Applied migration",
			"version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}

	if len(results) == 0 {
		slogctx.Info(ctx, "Registry schema is up to date")
	}

	return nil
}
