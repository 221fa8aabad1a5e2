package registrysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openkcm/smart-session/internal/registry"
	"github.com/openkcm/smart-session/internal/serviceerr"
)

const tracerName = "github.com/openkcm/smart-session/internal/registry/registrysql"

const selectColumns = `name, fhir_base_url, client_id, redirect_uri, default_scopes, audience, blocked`

type Repository struct {
	db *pgxpool.Pool
}

var _ = registry.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Get(ctx context.Context, name string) (registry.Server, error) {
	ctx, span := startSpan(ctx, "get_fhir_server_sql")
	defer span.End()

	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM fhir_servers WHERE name = $1;`, name)

	server, err := scanServer(row)
	if err != nil {
		if !errors.Is(err, serviceerr.ErrNotFound) {
			span.RecordError(err)
		}
		return registry.Server{}, err
	}

	return server, nil
}

func (r *Repository) List(ctx context.Context) ([]registry.Server, error) {
	ctx, span := startSpan(ctx, "list_fhir_servers_sql")
	defer span.End()

	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM fhir_servers ORDER BY name;`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("executing sql query: %w", err)
	}
	defer rows.Close()

	servers := make([]registry.Server, 0)
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return servers, nil
}

func (r *Repository) Create(ctx context.Context, server registry.Server) error {
	ctx, span := startSpan(ctx, "create_fhir_server_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// default_scopes is optional, so COALESCE turns a nil slice into an empty array
	_, err = tx.Exec(ctx,
		`INSERT INTO fhir_servers (name, fhir_base_url, client_id, redirect_uri, default_scopes, audience, blocked)
			 VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::text[]), $6, $7);`,
		server.Name, server.FHIRBaseURL, server.ClientID, server.RedirectURI, server.DefaultScopes, server.Audience, server.Blocked,
	)
	if err != nil {
		span.RecordError(err)
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into fhir_servers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (r *Repository) Update(ctx context.Context, server registry.Server) error {
	ctx, span := startSpan(ctx, "update_fhir_server_sql")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		`UPDATE fhir_servers
			 SET fhir_base_url = $1, client_id = $2, redirect_uri = $3, default_scopes = COALESCE($4, '{}'::text[]),
			     audience = $5, blocked = $6, updated_at = now()
			 WHERE name = $7;`,
		server.FHIRBaseURL, server.ClientID, server.RedirectURI, server.DefaultScopes, server.Audience, server.Blocked, server.Name,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating fhir_servers: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	ctx, span := startSpan(ctx, "delete_fhir_server_sql")
	defer span.End()

	ct, err := r.db.Exec(ctx, `DELETE FROM fhir_servers WHERE name = $1;`, name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("executing sql query: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name)
}

func scanServer(row pgx.Row) (registry.Server, error) {
	var server registry.Server

	err := row.Scan(
		&server.Name,
		&server.FHIRBaseURL,
		&server.ClientID,
		&server.RedirectURI,
		&server.DefaultScopes,
		&server.Audience,
		&server.Blocked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Server{}, serviceerr.ErrNotFound
		}
		return registry.Server{}, fmt.Errorf("scanning rows: %w", err)
	}

	return server, nil
}
