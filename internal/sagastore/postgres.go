package sagastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nathanyu/transfer-saga/internal/saga"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var dbTracer = otel.Tracer("postgres")

const schema = `
CREATE TABLE IF NOT EXISTS transfer_sagas (
	transfer_id            TEXT PRIMARY KEY,
	source_account_id      TEXT NOT NULL,
	destination_account_id TEXT NOT NULL,
	amount                 BIGINT NOT NULL,
	state                  TEXT NOT NULL,
	started_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	ended_at               TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transfer_sagas_live ON transfer_sagas (state) WHERE ended_at IS NULL;
`

// PostgresRepository keeps sagas in the transfer_sagas table. Ended sagas
// stay in the table with ended_at set and act as their own tombstone.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres opens a connection pool and checks it is reachable
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the saga table if it does not exist yet
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	ctx, span := startSpan(ctx, "postgres.ensure_schema", "CREATE")
	defer span.End()

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		failSpan(span, err)
		return fmt.Errorf("failed to create saga schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Load(ctx context.Context, transferID string) (*saga.Saga, error) {
	ctx, span := startSpan(ctx, "postgres.load_saga", "SELECT")
	span.SetAttributes(attribute.String("transfer_id", transferID))
	defer span.End()

	var s saga.Saga
	var endedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT transfer_id, source_account_id, destination_account_id, amount,
		       state, started_at, updated_at, ended_at
		FROM transfer_sagas
		WHERE transfer_id = $1
	`, transferID).Scan(
		&s.TransferID, &s.SourceAccountID, &s.DestinationAccountID, &s.Amount,
		&s.State, &s.StartedAt, &s.UpdatedAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("failed to load saga from postgres: %w", err)
	}
	if endedAt.Valid {
		return nil, saga.ErrSagaEnded
	}

	s.StartedAt = s.StartedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func (r *PostgresRepository) Save(ctx context.Context, s *saga.Saga) error {
	ctx, span := startSpan(ctx, "postgres.save_saga", "UPSERT")
	span.SetAttributes(attribute.String("transfer_id", s.TransferID), attribute.String("state", string(s.State)))
	defer span.End()

	// An ended row is never brought back to life.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfer_sagas
			(transfer_id, source_account_id, destination_account_id, amount, state, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transfer_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
		WHERE transfer_sagas.ended_at IS NULL
	`, s.TransferID, s.SourceAccountID, s.DestinationAccountID, s.Amount, string(s.State), s.StartedAt, s.UpdatedAt)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("failed to save saga to postgres: %w", err)
	}
	return nil
}

func (r *PostgresRepository) End(ctx context.Context, s *saga.Saga) error {
	ctx, span := startSpan(ctx, "postgres.end_saga", "UPSERT")
	span.SetAttributes(attribute.String("transfer_id", s.TransferID), attribute.String("state", string(s.State)))
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfer_sagas
			(transfer_id, source_account_id, destination_account_id, amount, state, started_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (transfer_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at,
			ended_at = EXCLUDED.ended_at
		WHERE transfer_sagas.ended_at IS NULL
	`, s.TransferID, s.SourceAccountID, s.DestinationAccountID, s.Amount, string(s.State), s.StartedAt, s.UpdatedAt)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("failed to end saga in postgres: %w", err)
	}
	return nil
}

// CountLive returns the number of sagas not yet ended
func (r *PostgresRepository) CountLive(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "postgres.count_live", "SELECT")
	defer span.End()

	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_sagas WHERE ended_at IS NULL`).Scan(&n); err != nil {
		failSpan(span, err)
		return 0, fmt.Errorf("failed to count live sagas: %w", err)
	}
	return n, nil
}

func startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	return dbTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", "transfer_sagas"),
		))
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
