package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskqueue-go/core/internal/core"
)

// PgxPool is the slice of *pgxpool.Pool this package needs, narrowed so
// tests can substitute a fake without standing up a real database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresPool opens a pgx pool over dsn with sane defaults, the same
// shape used elsewhere in the ecosystem for connection-pooled adapters.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Postgres is a Postgres-backed Store, exercised by deployments that
// already run a relational store for their business data and want the
// outbox row to commit in the same transaction as that effect.
//
// Expected schema:
//
//	CREATE TABLE task_outbox (
//	    id text PRIMARY KEY,
//	    sequence_number bigserial,
//	    message jsonb NOT NULL,
//	    status text NOT NULL,
//	    attempts int NOT NULL DEFAULT 0,
//	    last_error text NOT NULL DEFAULT '',
//	    created_at timestamptz NOT NULL,
//	    dispatched_at timestamptz
//	);
type Postgres struct {
	pool PgxPool
}

// NewPostgres creates a Postgres-backed Store over an existing pool.
func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Store(ctx context.Context, msg core.OutboxMessage) (core.OutboxMessage, error) {
	data, err := json.Marshal(msg.Message)
	if err != nil {
		return core.OutboxMessage{}, fmt.Errorf("outbox: marshal message: %w", err)
	}
	msg.Status = core.OutboxPending
	msg.CreatedAt = time.Now()

	const q = `
		INSERT INTO task_outbox (id, message, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, 0, '', $4)
		RETURNING sequence_number`
	row := p.pool.QueryRow(ctx, q, msg.ID, data, msg.Status, msg.CreatedAt)
	if err := row.Scan(&msg.SequenceNumber); err != nil {
		return core.OutboxMessage{}, fmt.Errorf("outbox: insert: %w", err)
	}
	return msg, nil
}

func (p *Postgres) GetPending(ctx context.Context, limit int) ([]core.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT id, message, status, attempts, last_error, created_at, dispatched_at, sequence_number
		FROM task_outbox
		WHERE status = $1
		ORDER BY sequence_number ASC
		LIMIT $2`
	rows, err := p.pool.Query(ctx, q, core.OutboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: get pending: %w", err)
	}
	defer rows.Close()

	var out []core.OutboxMessage
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanOutboxRow(rows pgx.Rows) (core.OutboxMessage, error) {
	var msg core.OutboxMessage
	var data []byte
	if err := rows.Scan(&msg.ID, &data, &msg.Status, &msg.Attempts, &msg.LastError,
		&msg.CreatedAt, &msg.DispatchedAt, &msg.SequenceNumber); err != nil {
		return core.OutboxMessage{}, fmt.Errorf("outbox: scan: %w", err)
	}
	if err := json.Unmarshal(data, &msg.Message); err != nil {
		return core.OutboxMessage{}, fmt.Errorf("outbox: unmarshal message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) MarkDispatched(ctx context.Context, id string) error {
	const q = `UPDATE task_outbox SET status = $2, dispatched_at = $3 WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, id, core.OutboxDispatched, time.Now())
	if err != nil {
		return fmt.Errorf("outbox: mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, id string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	const q = `
		UPDATE task_outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN $4 ELSE status END
		WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, id, lastError, core.MaxOutboxAttempts, core.OutboxFailed)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (p *Postgres) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	const q = `DELETE FROM task_outbox WHERE status = $1 AND dispatched_at < $2`
	tag, err := p.pool.Exec(ctx, q, core.OutboxDispatched, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresInbox is a Postgres-backed Inbox that honors an opaque
// transaction handle, so MarkProcessed can run inside the same
// transaction the caller used for its business effect.
type PostgresInbox struct {
	pool PgxPool
}

// NewPostgresInbox creates a Postgres-backed Inbox over an existing
// pool.
func NewPostgresInbox(pool PgxPool) *PostgresInbox {
	return &PostgresInbox{pool: pool}
}

func (ib *PostgresInbox) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	const q = `SELECT 1 FROM task_inbox WHERE message_id = $1`
	var exists int
	err := ib.pool.QueryRow(ctx, q, messageID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inbox: is processed: %w", err)
	}
	return true, nil
}

func (ib *PostgresInbox) MarkProcessed(ctx context.Context, messageID string, tx any) error {
	runner := ib.pool
	if txRunner, ok := tx.(PgxPool); ok {
		runner = txRunner
	}
	const q = `INSERT INTO task_inbox (message_id, processed_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := runner.Exec(ctx, q, messageID, time.Now())
	if err != nil {
		return fmt.Errorf("inbox: mark processed: %w", err)
	}
	return nil
}
