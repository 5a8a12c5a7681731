package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/queue"
)

// Queue stores offline sales in PostgreSQL, for terminals that share a
// back-office database on the store network.
type Queue struct {
	db *sql.DB
}

var _ queue.Queue = (*Queue)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS offline_sales (
	seq BIGSERIAL PRIMARY KEY,
	temp_id TEXT NOT NULL UNIQUE,
	payload JSONB NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_attempt_at TIMESTAMPTZ
)`

func New(ctx context.Context, databaseURL string) (*Queue, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate offline_sales: %w", err)
	}

	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) Enqueue(ctx context.Context, sale domain.QueuedOfflineSale) error {
	if err := queue.Validate(sale); err != nil {
		return err
	}
	payload, err := json.Marshal(sale.Sale)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO offline_sales (temp_id, payload, captured_at, attempts, last_error, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (temp_id) DO NOTHING
	`, sale.TempID, payload, sale.CapturedAt.UTC(), sale.Attempts, sale.LastError, sale.LastAttemptAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return queue.ErrDuplicate
	}
	return nil
}

func (q *Queue) List(ctx context.Context) ([]domain.QueuedOfflineSale, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT temp_id, payload, captured_at, attempts, last_error, last_attempt_at
		FROM offline_sales
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.QueuedOfflineSale, 0, 16)
	for rows.Next() {
		var (
			item          domain.QueuedOfflineSale
			payload       []byte
			lastAttemptAt sql.NullTime
		)
		if err := rows.Scan(&item.TempID, &payload, &item.CapturedAt, &item.Attempts, &item.LastError, &lastAttemptAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &item.Sale); err != nil {
			return nil, fmt.Errorf("decode queued sale %s: %w", item.TempID, err)
		}
		item.CapturedAt = item.CapturedAt.UTC()
		if lastAttemptAt.Valid {
			at := lastAttemptAt.Time.UTC()
			item.LastAttemptAt = &at
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Remove(ctx context.Context, tempID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM offline_sales WHERE temp_id = $1`, tempID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q *Queue) MarkAttempt(ctx context.Context, tempID string, attemptErr string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE offline_sales
		SET attempts = attempts + 1, last_error = $2, last_attempt_at = $3
		WHERE temp_id = $1
	`, tempID, attemptErr, at.UTC())
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM offline_sales`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return queue.ErrNotFound
	}
	return nil
}
