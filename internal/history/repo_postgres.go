package history

import (
	"context"
	"database/sql"
	"time"

	"callcore/internal/signaling"
	"callcore/pkg/utils"
)

// PostgresRepo stores records in the append-only call_history table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
  id               UUID PRIMARY KEY,
  session_id       TEXT NOT NULL,
  caller_id        TEXT NOT NULL,
  receiver_id      TEXT NOT NULL,
  call_type        TEXT NOT NULL,
  outcome          TEXT NOT NULL,
  duration_seconds INT NULL,
  recorded_by      TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL
)`

const schemaIndex = `
CREATE INDEX IF NOT EXISTS call_history_recorded_by_created_at
  ON call_history (recorded_by, created_at DESC)`

// EnsureSchema creates the table and its index if missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, schemaIndex)
		return err
	})
}

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO call_history (
  id, session_id, caller_id, receiver_id, call_type, outcome, duration_seconds, recorded_by, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	var duration sql.NullInt64
	if rec.DurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*rec.DurationSeconds), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.CallerID,
		rec.ReceiverID,
		string(rec.CallType),
		string(rec.Outcome),
		duration,
		rec.RecordedBy,
		rec.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListForUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]Record, error) {
	const q = `
SELECT id, session_id, caller_id, receiver_id, call_type, outcome, duration_seconds, recorded_by, created_at
FROM call_history
WHERE recorded_by = $1
  AND (caller_id = $1 OR receiver_id = $1)
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
ORDER BY created_at DESC
LIMIT $4
`
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, q, userID, nullTime(from), nullTime(to), lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec      Record
			callType string
			outcome  string
			duration sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.CallerID,
			&rec.ReceiverID,
			&callType,
			&outcome,
			&duration,
			&rec.RecordedBy,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.CallType = signaling.CallType(callType)
		rec.Outcome = Outcome(outcome)
		if duration.Valid {
			d := int(duration.Int64)
			rec.DurationSeconds = &d
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
