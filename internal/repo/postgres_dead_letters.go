package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

// DB is the subset of *pgxpool.Pool the archive needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	message_id    TEXT PRIMARY KEY,
	recipient     TEXT NOT NULL,
	body          TEXT NOT NULL,
	priority      TEXT NOT NULL,
	metadata      JSONB,
	retry_count   INT NOT NULL,
	last_error    TEXT,
	enqueued_at   TIMESTAMPTZ NOT NULL,
	dead_at       TIMESTAMPTZ NOT NULL,
	resolved_at   TIMESTAMPTZ,
	notes         TEXT
);
CREATE INDEX IF NOT EXISTS dead_letters_dead_at_idx ON dead_letters (dead_at DESC);
`

type PostgresDeadLetterRepo struct {
	db  DB
	now func() time.Time
}

func NewPostgresDeadLetterRepo(db DB) *PostgresDeadLetterRepo {
	return &PostgresDeadLetterRepo{db: db, now: time.Now}
}

func (r *PostgresDeadLetterRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create dead_letters schema: %w", err)
	}
	return nil
}

// Archive upserts dl. A message dead-lettered again after a manual requeue
// replaces the earlier row and is unresolved again.
func (r *PostgresDeadLetterRepo) Archive(ctx context.Context, dl model.DeadLetter) error {
	if dl.MessageID == "" {
		return errors.New("message id must not be empty")
	}

	var meta []byte
	if len(dl.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(dl.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO dead_letters
			(message_id, recipient, body, priority, metadata, retry_count, last_error, enqueued_at, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO UPDATE
		SET retry_count = EXCLUDED.retry_count,
		    last_error  = EXCLUDED.last_error,
		    dead_at     = EXCLUDED.dead_at,
		    resolved_at = NULL,
		    notes       = NULL
	`, dl.MessageID, dl.Recipient, dl.Body, string(dl.Priority), meta,
		dl.RetryCount, dl.LastError, dl.EnqueuedAt.UTC(), dl.DeadAt.UTC())
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", dl.MessageID, err)
	}
	return nil
}

func (r *PostgresDeadLetterRepo) List(ctx context.Context, limit, offset int, includeResolved bool) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT message_id, recipient, body, priority, metadata, retry_count,
		       last_error, enqueued_at, dead_at, resolved_at, notes
		FROM dead_letters
		WHERE $3 OR resolved_at IS NULL
		ORDER BY dead_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var (
			dl       model.DeadLetter
			priority string
			meta     []byte
			lastErr  *string
			notes    *string
		)
		if err := rows.Scan(
			&dl.MessageID,
			&dl.Recipient,
			&dl.Body,
			&priority,
			&meta,
			&dl.RetryCount,
			&lastErr,
			&dl.EnqueuedAt,
			&dl.DeadAt,
			&dl.ResolvedAt,
			&notes,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Priority = model.Priority(priority)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &dl.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", dl.MessageID, err)
			}
		}
		if lastErr != nil {
			dl.LastError = *lastErr
		}
		if notes != nil {
			dl.ArchiveNotes = *notes
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *PostgresDeadLetterRepo) MarkResolved(ctx context.Context, messageID, notes string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE dead_letters
		SET resolved_at = $2, notes = $3
		WHERE message_id = $1
	`, messageID, r.now().UTC(), notes)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
