package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// outboxRepository stores notification intents written alongside transitions.
type outboxRepository struct {
	tx pgx.Tx
}

// Enqueue inserts one unsent message.
func (r *outboxRepository) Enqueue(ctx context.Context, m *repository.OutboxMessage) error {
	query := `
		INSERT INTO wf_outbox (subject, payload)
		VALUES ($1, $2)
		RETURNING id, created_at
	`

	if err := r.tx.QueryRow(ctx, query, m.Subject, []byte(m.Payload)).Scan(&m.ID, &m.CreatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue notification")
	}
	return nil
}

// ClaimUnsent locks up to limit unsent messages. Rows claimed by a concurrent
// relay are skipped.
func (r *outboxRepository) ClaimUnsent(ctx context.Context, limit int) ([]*repository.OutboxMessage, error) {
	query := `
		SELECT id, subject, payload, created_at, sent_at, attempts, last_error
		FROM wf_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim outbox messages")
	}
	defer rows.Close()

	var msgs []*repository.OutboxMessage
	for rows.Next() {
		m := &repository.OutboxMessage{}
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Subject, &payload, &m.CreatedAt, &m.SentAt, &m.Attempts, &m.LastError); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan outbox message")
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim outbox messages")
	}
	return msgs, nil
}

// MarkSent stamps a message as delivered.
func (r *outboxRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE wf_outbox
		SET sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1
	`
	if _, err := r.tx.Exec(ctx, query, id, at); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notification sent")
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (r *outboxRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE wf_outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`
	if _, err := r.tx.Exec(ctx, query, id, reason); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record notification failure")
	}
	return nil
}
