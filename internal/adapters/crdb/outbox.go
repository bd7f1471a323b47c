package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/day-dedications/internal/domain"
)

const outboxAggregateType = "resource"

func (r *Repository) InsertOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6, $7)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, msg.ID, outboxAggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.DedupeKey, msg.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert outbox %s", msg.EventType)
	}
	return nil
}

// ClaimPending locks up to limit unpublished messages, oldest first. Call it
// inside WithTx; rows locked by another relay are skipped.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, aggregate_id, event_type, payload_json, status, dedupe_key, created_at, published_at
		FROM outbox WHERE status = 'NEW'
		ORDER BY created_at ASC LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxMessage, error) {
		var (
			msg    domain.OutboxMessage
			status string
		)
		err := row.Scan(&msg.ID, &msg.AggregateID, &msg.EventType, &msg.Payload, &status, &msg.DedupeKey, &msg.CreatedAt, &msg.PublishedAt)
		msg.Status = domain.OutboxStatus(status)
		return msg, err
	})
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	if err != nil {
		return errors.Wrap(err, "mark published")
	}
	return nil
}
