package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// WebhookEvent is one received webhook delivery as persisted. Payload
// and Headers are stored verbatim as JSON; Processed starts false and
// is only ever flipped by the downstream async processor, never here.
type WebhookEvent struct {
	EventID        string
	DedupKey       string
	Source         string
	EventType      string
	Payload        json.RawMessage
	Headers        json.RawMessage
	SignatureValid bool
	ReceivedAt     time.Time
}

// InsertWebhookEvent persists one delivery. The dedup key makes the
// insert idempotent: a retried delivery hits the unique constraint,
// inserts nothing, and the existing event id is returned with
// duplicate=true. An existing record is never overwritten.
func (d *DB) InsertWebhookEvent(ctx context.Context, ev WebhookEvent) (string, bool, error) {
	if d == nil || d.conn == nil {
		return "", false, errors.New("db required")
	}
	dedupKey := strings.TrimSpace(ev.DedupKey)
	if dedupKey == "" {
		return "", false, errors.New("dedup key required")
	}
	eventID := ev.EventID
	if eventID == "" {
		eventID = newID("evt")
	}
	if ev.Source == "" {
		ev.Source = "unknown"
	}
	if ev.EventType == "" {
		ev.EventType = "unknown"
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	if len(ev.Headers) == 0 {
		ev.Headers = json.RawMessage(`{}`)
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO webhook_events(event_id, dedup_key, source, event_type, payload, headers, signature_valid, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
		ON CONFLICT (dedup_key) DO NOTHING
	`, eventID, dedupKey, ev.Source, ev.EventType, []byte(ev.Payload), []byte(ev.Headers), ev.SignatureValid, receivedAt)
	if err != nil {
		return "", false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var existing string
		row := d.conn.QueryRowContext(ctx, `
			SELECT event_id FROM webhook_events WHERE dedup_key=$1
		`, dedupKey)
		if err := row.Scan(&existing); err == nil && existing != "" {
			return existing, true, nil
		}
		// Conflict raced with a delete; the delivery is still recorded
		// under the id we just tried, or gone entirely. Report ours.
		return eventID, true, nil
	}
	return eventID, false, nil
}

// GetWebhookEvent returns one event as JSON, or nil when not found.
func (d *DB) GetWebhookEvent(ctx context.Context, eventID string) ([]byte, error) {
	if d == nil || d.conn == nil {
		return nil, errors.New("db required")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT jsonb_build_object(
			'event_id', event_id,
			'source', source,
			'event_type', event_type,
			'payload', payload,
			'headers', headers,
			'signature_valid', signature_valid,
			'processed', processed,
			'received_at', received_at
		) FROM webhook_events WHERE event_id=$1
	`, eventID)
	var out []byte
	if err := row.Scan(&out); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ListWebhookEvents returns a JSON array of events ordered newest
// first, plus the total count for pagination.
func (d *DB) ListWebhookEvents(ctx context.Context, limit, offset int) ([]byte, int, error) {
	if d == nil || d.conn == nil {
		return nil, 0, errors.New("db required")
	}
	limit, offset = clampPagination(limit, offset)
	var total int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events`).Scan(&total); err != nil {
		return nil, 0, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(item), '[]'::jsonb) FROM (
			SELECT jsonb_build_object(
				'event_id', event_id,
				'source', source,
				'event_type', event_type,
				'signature_valid', signature_valid,
				'processed', processed,
				'received_at', received_at
			) AS item
			FROM webhook_events
			ORDER BY received_at DESC
			LIMIT $1 OFFSET $2
		) sub
	`, limit, offset)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// DeleteProcessedBefore removes processed events older than cutoff and
// returns how many rows went away. Unprocessed events are never swept.
func (d *DB) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if d == nil || d.conn == nil {
		return 0, errors.New("db required")
	}
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM webhook_events WHERE processed AND received_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
