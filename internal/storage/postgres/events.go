package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-orders/internal/outbox"
)

const (
	fetchPendingEventsSQL = `SELECT id, order_id, type, payload
		FROM order_events
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1`

	markEventsSentSQL = `UPDATE order_events SET sent_at = now() WHERE id = ANY($1)`
)

var _ outbox.Source = (*EventLog)(nil)

// EventLog exposes the order_events table to the outbox relay.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog returns an EventLog that uses the given pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// FetchPending returns up to limit unsent events, oldest first.
func (l *EventLog) FetchPending(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := l.pool.Query(ctx, fetchPendingEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching pending events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Message, error) {
		var m outbox.Message
		err := row.Scan(&m.Seq, &m.OrderID, &m.Type, &m.Payload)
		return m, err
	})
}

// MarkSent stamps the given events as delivered.
func (l *EventLog) MarkSent(ctx context.Context, seqs []int64) error {
	if _, err := l.pool.Exec(ctx, markEventsSentSQL, seqs); err != nil {
		return fmt.Errorf("marking events sent: %w", err)
	}
	return nil
}
