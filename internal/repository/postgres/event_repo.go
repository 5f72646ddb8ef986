package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/botfleet/internal/audit"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице fleet_events
	const numFields = 8
	var placeholders strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		if i > 0 {
			placeholders.WriteByte(',')
		}
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)

		details, _ := json.Marshal(e.Details)
		vals = append(vals,
			e.ID, string(e.Kind), e.BotID, e.RefID, e.Status, e.Message, details, e.Timestamp,
		)
	}

	query := "INSERT INTO fleet_events (id, kind, bot_id, ref_id, status, message, details, created_at) VALUES " +
		placeholders.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: insert events: %w", err)
	}
	return nil
}

// RecentEvents — последние события по боту (или по всему флоту, если botID пуст).
func (r *EventRepo) RecentEvents(ctx context.Context, botID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, bot_id, COALESCE(ref_id, ''), COALESCE(status, ''), COALESCE(message, ''), details, created_at
		FROM fleet_events
		WHERE $1 = '' OR bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0, limit)
	for rows.Next() {
		var (
			e       audit.Event
			kind    string
			details []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.BotID, &e.RefID, &e.Status, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Kind = audit.EventKind(kind)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
