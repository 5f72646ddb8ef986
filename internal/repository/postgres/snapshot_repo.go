package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/fleet"
	"github.com/xela07ax/botfleet/internal/infra"
)

// snapshotID — документ состояния один на инсталляцию
const snapshotID = "orchestrator"

// NewPool открывает пул соединений и проверяет доступность базы.
func NewPool(ctx context.Context, cfg infra.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

type SnapshotRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

// Migrate создаёт таблицы, если их нет.
func (r *SnapshotRepo) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fleet_snapshots (
			id       TEXT PRIMARY KEY,
			document JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS fleet_events (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			bot_id     TEXT NOT NULL,
			ref_id     TEXT,
			status     TEXT,
			message    TEXT,
			details    JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS fleet_events_bot_idx ON fleet_events (bot_id, created_at DESC);`)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *SnapshotRepo) Load(ctx context.Context) (*domain.Snapshot, error) {
	var data []byte
	err := r.pool.QueryRow(ctx,
		`SELECT document FROM fleet_snapshots WHERE id = $1`, snapshotID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fleet.ErrNoSnapshot
		}
		return nil, fmt.Errorf("postgres: load snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("postgres: decode snapshot: %w", err)
	}
	return &snap, nil
}

func (r *SnapshotRepo) Save(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO fleet_snapshots (id, document, saved_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, saved_at = EXCLUDED.saved_at`,
		snapshotID, data)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}
