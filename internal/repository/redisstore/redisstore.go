// Package redisstore хранит снапшот оркестратора одним ключом в Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/fleet"
)

type Store struct {
	rdb *redis.Client
	key string
}

func New(rdb *redis.Client, key string) *Store {
	return &Store{rdb: rdb, key: key}
}

func (s *Store) Load(ctx context.Context) (*domain.Snapshot, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fleet.ErrNoSnapshot
		}
		return nil, fmt.Errorf("redisstore: get %s: %w", s.key, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("redisstore: decode: %w", err)
	}
	return &snap, nil
}

// Save заменяет документ целиком; SET атомарен.
func (s *Store) Save(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redisstore: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", s.key, err)
	}
	return nil
}
