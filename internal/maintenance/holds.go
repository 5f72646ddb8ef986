// Package maintenance — ручное удержание ботов: пока бот на обслуживании,
// монитор не запускает для него авто-восстановление.
package maintenance

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/infra"
)

type Holds struct {
	mu   sync.RWMutex
	held map[string]struct{}
	rdb  *redis.Client // nil — только локальное состояние

	logger *zap.Logger
}

func NewHolds(rdb *redis.Client, logger *zap.Logger) *Holds {
	return &Holds{
		held:   make(map[string]struct{}),
		rdb:    rdb,
		logger: logger.Named("maintenance"),
	}
}

// Init загружает текущие удержания при старте
func (h *Holds) Init(ctx context.Context) error {
	if h.rdb == nil {
		return nil
	}
	ids, err := h.rdb.SMembers(ctx, infra.RedisKeyMaintenanceSet).Result()
	if err != nil {
		return err
	}

	h.mu.Lock()
	for _, id := range ids {
		h.held[id] = struct{}{}
	}
	h.mu.Unlock()
	h.logger.Info("maintenance holds loaded", zap.Int("count", len(ids)))
	return nil
}

// Set включает/снимает удержание и рассылает сигнал остальным репликам.
func (h *Holds) Set(ctx context.Context, botID string, on bool) error {
	h.apply(botID, on)
	h.logger.Info("maintenance hold changed", zap.String("bot_id", botID), zap.Bool("held", on))
	if h.rdb == nil {
		return nil
	}

	_, err := h.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if on {
			p.SAdd(ctx, infra.RedisKeyMaintenanceSet, botID)
		} else {
			p.SRem(ctx, infra.RedisKeyMaintenanceSet, botID)
		}
		p.Publish(ctx, infra.RedisChanMaintenance, signal(botID, on))
		return nil
	})
	return err
}

func (h *Holds) IsHeld(botID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.held[botID]
	return ok
}

// List — отсортированный список ботов на обслуживании
func (h *Holds) List() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.held))
	for id := range h.held {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Listen применяет сигналы других реплик; переподписывается при обрыве.
func (h *Holds) Listen(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	for {
		pubsub := h.rdb.Subscribe(ctx, infra.RedisChanMaintenance)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("maintenance subscribe failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		err := h.consume(ctx, pubsub.Channel())
		_ = pubsub.Close()
		if err == nil || ctx.Err() != nil {
			return
		}
		h.logger.Warn("maintenance channel closed, resubscribing", zap.Error(err))
	}
}

var errChannelClosed = errors.New("pubsub channel closed")

func (h *Holds) consume(ctx context.Context, ch <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errChannelClosed
			}
			h.processSignal(msg.Payload)
		}
	}
}

func (h *Holds) processSignal(payload string) {
	if id, ok := strings.CutSuffix(payload, ":on"); ok && id != "" {
		h.apply(id, true)
		return
	}
	if id, ok := strings.CutSuffix(payload, ":off"); ok && id != "" {
		h.apply(id, false)
		return
	}
	h.logger.Warn("malformed maintenance signal", zap.String("payload", payload))
}

func (h *Holds) apply(botID string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		h.held[botID] = struct{}{}
	} else {
		delete(h.held, botID)
	}
}

func signal(botID string, on bool) string {
	if on {
		return botID + ":on"
	}
	return botID + ":off"
}
