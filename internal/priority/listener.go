package priority

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
)

// MeshMessage — формат сообщения канала директив.
type MeshMessage struct {
	BotID string `json:"bot_id"`
	Text  string `json:"text"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, botID, text string) (domain.TransitionResult, error)
}

// ListenDirectives — "живучая" подписка на канал директив режима приоритета.
// Переподключается при обрыве, пока не отменён ctx.
func ListenDirectives(ctx context.Context, rdb *redis.Client, channel string, proc MessageProcessor,
	timeout time.Duration, logger *zap.Logger) {
	logger = logger.Named("priority_listener").With(zap.String("chan", channel))

	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.Error(err))
			if !pause(ctx, 5*time.Second) {
				return
			}
			continue
		}
		logger.Info("subscribed to priority directives")

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				handleMessage(ctx, proc, msg.Payload, timeout, logger)
			}
		}

		pubsub.Close()
		if !pause(ctx, time.Second) {
			return
		}
	}
}

func handleMessage(ctx context.Context, proc MessageProcessor, payload string, timeout time.Duration, logger *zap.Logger) {
	var m MeshMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil || m.BotID == "" {
		logger.Error("invalid directive payload", zap.String("payload", payload))
		return
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := proc.ProcessMessage(ctx, m.BotID, m.Text)
	switch {
	case errors.Is(err, domain.ErrUnknownDirective):
		logger.Warn("unknown priority message type", zap.String("bot", m.BotID))
	case err != nil:
		logger.Error("priority directive failed", zap.String("bot", m.BotID), zap.Error(err))
	default:
		logger.Info("priority directive processed",
			zap.String("bot", m.BotID),
			zap.String("mode", string(res.Mode)),
			zap.Bool("deferred", res.Deferred))
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
