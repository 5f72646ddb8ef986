// Package alert доставляет операторские уведомления о состоянии флота.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const alertHeader = "🤖 *Bot Orchestrator Alert*"

// Notifier — один канал доставки. Вызов синхронный; асинхронность,
// лимиты и ретраи добавляет Dispatcher.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

type TelegramNotifier struct {
	client  *http.Client
	baseURL string
	token   string
	chatID  string
}

func NewTelegramNotifier(token, chatID string, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		client:  &http.Client{Timeout: timeout},
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	body := map[string]string{
		"chat_id":    n.chatID,
		"text":       alertHeader + "\n\n" + message,
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, n.client, fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token), nil, body)
}

type DiscordNotifier struct {
	client    *http.Client
	baseURL   string
	token     string
	channelID string
}

func NewDiscordNotifier(token, channelID string, timeout time.Duration) *DiscordNotifier {
	return &DiscordNotifier{
		client:    &http.Client{Timeout: timeout},
		baseURL:   "https://discord.com",
		token:     token,
		channelID: channelID,
	}
}

func (n *DiscordNotifier) Name() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, message string) error {
	// В Discord markdown жирный — двойные звёздочки
	content := strings.Replace(alertHeader, "*", "**", -1) + "\n\n" + message
	headers := map[string]string{"Authorization": "Bot " + n.token}
	url := fmt.Sprintf("%s/api/v10/channels/%s/messages", n.baseURL, n.channelID)
	return postJSON(ctx, n.client, url, headers, map[string]string{"content": content})
}

// LogNotifier — канал по умолчанию, когда мессенджеры не настроены.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alert")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	n.logger.Warn("ALERT", zap.String("message", message))
	return nil
}

// RedisNotifier публикует алерты в канал Pub/Sub для внешних подписчиков.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Name() string { return "redis" }

func (n *RedisNotifier) Notify(ctx context.Context, message string) error {
	payload, err := json.Marshal(map[string]any{
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, payload).Err()
}

// HTTPStatusError — канал ответил не 2xx.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
