// Package provision выделяет вычислительные инстансы под ботов.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Instance — выделенный инстанс: непрозрачный handle провайдера и адрес бота.
type Instance struct {
	Handle  string `json:"handle"`
	Address string `json:"address"`
}

type Backend interface {
	Provision(ctx context.Context, botName string, tpl domain.BotTemplate) (Instance, error)
	AwaitReady(ctx context.Context, inst Instance) error
	Reboot(ctx context.Context, inst Instance) error
	Release(ctx context.Context, inst Instance) error
}

var ErrPoolExhausted = errors.New("no free hosts in pool")

// waitForPort опрашивает TCP-порт до первого успешного соединения
// или до отмены контекста.
func waitForPort(ctx context.Context, address string, port int, interval time.Duration) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(0), // до дедлайна контекста
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		var d net.Dialer
		dctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		conn, err := d.DialContext(dctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return fmt.Errorf("wait for %s: %w", addr, err)
	}
	return nil
}
