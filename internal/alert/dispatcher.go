package alert

/*
Dispatcher — асинхронная доставка алертов по всем каналам.

Send никогда не блокирует и не возвращает ошибку вызывающему: сбой доставки
не должен влиять на мониторинг и восстановление. Очередь ограничена,
при переполнении алерт остаётся только в логе. Доставка ограничена
rate limiter'ом (защита от флуда в мессенджер), 4xx не ретраится.
Stop закрывает вход и дожидается отправки остатка очереди.
*/

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/botfleet/internal/metrics"
)

type Sender interface {
	Send(message string)
}

type DispatcherConfig struct {
	QueueSize     int
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
}

type Dispatcher struct {
	cfg       DispatcherConfig
	notifiers []Notifier
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ch     chan string
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewDispatcher(cfg DispatcherConfig, notifiers []Notifier, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}

	return &Dispatcher{
		cfg:       cfg,
		notifiers: notifiers,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   m,
		logger:    logger.With(zap.String("mod", "alerts")),
		ch:        make(chan string, cfg.QueueSize),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

func (d *Dispatcher) Stop() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	time.Sleep(10 * time.Millisecond)
	close(d.ch)
	d.wg.Wait()
	d.logger.Info("alert dispatcher stopped gracefully")
}

func (d *Dispatcher) Send(message string) {
	if d.closed.Load() {
		d.logger.Warn("alert dropped: dispatcher is stopping", zap.String("message", message))
		d.metrics.AlertsTotal.WithLabelValues("all", "dropped").Inc()
		return
	}
	select {
	case d.ch <- message:
	default:
		d.logger.Error("alert_queue_overflow", zap.String("message", message))
		d.metrics.AlertsTotal.WithLabelValues("all", "dropped").Inc()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.ch {
		// Лимит на сообщение, а не на канал: один алерт уходит во все каналы сразу
		_ = d.limiter.Wait(context.Background())
		for _, n := range d.notifiers {
			d.deliver(n, msg)
		}
	}
}

func (d *Dispatcher) deliver(n Notifier, msg string) {
	r := retry.New(
		retry.Context(context.Background()),
		retry.Attempts(d.cfg.RetryAttempts),
		retry.Delay(d.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var hErr *HTTPStatusError
			if errors.As(err, &hErr) {
				// 4xx (кроме 429) — ошибка конфигурации, повтор не поможет
				return hErr.StatusCode == 429 || hErr.StatusCode >= 500
			}
			return true
		}),
	)

	err := r.Do(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		defer cancel()
		return n.Notify(ctx, msg)
	})
	if err != nil {
		d.logger.Error("failed to deliver alert", zap.String("channel", n.Name()), zap.Error(err))
		d.metrics.AlertsTotal.WithLabelValues(n.Name(), "failed").Inc()
		return
	}
	d.metrics.AlertsTotal.WithLabelValues(n.Name(), "sent").Inc()
}
