package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/infra"
	"github.com/xela07ax/botfleet/internal/metrics"
)

// ReliableExecutor оборачивает Executor: Circuit Breaker на каждый хост
// и повтор транспортных ошибок. Ненулевой код выхода — не транспортная ошибка:
// не ретраится и не открывает предохранитель.
type ReliableExecutor struct {
	next    Executor
	cfg     infra.ExecutorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewReliableExecutor(next Executor, cfg infra.ExecutorConfig, m *metrics.Metrics, logger *zap.Logger) *ReliableExecutor {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &ReliableExecutor{
		next:     next,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.Named("executor"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (w *ReliableExecutor) breaker(host string) *gobreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	failures := w.cfg.CBFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh:" + host,
		MaxRequests: w.cfg.CBMaxRequests,
		Interval:    w.cfg.CBInterval,
		Timeout:     w.cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.metrics.CircuitBreakerState.WithLabelValues(host).Set(float64(to))
			w.logger.Warn("circuit breaker state changed",
				zap.String("host", host),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	w.breakers[host] = cb
	return cb
}

func (w *ReliableExecutor) Execute(ctx context.Context, address, command string, timeout time.Duration) (ExecResult, error) {
	var final ExecResult
	attempts := w.cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1 // 0 в retry-go — бесконечные попытки
	}

	_, err := w.breaker(address).Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(w.cfg.RetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				// Таймаут самой команды не повторяем: команда могла выполниться
				return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
			}),
		)
		return nil, r.Do(func() error {
			res, err := w.next.Execute(ctx, address, command, timeout)
			final = res
			return err
		})
	})
	if err != nil {
		return final, err
	}
	return final, nil
}
