package health

/*
Монитор здоровья: по таймеру прогоняет пробу по каждому боту из реестра.

Боты проверяются независимо и параллельно (errgroup с лимитом), сбой
или паника на одном боте не влияют на остальных. После цикла состояние
сохраняется (best effort).

Эскалация:
  - score < AlertBelow: один алерт на эпизод деградации; при возврате в healthy
    алерт закрывается и уходит сообщение о восстановлении;
  - score <= RecoverAtOrBelow и ConsecutiveFailures >= MinConsecutiveFailures:
    асинхронный auto-restart, если восстановление ещё не идёт.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/metrics"
)

type Registry interface {
	Bots() []domain.BotInstance
	RecordHealth(botID string, sample domain.HealthSample) (domain.BotInstance, error)
	SetAlertEpisode(botID, alertID string)
	RecoveryInFlight(botID string) bool
	Persist(ctx context.Context) error
}

type Recoverer interface {
	Recover(ctx context.Context, botID string, method domain.RecoveryMethod, trigger domain.RecoveryTrigger) (*domain.Recovery, error)
}

// HoldChecker — боты на ручном обслуживании (без авто-восстановления)
type HoldChecker interface {
	IsHeld(botID string) bool
}

type Alerter interface {
	Raise(botID, message string) string
	Resolve(alertID string)
	Notify(botID, message string)
}

type Policy struct {
	Interval               time.Duration
	InitialDelay           time.Duration
	AlertBelow             int
	RecoverAtOrBelow       int
	MinConsecutiveFailures int
	Concurrency            int
}

type Monitor struct {
	registry  Registry
	checker   *Checker
	recoverer Recoverer
	alerts    Alerter
	holds     HoldChecker
	policy    Policy
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// Фоновые авто-восстановления (ждём их при остановке)
	inflight sync.WaitGroup
}

func NewMonitor(registry Registry, checker *Checker, recoverer Recoverer, alerts Alerter, policy Policy,
	clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if policy.Concurrency <= 0 {
		policy.Concurrency = 8
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Monitor{
		registry:  registry,
		checker:   checker,
		recoverer: recoverer,
		alerts:    alerts,
		policy:    policy,
		clock:     clock,
		metrics:   m,
		logger:    logger.Named("monitor"),
	}
}

// SetHolds подключает проверку удержаний; до вызова удержаний нет.
func (m *Monitor) SetHolds(h HoldChecker) {
	m.holds = h
}

// Run — управляющий цикл: первая проверка после InitialDelay, затем каждые Interval.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.policy.Interval),
		zap.Duration("initial_delay", m.policy.InitialDelay))

	select {
	case <-ctx.Done():
		return
	case <-m.clock.After(m.policy.InitialDelay):
	}
	m.RunHealthCycle(ctx)

	ticker := m.clock.NewTicker(m.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.Chan():
			m.RunHealthCycle(ctx)
		}
	}
}

// RunHealthCycle проверяет всех ботов один раз.
func (m *Monitor) RunHealthCycle(ctx context.Context) {
	started := time.Now()
	bots := m.registry.Bots()

	var g errgroup.Group
	g.SetLimit(m.policy.Concurrency)
	for _, bot := range bots {
		bot := bot
		g.Go(func() error {
			m.checkBot(ctx, bot)
			return nil // ошибки одного бота не отменяют цикл
		})
	}
	_ = g.Wait()

	m.metrics.HealthCycleDuration.Observe(time.Since(started).Seconds())

	if err := m.registry.Persist(ctx); err != nil {
		m.logger.Warn("state persist after health cycle failed", zap.Error(err))
	}
	m.logger.Debug("health cycle finished", zap.Int("bots", len(bots)))
}

func (m *Monitor) checkBot(ctx context.Context, bot domain.BotInstance) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked", zap.String("bot_id", bot.ID), zap.Any("panic", r))
		}
	}()

	sample := m.checker.Check(ctx, bot)
	updated, err := m.registry.RecordHealth(bot.ID, sample)
	if err != nil {
		// Бот мог быть заменён/удалён между чтением списка и записью
		m.logger.Warn("failed to record health sample", zap.String("bot_id", bot.ID), zap.Error(err))
		return
	}

	m.logger.Debug("bot health",
		zap.String("bot_id", bot.ID),
		zap.Int("score", sample.Score),
		zap.String("status", string(sample.Status)),
		zap.Int("consecutive_failures", updated.ConsecutiveFailures))

	m.escalate(ctx, updated, sample)
}

func (m *Monitor) escalate(ctx context.Context, bot domain.BotInstance, sample domain.HealthSample) {
	switch {
	case sample.Score < m.policy.AlertBelow && bot.AlertEpisode == "":
		id := m.alerts.Raise(bot.ID, fmt.Sprintf("⚠️ Bot %s health degraded: %d/100 (%s)", bot.ID, sample.Score, sample.Status))
		m.registry.SetAlertEpisode(bot.ID, id)
	case sample.Status == domain.HealthHealthy && bot.AlertEpisode != "":
		m.alerts.Resolve(bot.AlertEpisode)
		m.registry.SetAlertEpisode(bot.ID, "")
		m.alerts.Notify(bot.ID, fmt.Sprintf("✅ Bot %s recovered: %d/100", bot.ID, sample.Score))
	}

	if sample.Score > m.policy.RecoverAtOrBelow || bot.ConsecutiveFailures < m.policy.MinConsecutiveFailures {
		return
	}
	if m.recoverer == nil || m.registry.RecoveryInFlight(bot.ID) {
		return
	}
	if m.holds != nil && m.holds.IsHeld(bot.ID) {
		m.logger.Debug("auto-recovery suppressed by maintenance hold", zap.String("bot_id", bot.ID))
		return
	}

	m.logger.Warn("triggering auto-recovery",
		zap.String("bot_id", bot.ID),
		zap.Int("score", sample.Score),
		zap.Int("consecutive_failures", bot.ConsecutiveFailures))

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		_, err := m.recoverer.Recover(ctx, bot.ID, domain.RecoverAutoRestart, domain.TriggerAuto)
		// бот занят другой операцией — повторим на следующем цикле
		if err != nil && !errors.Is(err, domain.ErrRecoveryInProgress) && !errors.Is(err, domain.ErrTransitionInProgress) {
			m.logger.Error("auto-recovery failed to start", zap.String("bot_id", bot.ID), zap.Error(err))
		}
	}()
}

// Wait дожидается запущенных авто-восстановлений.
func (m *Monitor) Wait() {
	m.inflight.Wait()
}
