// Package recovery выполняет ремонт бота выбранным методом и оценивает результат.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/metrics"
	"github.com/xela07ax/botfleet/internal/provision"
	"github.com/xela07ax/botfleet/internal/remote"
)

type Registry interface {
	Bot(id string) (domain.BotInstance, bool)
	TryBeginRecovery(botID string) error
	EndRecovery(botID string)
	Priority(botID string) (domain.PriorityState, bool)
	SaveRecovery(rec *domain.Recovery)
	RecordHealth(botID string, sample domain.HealthSample) (domain.BotInstance, error)
}

// Prober — повторная проба после ремонта (health.Checker).
type Prober interface {
	Check(ctx context.Context, bot domain.BotInstance) domain.HealthSample
}

type Notifier interface {
	Notify(botID, message string)
}

type Config struct {
	RestartPause   time.Duration
	RestartSettle  time.Duration
	RebootSettle   time.Duration
	RedeploySettle time.Duration
	CommandTimeout time.Duration
	Timeout        time.Duration
}

type Controller struct {
	registry  Registry
	exec      remote.Executor
	provision provision.Backend
	prober    Prober
	alerts    Notifier
	journal   audit.Recorder
	cfg       Config
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// Ремонт живёт дольше HTTP-запроса: его обрывает только Timeout или Close
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(registry Registry, exec remote.Executor, backend provision.Backend, prober Prober,
	alerts Notifier, journal audit.Recorder, cfg Config, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if journal == nil {
		journal = audit.Nop{}
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	root, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry:  registry,
		exec:      exec,
		provision: backend,
		prober:    prober,
		alerts:    alerts,
		journal:   journal,
		cfg:       cfg,
		clock:     clock,
		metrics:   m,
		logger:    logger.Named("recovery"),
		root:      root,
		cancel:    cancel,
	}
}

// Close прерывает идущие восстановления и ждёт их завершения.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Recover синхронно выполняет восстановление. Ошибка возвращается только
// если восстановление не было начато; сбой самого ремонта — это исход
// failed в возвращаемой записи. ctx вызывающего проверяется только до
// старта: начатый ремонт не бросается на полпути из-за ушедшего клиента.
func (c *Controller) Recover(ctx context.Context, botID string, method domain.RecoveryMethod, trigger domain.RecoveryTrigger) (*domain.Recovery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.root.Err(); err != nil {
		return nil, fmt.Errorf("recovery controller closed: %w", err)
	}
	if _, ok := c.registry.Bot(botID); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRecoveryMethod, method)
	}
	if err := c.registry.TryBeginRecovery(botID); err != nil {
		return nil, err
	}
	// Блокировка снимается на любом выходе; снятие будит очередь режима приоритета
	defer c.registry.EndRecovery(botID)
	c.wg.Add(1)
	defer c.wg.Done()

	// Запись бота перечитываем под блокировкой: адрес мог смениться редеплоем
	bot, ok := c.registry.Bot(botID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}

	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(c.root, c.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(c.root)
	}
	defer cancel()

	rec := &domain.Recovery{
		ID:        uuid.NewString(),
		BotID:     botID,
		Method:    method,
		Trigger:   trigger,
		StartedAt: c.clock.Now(),
	}
	c.registry.SaveRecovery(rec)

	log := c.logger.With(
		zap.String("recovery_id", rec.ID),
		zap.String("bot_id", botID),
		zap.String("method", string(method)),
		zap.String("trigger", string(trigger)))
	log.Info("recovery started")

	settle, err := c.execute(ctx, bot, rec)
	if err != nil {
		c.fail(rec, err)
		log.Error("recovery failed", zap.Error(err))
		return rec.Clone(), nil
	}

	if err := sleepCtx(ctx, c.clock, settle); err != nil {
		c.fail(rec, fmt.Errorf("waiting for stabilization: %w", err))
		log.Error("recovery interrupted", zap.Error(err))
		return rec.Clone(), nil
	}

	sample := c.prober.Check(ctx, bot)
	if _, err := c.registry.RecordHealth(botID, sample); err != nil {
		log.Warn("failed to record post-recovery sample", zap.Error(err))
	}

	now := c.clock.Now()
	score := sample.Score
	rec.FinalHealthScore = &score
	rec.CompletedAt = &now
	rec.Steps = append(rec.Steps, domain.RecoveryStep{Step: "health_verified", Timestamp: now})

	if score > domain.HealthyCut {
		rec.Outcome = domain.RecoverySuccessful
		c.alerts.Notify(botID, fmt.Sprintf("✅ Emergency recovery successful for %s: %s", botID, method))
	} else {
		rec.Outcome = domain.RecoveryPartial
		c.alerts.Notify(botID, fmt.Sprintf("⚠️ Emergency recovery partial success for %s: %s (score: %d)", botID, method, score))
	}
	c.finish(rec)
	log.Info("recovery finished", zap.String("outcome", string(rec.Outcome)), zap.Int("score", score))
	return rec.Clone(), nil
}

// execute выполняет план метода и возвращает время стабилизации.
func (c *Controller) execute(ctx context.Context, bot domain.BotInstance, rec *domain.Recovery) (time.Duration, error) {
	switch rec.Method {
	case domain.RecoverRestart, domain.RecoverAutoRestart:
		return c.cfg.RestartSettle, c.runSteps(ctx, rec, []step{
			{"gateway_restart", c.command(bot, remote.CmdGatewayStop)},
			{"restart_pause", func(ctx context.Context) error { return sleepCtx(ctx, c.clock, c.cfg.RestartPause) }},
			{"gateway_start", c.command(bot, remote.CmdGatewayStart)},
			{"restart_completed", nil},
		})

	case domain.RecoverReboot:
		inst := provision.Instance{Handle: bot.InstanceHandle, Address: bot.Address}
		return c.cfg.RebootSettle, c.runSteps(ctx, rec, []step{
			{"instance_reboot", func(ctx context.Context) error { return c.provision.Reboot(ctx, inst) }},
			{"await_ready", func(ctx context.Context) error { return c.provision.AwaitReady(ctx, inst) }},
			{"reboot_completed", nil},
		})

	case domain.RecoverRedeploy:
		tpl, ok := domain.TemplateFor(bot.Type)
		if !ok {
			return 0, fmt.Errorf("unknown bot type %q", bot.Type)
		}
		// Режим приоритета переживает редеплой: шлюз получает текущий интервал
		if st, ok := c.registry.Priority(bot.ID); ok && st.Mode == domain.ModePriority && st.CurrentHeartbeat > 0 {
			tpl.Heartbeat = st.CurrentHeartbeat
		}
		patch, err := remote.ConfigPatch(RuntimePatch(tpl))
		if err != nil {
			return 0, err
		}
		return c.cfg.RedeploySettle, c.runSteps(ctx, rec, []step{
			{"full_redeploy", c.command(bot, remote.CmdGatewayStop)},
			{"sessions_cleared", c.command(bot, remote.CmdClearSessions)},
			{"gateway_start", c.command(bot, remote.CmdGatewayStart)},
			{"config_pushed", c.command(bot, patch)},
			{"redeploy_completed", nil},
		})
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownRecoveryMethod, rec.Method)
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// runSteps: шаг фиксируется в журнале восстановления перед выполнением,
// первая ошибка обрывает план.
func (c *Controller) runSteps(ctx context.Context, rec *domain.Recovery, steps []step) error {
	for _, s := range steps {
		rec.Steps = append(rec.Steps, domain.RecoveryStep{Step: s.name, Timestamp: c.clock.Now()})
		c.registry.SaveRecovery(rec)
		if s.run == nil {
			continue
		}
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (c *Controller) command(bot domain.BotInstance, cmd string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res, err := c.exec.Execute(ctx, bot.Address, cmd, c.cfg.CommandTimeout)
		if err != nil {
			return err
		}
		if !res.OK {
			return &CommandError{ExitCode: res.ExitCode, Output: res.Output}
		}
		return nil
	}
}

func (c *Controller) fail(rec *domain.Recovery, err error) {
	now := c.clock.Now()
	rec.Outcome = domain.RecoveryFailed
	rec.Error = err.Error()
	rec.FailedAt = &now
	c.alerts.Notify(rec.BotID, fmt.Sprintf("❌ Emergency recovery failed for %s: %s", rec.BotID, err.Error()))
	c.finish(rec)
}

func (c *Controller) finish(rec *domain.Recovery) {
	c.registry.SaveRecovery(rec)
	c.metrics.Recoveries.WithLabelValues(string(rec.Method), string(rec.Outcome)).Inc()

	details := map[string]any{"method": rec.Method, "trigger": rec.Trigger}
	if rec.FinalHealthScore != nil {
		details["final_health_score"] = *rec.FinalHealthScore
	}
	c.journal.Record(audit.Event{
		Kind:      audit.EventRecovery,
		BotID:     rec.BotID,
		RefID:     rec.ID,
		Status:    string(rec.Outcome),
		Message:   rec.Error,
		Details:   details,
		Timestamp: c.clock.Now(),
	})
}

// CommandError — удалённая команда завершилась с ненулевым кодом.
type CommandError struct {
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("remote command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("remote command exited with code %d: %s", e.ExitCode, e.Output)
}

// RuntimePatch — настройки шлюза из шаблона типа бота (без секретов).
func RuntimePatch(tpl domain.BotTemplate) map[string]any {
	return map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{
				"model":      map[string]any{"primary": tpl.Model},
				"heartbeat":  map[string]any{"intervalMs": tpl.Heartbeat.Milliseconds()},
				"compaction": map[string]any{"mode": tpl.Compaction},
			},
		},
		"watcher": map[string]any{"cooldown": tpl.Cooldown},
	}
}

func sleepCtx(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
