// Package priority управляет режимом приоритета ботов: ускоренный heartbeat
// на время срочной задачи с автоматическим возвратом в normal.
package priority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/metrics"
	"github.com/xela07ax/botfleet/internal/remote"
)

const (
	TriggerManual      = "manual"
	TriggerMesh        = "mesh-message"
	ReasonManual       = "manual"
	ReasonAutoCooldown = "auto-cooldown"

	DefaultTask = "Unspecified urgent task"
)

type Registry interface {
	Bot(id string) (domain.BotInstance, bool)
	Busy(botID string) bool
	TryBeginTransition(botID string) bool
	EndTransition(botID string)
	Priority(botID string) (domain.PriorityState, bool)
	SetPriority(p domain.PriorityState)
	PriorityStates() []domain.PriorityState
	OnIdle(fn func(botID string))
}

type Config struct {
	NormalHeartbeat   time.Duration // для типов без шаблона
	PriorityHeartbeat time.Duration
	MaxDuration       time.Duration
	RetryInterval     time.Duration // опрос отложенных переходов
	CommandTimeout    time.Duration
}

type Op string

const (
	OpActivate   Op = "activate"
	OpDeactivate Op = "deactivate"
)

// pendingOp — отложенный переход; на бота хранится только последний.
type pendingOp struct {
	kind    Op
	task    string
	trigger string
	reason  string
}

// revert — взведённый таймер автовозврата. gen отсекает срабатывание
// таймера, который уже был отменён.
type revert struct {
	timer clockwork.Timer
	gen   uint64
}

type Manager struct {
	registry Registry
	exec     remote.Executor
	journal  audit.Recorder
	cfg      Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	locks   map[string]*sync.Mutex // сериализация переходов одного бота
	pending map[string]pendingOp
	reverts map[string]*revert
	gen     uint64
}

func NewManager(registry Registry, exec remote.Executor, journal audit.Recorder, cfg Config,
	clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if journal == nil {
		journal = audit.Nop{}
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	root, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		registry: registry,
		exec:     exec,
		journal:  journal,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger.Named("priority"),
		root:     root,
		cancel:   cancel,
		locks:    make(map[string]*sync.Mutex),
		pending:  make(map[string]pendingOp),
		reverts:  make(map[string]*revert),
	}
	// Бот освободился — пробуем применить отложенный переход
	registry.OnIdle(func(botID string) {
		go mgr.drain(botID)
	})
	return mgr
}

// Activate включает режим приоритета. Если бот занят, переход откладывается.
func (m *Manager) Activate(ctx context.Context, botID, task, triggeredBy string) (domain.TransitionResult, error) {
	if _, ok := m.registry.Bot(botID); !ok {
		return domain.TransitionResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}
	if task == "" {
		task = DefaultTask
	}
	if triggeredBy == "" {
		triggeredBy = TriggerManual
	}

	release, ok := m.acquire(botID)
	if !ok {
		return m.enqueue(botID, pendingOp{kind: OpActivate, task: task, trigger: triggeredBy}), nil
	}
	defer release()
	m.clearPending(botID)
	return m.activateLocked(ctx, botID, task, triggeredBy)
}

// Deactivate возвращает бота в normal. Для бота в normal — no-op.
func (m *Manager) Deactivate(ctx context.Context, botID, reason string) (domain.TransitionResult, error) {
	if _, ok := m.registry.Bot(botID); !ok {
		return domain.TransitionResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}
	if reason == "" {
		reason = ReasonManual
	}

	release, ok := m.acquire(botID)
	if !ok {
		return m.enqueue(botID, pendingOp{kind: OpDeactivate, reason: reason}), nil
	}
	defer release()
	m.clearPending(botID)
	return m.deactivateLocked(ctx, botID, reason)
}

// Status — текущее состояние режима бота.
func (m *Manager) Status(botID string) (domain.PriorityStatus, error) {
	st, ok := m.registry.Priority(botID)
	if !ok {
		if _, known := m.registry.Bot(botID); !known {
			return domain.PriorityStatus{}, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
		}
		st = m.normalState(botID)
	}

	out := domain.PriorityStatus{PriorityState: st}
	if st.Mode == domain.ModePriority && st.ActivatedAt != nil {
		out.Elapsed = m.clock.Since(*st.ActivatedAt)
		out.Stale = out.Elapsed > m.cfg.MaxDuration
	}

	m.mu.Lock()
	if p, ok := m.pending[botID]; ok {
		out.Pending = string(p.kind)
	}
	m.mu.Unlock()
	return out, nil
}

// ProcessMessage разбирает директиву из текста сообщения и применяет её.
func (m *Manager) ProcessMessage(ctx context.Context, botID, text string) (domain.TransitionResult, error) {
	d, err := ParseDirective(text)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	m.logger.Info("priority directive received",
		zap.String("bot", botID),
		zap.String("op", string(d.Op)))

	if d.Op == OpActivate {
		return m.Activate(ctx, botID, d.Task, TriggerMesh)
	}
	return m.Deactivate(ctx, botID, TriggerMesh)
}

// Restore взводит таймеры автовозврата для ботов, сохранённых в priority.
// Просроченные возвращаются в normal сразу.
func (m *Manager) Restore(ctx context.Context) {
	for _, st := range m.registry.PriorityStates() {
		if st.Mode != domain.ModePriority {
			m.metrics.PriorityMode.WithLabelValues(st.BotID).Set(0)
			continue
		}
		m.metrics.PriorityMode.WithLabelValues(st.BotID).Set(1)

		var deadline time.Time
		switch {
		case st.RevertDeadline != nil:
			deadline = *st.RevertDeadline
		case st.ActivatedAt != nil:
			deadline = st.ActivatedAt.Add(m.cfg.MaxDuration)
		default:
			deadline = m.clock.Now()
		}

		remaining := deadline.Sub(m.clock.Now())
		if remaining > 0 {
			m.mu.Lock()
			m.armLocked(st.BotID, remaining)
			m.mu.Unlock()
			m.logger.Info("auto-revert restored", zap.String("bot", st.BotID), zap.Duration("remaining", remaining))
			continue
		}

		if _, err := m.Deactivate(ctx, st.BotID, ReasonAutoCooldown); err != nil {
			m.logger.Warn("overdue priority mode revert failed", zap.String("bot", st.BotID), zap.Error(err))
			m.enqueue(st.BotID, pendingOp{kind: OpDeactivate, reason: ReasonAutoCooldown})
		}
	}
}

// Run периодически повторяет отложенные переходы, пока не отменён ctx.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.RetryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.mu.Lock()
			ids := make([]string, 0, len(m.pending))
			for id := range m.pending {
				ids = append(ids, id)
			}
			m.mu.Unlock()

			for _, id := range ids {
				m.drain(id)
			}
		}
	}
}

// Close останавливает таймеры автовозврата. Состояние остаётся в реестре
// и восстанавливается через Restore.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.reverts {
		r.timer.Stop()
		delete(m.reverts, id)
	}
}

func (m *Manager) activateLocked(ctx context.Context, botID, task, trigger string) (domain.TransitionResult, error) {
	st, ok := m.registry.Priority(botID)
	if ok && st.Mode == domain.ModePriority {
		// Повторная активация: меняем задачу, таймер не перевзводим
		st.Task = task
		st.TriggeredBy = trigger
		m.registry.SetPriority(st)
		m.logger.Info("priority task updated", zap.String("bot", botID), zap.String("task", task))
		return domain.TransitionResult{Applied: true, Mode: domain.ModePriority}, nil
	}

	if err := m.pushHeartbeat(ctx, botID, m.cfg.PriorityHeartbeat); err != nil {
		return domain.TransitionResult{}, err
	}

	now := m.clock.Now()
	deadline := now.Add(m.cfg.MaxDuration)
	next := domain.PriorityState{
		BotID:            botID,
		Mode:             domain.ModePriority,
		Task:             task,
		TriggeredBy:      trigger,
		ActivatedAt:      &now,
		CurrentHeartbeat: m.cfg.PriorityHeartbeat,
		RevertDeadline:   &deadline,
	}
	if ok {
		next.DeactivatedAt = st.DeactivatedAt
		next.DeactivationReason = st.DeactivationReason
	}
	m.registry.SetPriority(next)

	m.mu.Lock()
	m.armLocked(botID, m.cfg.MaxDuration)
	m.mu.Unlock()

	m.metrics.PriorityMode.WithLabelValues(botID).Set(1)
	m.record(botID, "activated", task, map[string]any{"triggered_by": trigger})
	m.logger.Info("priority mode activated",
		zap.String("bot", botID),
		zap.String("task", task),
		zap.String("triggered_by", trigger),
		zap.Duration("heartbeat", m.cfg.PriorityHeartbeat))
	return domain.TransitionResult{Applied: true, Mode: domain.ModePriority}, nil
}

func (m *Manager) deactivateLocked(ctx context.Context, botID, reason string) (domain.TransitionResult, error) {
	st, ok := m.registry.Priority(botID)
	if !ok || st.Mode != domain.ModePriority {
		m.mu.Lock()
		m.disarmLocked(botID)
		m.mu.Unlock()
		return domain.TransitionResult{Mode: domain.ModeNormal}, nil
	}

	normal := m.normalHeartbeat(botID)
	if err := m.pushHeartbeat(ctx, botID, normal); err != nil {
		return domain.TransitionResult{}, err
	}

	m.mu.Lock()
	m.disarmLocked(botID)
	m.mu.Unlock()

	now := m.clock.Now()
	st.Mode = domain.ModeNormal
	st.DeactivatedAt = &now
	st.DeactivationReason = reason
	st.CurrentHeartbeat = normal
	st.RevertDeadline = nil
	m.registry.SetPriority(st)

	m.metrics.PriorityMode.WithLabelValues(botID).Set(0)
	m.record(botID, "deactivated", reason, map[string]any{"task": st.Task})
	m.logger.Info("priority mode deactivated",
		zap.String("bot", botID),
		zap.String("reason", reason),
		zap.Duration("heartbeat", normal))
	return domain.TransitionResult{Applied: true, Mode: domain.ModeNormal}, nil
}

// armLocked взводит одноразовый таймер автовозврата (m.mu захвачен).
func (m *Manager) armLocked(botID string, after time.Duration) {
	m.disarmLocked(botID)
	m.gen++
	gen := m.gen
	r := &revert{gen: gen}
	r.timer = m.clock.AfterFunc(after, func() { m.autoRevert(botID, gen) })
	m.reverts[botID] = r
}

func (m *Manager) disarmLocked(botID string) {
	if r, ok := m.reverts[botID]; ok {
		r.timer.Stop()
		delete(m.reverts, botID)
	}
}

func (m *Manager) autoRevert(botID string, gen uint64) {
	unlock := m.lockBot(botID)
	defer unlock()

	m.mu.Lock()
	r, ok := m.reverts[botID]
	current := ok && r.gen == gen
	m.mu.Unlock()
	if !current {
		return // таймер отменён ручной деактивацией
	}

	m.logger.Info("auto-cooldown timer fired", zap.String("bot", botID))
	if !m.registry.TryBeginTransition(botID) {
		m.enqueue(botID, pendingOp{kind: OpDeactivate, reason: ReasonAutoCooldown})
		return
	}
	defer m.registry.EndTransition(botID)
	if _, err := m.deactivateLocked(m.root, botID, ReasonAutoCooldown); err != nil {
		m.logger.Error("auto-cooldown failed, will retry", zap.String("bot", botID), zap.Error(err))
		m.enqueue(botID, pendingOp{kind: OpDeactivate, reason: ReasonAutoCooldown})
	}
}

// drain применяет отложенный переход, если бот свободен.
func (m *Manager) drain(botID string) {
	if m.root.Err() != nil || m.registry.Busy(botID) {
		return
	}

	unlock := m.lockBot(botID)
	defer unlock()

	m.mu.Lock()
	op, ok := m.pending[botID]
	m.mu.Unlock()
	if !ok || !m.registry.TryBeginTransition(botID) {
		return
	}
	defer m.registry.EndTransition(botID)

	var err error
	switch op.kind {
	case OpActivate:
		_, err = m.activateLocked(m.root, botID, op.task, op.trigger)
	case OpDeactivate:
		_, err = m.deactivateLocked(m.root, botID, op.reason)
	}
	if err != nil {
		m.logger.Warn("deferred priority transition failed, will retry",
			zap.String("bot", botID),
			zap.String("op", string(op.kind)),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	// Пока переход применялся, могли положить более новый
	if cur, ok := m.pending[botID]; ok && cur == op {
		delete(m.pending, botID)
		m.metrics.PriorityQueue.WithLabelValues(botID).Set(0)
	}
	m.mu.Unlock()
	m.logger.Info("deferred priority transition applied", zap.String("bot", botID), zap.String("op", string(op.kind)))
}

func (m *Manager) enqueue(botID string, op pendingOp) domain.TransitionResult {
	m.mu.Lock()
	m.pending[botID] = op
	m.mu.Unlock()

	m.metrics.PriorityQueue.WithLabelValues(botID).Set(1)
	m.record(botID, "deferred", string(op.kind), nil)
	m.logger.Warn("bot is busy, priority transition deferred",
		zap.String("bot", botID),
		zap.String("op", string(op.kind)))

	mode := domain.ModeNormal
	if st, ok := m.registry.Priority(botID); ok {
		mode = st.Mode
	}
	return domain.TransitionResult{Deferred: true, Mode: mode}
}

func (m *Manager) clearPending(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[botID]; ok {
		delete(m.pending, botID)
		m.metrics.PriorityQueue.WithLabelValues(botID).Set(0)
	}
}

// acquire сериализует переходы бота и ставит в реестре метку смены режима,
// чтобы восстановление и развёртывание не начались посреди перехода.
// ok=false — бот уже занят, метка не поставлена.
func (m *Manager) acquire(botID string) (release func(), ok bool) {
	unlock := m.lockBot(botID)
	if !m.registry.TryBeginTransition(botID) {
		unlock()
		return nil, false
	}
	return func() {
		m.registry.EndTransition(botID)
		unlock()
	}, true
}

func (m *Manager) lockBot(botID string) func() {
	m.mu.Lock()
	l, ok := m.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[botID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) pushHeartbeat(ctx context.Context, botID string, interval time.Duration) error {
	bot, ok := m.registry.Bot(botID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}
	res, err := m.exec.Execute(ctx, bot.Address, remote.HeartbeatPatch(interval), m.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("update heartbeat on %s: %w", botID, err)
	}
	if !res.OK {
		return fmt.Errorf("update heartbeat on %s: exit code %d: %s", botID, res.ExitCode, res.Output)
	}
	return nil
}

func (m *Manager) normalState(botID string) domain.PriorityState {
	return domain.PriorityState{
		BotID:            botID,
		Mode:             domain.ModeNormal,
		CurrentHeartbeat: m.normalHeartbeat(botID),
	}
}

// normalHeartbeat — интервал normal из шаблона типа бота.
func (m *Manager) normalHeartbeat(botID string) time.Duration {
	if bot, ok := m.registry.Bot(botID); ok {
		if tpl, ok := domain.TemplateFor(bot.Type); ok && tpl.Heartbeat > 0 {
			return tpl.Heartbeat
		}
	}
	return m.cfg.NormalHeartbeat
}

func (m *Manager) record(botID, status, message string, details map[string]any) {
	m.journal.Record(audit.Event{
		Kind:      audit.EventPriority,
		BotID:     botID,
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: m.clock.Now(),
	})
}
