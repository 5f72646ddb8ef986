package fleet

/*
Реестр флота — единственный источник правды: боты, развёртывания, история
здоровья, восстановления, алерты и состояние режима приоритета.

Жизненный цикл: NewRegistry -> Load -> мутации только через API реестра ->
RunPersister (периодическое сохранение) -> Flush при остановке.

Все read-modify-write последовательности выполняются под одним мьютексом,
наружу отдаются только копии. Сохранение best-effort: при сбое ошибка
логируется, память не трогается, следующая попытка — на следующем тике.
Окно потери данных при падении процесса = время с последнего успешного Save.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/metrics"
)

const maxRecoveries = 200

type Registry struct {
	mu    sync.RWMutex
	state *domain.Snapshot

	// Ключевые блокировки: имя бота -> ID активного развёртывания, ID бота в
	// восстановлении, ID бота со сменой режима приоритета
	activeDeploys map[string]string
	recovering    map[string]struct{}
	transitioning map[string]struct{}
	idleHooks     []func(botID string)

	persistMu sync.Mutex
	store     Store
	clock     clockwork.Clock
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewRegistry(store Store, clock clockwork.Clock, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Registry{
		state:         domain.NewSnapshot(),
		activeDeploys: make(map[string]string),
		recovering:    make(map[string]struct{}),
		transitioning: make(map[string]struct{}),
		store:         store,
		clock:         clock,
		retention:     retention,
		metrics:       m,
		logger:        logger.Named("registry"),
	}
}

// Load поднимает снапшот из хранилища. Отсутствующий или битый документ —
// не ошибка: стартуем с пустого состояния.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			r.logger.Info("no previous state found, starting fresh")
		} else {
			r.logger.Warn("previous state unreadable, starting fresh", zap.Error(err))
		}
		return nil
	}
	normalize(snap)

	// Развёртывания, прерванные падением процесса, уже никогда не завершатся
	now := r.clock.Now()
	for _, d := range snap.Deployments {
		if !d.State.Terminal() {
			d.State = domain.DeployFailed
			d.Error = "orchestrator restarted during deployment"
			d.FailedAt = &now
		}
	}

	// Восстанавливаем реестр из завершённых развёртываний, если ботов в документе нет
	for _, d := range snap.Deployments {
		if d.State != domain.DeployCompleted || d.Address == "" {
			continue
		}
		if _, ok := snap.Bots[d.BotName]; ok {
			continue
		}
		deployedAt := d.StartedAt
		if d.CompletedAt != nil {
			deployedAt = *d.CompletedAt
		}
		snap.Bots[d.BotName] = &domain.BotInstance{
			ID:             d.BotName,
			Type:           d.BotType,
			Address:        d.Address,
			InstanceHandle: d.InstanceHandle,
			Environment:    d.Environment,
			DeployedAt:     deployedAt,
		}
	}

	// До первой проверки статус неизвестен
	for _, b := range snap.Bots {
		b.Status = domain.BotOffline
		b.HealthScore = 0
	}

	r.mu.Lock()
	r.state = snap
	r.mu.Unlock()

	r.logger.Info("orchestrator state loaded",
		zap.Int("bots", len(snap.Bots)),
		zap.Int("deployments", len(snap.Deployments)))
	return nil
}

// Persist сохраняет глубокую копию состояния. Копия снимается под RLock,
// запись в хранилище идёт вне блокировки реестра.
func (r *Registry) Persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	now := r.clock.Now()
	snap, err := r.copyState()
	if err != nil {
		return &domain.StatePersistenceError{Op: "snapshot", Err: err}
	}
	snap.LastSync = &now

	if err := r.store.Save(ctx, snap); err != nil {
		r.metrics.PersistFailures.Inc()
		r.logger.Error("failed to save state", zap.Error(err))
		return &domain.StatePersistenceError{Op: "save", Err: err}
	}

	r.mu.Lock()
	r.state.LastSync = &now
	r.mu.Unlock()
	r.metrics.LastPersistUnix.Set(float64(now.Unix()))
	return nil
}

// RunPersister — периодическое сохранение до отмены контекста.
func (r *Registry) RunPersister(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = r.Persist(ctx) // ошибка уже залогирована, повтор на следующем тике
		}
	}
}

// Flush — финальное сохранение при остановке.
func (r *Registry) Flush(ctx context.Context) error {
	return r.Persist(ctx)
}

func (r *Registry) copyState() (*domain.Snapshot, error) {
	r.mu.RLock()
	data, err := json.Marshal(r.state)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	normalize(&snap)
	return &snap, nil
}

// Snapshot — копия всего состояния (для dashboard).
func (r *Registry) Snapshot() (*domain.Snapshot, error) {
	return r.copyState()
}

func normalize(s *domain.Snapshot) {
	if s.Bots == nil {
		s.Bots = make(map[string]*domain.BotInstance)
	}
	if s.Deployments == nil {
		s.Deployments = make(map[string]*domain.Deployment)
	}
	if s.HealthHistory == nil {
		s.HealthHistory = make(map[string][]domain.HealthSample)
	}
	if s.Alerts == nil {
		s.Alerts = make(map[string]*domain.Alert)
	}
	if s.Recoveries == nil {
		s.Recoveries = make(map[string]*domain.Recovery)
	}
	if s.Priority == nil {
		s.Priority = make(map[string]*domain.PriorityState)
	}
}

// --- Боты ---

func (r *Registry) Bot(id string) (domain.BotInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.state.Bots[id]
	if !ok {
		return domain.BotInstance{}, false
	}
	return *b, true
}

// Bots возвращает копии всех ботов, отсортированные по ID.
func (r *Registry) Bots() []domain.BotInstance {
	r.mu.RLock()
	out := make([]domain.BotInstance, 0, len(r.state.Bots))
	for _, b := range r.state.Bots {
		out = append(out, *b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterBot добавляет или заменяет запись бота (вне пайплайна развёртывания:
// статический флот, тесты).
func (r *Registry) RegisterBot(bot domain.BotInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := bot
	r.state.Bots[bot.ID] = &b
}

// RecordHealth — атомарно: вставка сэмпла по времени, обрезка окна хранения,
// пересчёт ConsecutiveFailures и производных полей бота.
func (r *Registry) RecordHealth(botID string, sample domain.HealthSample) (domain.BotInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.state.Bots[botID]
	if !ok {
		return domain.BotInstance{}, fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}

	sample.BotID = botID
	cutoff := r.clock.Now().Add(-r.retention)
	history := r.state.HealthHistory[botID]

	kept := history[:0]
	for _, h := range history {
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	// Строгий порядок по времени даже при конкурентной записи (цикл + ре-проба восстановления)
	idx := sort.Search(len(kept), func(i int) bool { return kept[i].Timestamp.After(sample.Timestamp) })
	kept = append(kept, domain.HealthSample{})
	copy(kept[idx+1:], kept[idx:])
	kept[idx] = sample
	r.state.HealthHistory[botID] = kept

	latest := kept[len(kept)-1]
	bot.HealthScore = latest.Score
	bot.Status = domain.BotStatusFor(latest.Status)
	bot.LastHealthCheck = latest.Timestamp
	bot.ConsecutiveFailures = domain.ConsecutiveFailures(kept)

	r.metrics.BotHealthScore.WithLabelValues(botID).Set(float64(bot.HealthScore))
	return *bot, nil
}

func (r *Registry) HealthHistory(botID string) []domain.HealthSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.HealthSample(nil), r.state.HealthHistory[botID]...)
}

// SetAlertEpisode фиксирует открытый алерт деградации ("" — эпизод закрыт).
func (r *Registry) SetAlertEpisode(botID, alertID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.state.Bots[botID]; ok {
		b.AlertEpisode = alertID
	}
}

// --- Развёртывания ---

// BeginDeployment регистрирует развёртывание в состоянии starting.
// На одно имя бота — не более одного нетерминального развёртывания.
func (r *Registry) BeginDeployment(d *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if activeID, busy := r.activeDeploys[d.BotName]; busy {
		return fmt.Errorf("%w: %s (%s)", domain.ErrDeploymentInProgress, d.BotName, activeID)
	}
	if _, busy := r.transitioning[d.BotName]; busy {
		return fmt.Errorf("%w: %s", domain.ErrTransitionInProgress, d.BotName)
	}
	d.State = domain.DeployStarting
	r.state.Deployments[d.ID] = d.Clone()
	r.activeDeploys[d.BotName] = d.ID
	return nil
}

func (r *Registry) Deployment(id string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.state.Deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeploymentNotFound, id)
	}
	return d.Clone(), nil
}

func (r *Registry) AppendDeploymentStep(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.state.Deployments[id]; ok {
		d.Steps = append(d.Steps, domain.Step{Timestamp: r.clock.Now(), Message: message})
	}
}

// AdvanceDeployment переводит развёртывание по цепочке состояний.
func (r *Registry) AdvanceDeployment(id string, to domain.DeploymentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.state.Deployments[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeploymentNotFound, id)
	}
	if to.Terminal() || !d.State.CanTransition(to) {
		return fmt.Errorf("deployment %s: illegal transition %s -> %s", id, d.State, to)
	}
	d.State = to
	return nil
}

// SetDeploymentInstance запоминает handle и адрес выделенного инстанса.
func (r *Registry) SetDeploymentInstance(id, handle, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.state.Deployments[id]; ok {
		d.InstanceHandle = handle
		d.Address = address
	}
}

// CompleteDeployment: testing -> completed и регистрация бота одной транзакцией.
func (r *Registry) CompleteDeployment(id string, bot domain.BotInstance, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.state.Deployments[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeploymentNotFound, id)
	}
	if !d.State.CanTransition(domain.DeployCompleted) {
		return fmt.Errorf("deployment %s: cannot complete from %s", id, d.State)
	}

	now := r.clock.Now()
	d.State = domain.DeployCompleted
	d.CompletedAt = &now
	d.Steps = append(d.Steps, domain.Step{Timestamp: now, Message: message})

	bot.DeployedAt = now
	b := bot
	r.state.Bots[bot.ID] = &b
	delete(r.state.HealthHistory, bot.ID) // новая инкарнация — новая история
	delete(r.state.Priority, bot.ID)      // и конфиг шлюза из шаблона, т.е. normal
	delete(r.activeDeploys, d.BotName)
	return nil
}

// FailDeployment переводит любое нетерминальное развёртывание в failed.
func (r *Registry) FailDeployment(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.state.Deployments[id]
	if !ok || d.State.Terminal() {
		return
	}
	now := r.clock.Now()
	d.State = domain.DeployFailed
	d.Error = cause.Error()
	d.FailedAt = &now
	d.Steps = append(d.Steps, domain.Step{Timestamp: now, Message: "Deployment failed: " + cause.Error()})
	delete(r.activeDeploys, d.BotName)
}

// --- Восстановления ---

// OnIdle регистрирует обработчик, вызываемый после снятия блокировки восстановления.
func (r *Registry) OnIdle(fn func(botID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleHooks = append(r.idleHooks, fn)
}

// TryBeginRecovery захватывает per-bot блокировку восстановления.
func (r *Registry) TryBeginRecovery(botID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.Bots[botID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBot, botID)
	}
	if _, busy := r.recovering[botID]; busy {
		return fmt.Errorf("%w: %s", domain.ErrRecoveryInProgress, botID)
	}
	if _, busy := r.transitioning[botID]; busy {
		return fmt.Errorf("%w: %s", domain.ErrTransitionInProgress, botID)
	}
	r.recovering[botID] = struct{}{}
	return nil
}

// EndRecovery снимает блокировку и уведомляет подписчиков (вне мьютекса).
func (r *Registry) EndRecovery(botID string) {
	r.mu.Lock()
	delete(r.recovering, botID)
	hooks := append([]func(string){}, r.idleHooks...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(botID)
	}
}

func (r *Registry) RecoveryInFlight(botID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.recovering[botID]
	return ok
}

// Busy — у бота идёт непрерываемая работа (восстановление или развёртывание).
func (r *Registry) Busy(botID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, recovering := r.recovering[botID]
	_, deploying := r.activeDeploys[botID]
	return recovering || deploying
}

// TryBeginTransition атомарно проверяет занятость бота и помечает смену
// режима приоритета. false — бот восстанавливается, развёртывается или уже
// меняет режим; пока метка стоит, восстановление и развёртывание не начнутся.
func (r *Registry) TryBeginTransition(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, recovering := r.recovering[botID]
	_, deploying := r.activeDeploys[botID]
	_, transitioning := r.transitioning[botID]
	if recovering || deploying || transitioning {
		return false
	}
	r.transitioning[botID] = struct{}{}
	return true
}

func (r *Registry) EndTransition(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transitioning, botID)
}

// SaveRecovery сохраняет (или обновляет) запись восстановления; хранится
// ограниченное число последних записей.
func (r *Registry) SaveRecovery(rec *domain.Recovery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Recoveries[rec.ID] = rec.Clone()

	if len(r.state.Recoveries) <= maxRecoveries {
		return
	}
	oldestID := ""
	var oldest time.Time
	for id, rc := range r.state.Recoveries {
		if oldestID == "" || rc.StartedAt.Before(oldest) {
			oldestID, oldest = id, rc.StartedAt
		}
	}
	delete(r.state.Recoveries, oldestID)
}

func (r *Registry) Recovery(id string) (*domain.Recovery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.state.Recoveries[id]
	if !ok {
		return nil, false
	}
	return rc.Clone(), true
}

// Recoveries — последние восстановления, новые первыми.
func (r *Registry) Recoveries() []*domain.Recovery {
	r.mu.RLock()
	out := make([]*domain.Recovery, 0, len(r.state.Recoveries))
	for _, rc := range r.state.Recoveries {
		out = append(out, rc.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// --- Алерты ---

func (r *Registry) AddAlert(a *domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.state.Alerts[a.ID] = &cp

	// Закрытые алерты старше окна хранения больше не нужны
	cutoff := r.clock.Now().Add(-r.retention)
	for id, al := range r.state.Alerts {
		if al.Resolved && al.ResolvedAt != nil && al.ResolvedAt.Before(cutoff) {
			delete(r.state.Alerts, id)
		}
	}
}

func (r *Registry) ResolveAlert(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.Alerts[id]
	if !ok || a.Resolved {
		return false
	}
	now := r.clock.Now()
	a.Resolved = true
	a.ResolvedAt = &now
	return true
}

// ActiveAlerts — незакрытые алерты, новые первыми.
func (r *Registry) ActiveAlerts() []*domain.Alert {
	r.mu.RLock()
	out := make([]*domain.Alert, 0)
	for _, a := range r.state.Alerts {
		if !a.Resolved {
			cp := *a
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// --- Режим приоритета ---

func (r *Registry) Priority(botID string) (domain.PriorityState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.state.Priority[botID]
	if !ok {
		return domain.PriorityState{}, false
	}
	return *p, true
}

func (r *Registry) SetPriority(p domain.PriorityState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.LastUpdated = r.clock.Now()
	r.state.Priority[p.BotID] = &p
}

func (r *Registry) PriorityStates() []domain.PriorityState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PriorityState, 0, len(r.state.Priority))
	for _, p := range r.state.Priority {
		out = append(out, *p)
	}
	return out
}

// --- Сводка ---

func (r *Registry) Summary() domain.FleetSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := domain.FleetSummary{TotalBots: len(r.state.Bots), LastUpdate: r.clock.Now()}
	total := 0
	for _, b := range r.state.Bots {
		switch domain.Classify(b.HealthScore) {
		case domain.HealthHealthy:
			s.HealthyBots++
		case domain.HealthDegraded:
			s.DegradedBots++
		default:
			s.CriticalBots++
		}
		total += b.HealthScore
	}
	if s.TotalBots > 0 {
		s.AverageHealth = (total + s.TotalBots/2) / s.TotalBots
	}
	return s
}

// DeploymentsSince — число развёртываний, начатых после t.
func (r *Registry) DeploymentsSince(t time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.state.Deployments {
		if !d.StartedAt.Before(t) {
			n++
		}
	}
	return n
}
