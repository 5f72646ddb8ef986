// Package deploy — пайплайн развёртывания нового бота.
package deploy

/*
Пайплайн: starting -> provisioning -> configuring -> testing -> completed.
Любой шаг может завершить развёртывание в failed.

Deploy валидирует запрос синхронно и возвращает ID; сам пайплайн идёт
в отдельной горутине, ограниченной Timeout. Запись развёртывания
опрашивается через Get. На одно имя бота — одно активное развёртывание.
При сбое выделенный инстанс освобождается (best effort), бот в реестр
не попадает.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/metrics"
	"github.com/xela07ax/botfleet/internal/provision"
	"github.com/xela07ax/botfleet/internal/recovery"
	"github.com/xela07ax/botfleet/internal/remote"
)

const (
	defaultEnvironment = "production"
	configPath         = "~/.clawdbot/clawdbot.json"
	EstimatedTime     = "5-10 minutes"
)

var botNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

type Registry interface {
	BeginDeployment(d *domain.Deployment) error
	AppendDeploymentStep(id, message string)
	AdvanceDeployment(id string, to domain.DeploymentState) error
	SetDeploymentInstance(id, handle, address string)
	CompleteDeployment(id string, bot domain.BotInstance, message string) error
	FailDeployment(id string, cause error)
	Deployment(id string) (*domain.Deployment, error)
	Persist(ctx context.Context) error
}

type Notifier interface {
	Notify(botID, message string)
}

type Config struct {
	Timeout        time.Duration
	ReadyTimeout   time.Duration
	CommandTimeout time.Duration
	VerifyAttempts uint
	VerifyDelay    time.Duration
	VerifyTimeout  time.Duration
}

type Pipeline struct {
	registry Registry
	backend  provision.Backend
	exec     remote.Executor
	probe    remote.Probe
	alerts   Notifier
	journal  audit.Recorder
	cfg      Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// Корневой контекст фоновых развёртываний: не зависит от HTTP-запроса
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(registry Registry, backend provision.Backend, exec remote.Executor, probe remote.Probe,
	alerts Notifier, journal audit.Recorder, cfg Config, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if journal == nil {
		journal = audit.Nop{}
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	if cfg.VerifyAttempts == 0 {
		cfg.VerifyAttempts = 1
	}
	root, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		registry: registry,
		backend:  backend,
		exec:     exec,
		probe:    probe,
		alerts:   alerts,
		journal:  journal,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger.Named("deploy"),
		root:     root,
		cancel:   cancel,
	}
}

// Validate проверяет запрос и подставляет значения по умолчанию.
func Validate(req *domain.DeployRequest) error {
	req.BotName = strings.TrimSpace(req.BotName)
	switch {
	case req.BotName == "":
		return &domain.ValidationError{Field: "botName", Reason: "is required"}
	case !botNameRe.MatchString(req.BotName):
		return &domain.ValidationError{Field: "botName", Reason: "must be alphanumeric with '-' or '_' (max 63 chars)"}
	case req.BotType == "":
		return &domain.ValidationError{Field: "botType", Reason: "is required"}
	case req.Credentials == "":
		return &domain.ValidationError{Field: "telegramToken", Reason: "is required"}
	}
	if _, ok := domain.TemplateFor(req.BotType); !ok {
		return &domain.ValidationError{
			Field:  "botType",
			Reason: fmt.Sprintf("unknown bot type %q, available: %s", req.BotType, strings.Join(domain.BotTypes(), ", ")),
		}
	}
	if req.Environment == "" {
		req.Environment = defaultEnvironment
	}
	return nil
}

// Deploy регистрирует развёртывание и запускает пайплайн в фоне.
func (p *Pipeline) Deploy(_ context.Context, req domain.DeployRequest) (string, error) {
	if err := Validate(&req); err != nil {
		return "", err
	}

	d := &domain.Deployment{
		ID:          "deploy_" + uuid.NewString(),
		BotName:     req.BotName,
		BotType:     req.BotType,
		Environment: req.Environment,
		StartedAt:   p.clock.Now(),
	}
	if err := p.registry.BeginDeployment(d); err != nil {
		return "", err
	}

	p.logger.Info("deployment started",
		zap.String("deployment_id", d.ID),
		zap.String("bot", req.BotName),
		zap.String("type", string(req.BotType)))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.recoverPanic(d.ID, req)
		p.run(d.ID, req)
	}()
	return d.ID, nil
}

func (p *Pipeline) Get(id string) (*domain.Deployment, error) {
	return p.registry.Deployment(id)
}

// Close отменяет активные развёртывания и ждёт их завершения.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Wait ждёт завершения всех запущенных развёртываний.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(id string, req domain.DeployRequest) {
	ctx := p.root
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	log := p.logger.With(zap.String("deployment_id", id), zap.String("bot", req.BotName))
	tpl, _ := domain.TemplateFor(req.BotType)

	var inst provision.Instance
	err := p.steps(ctx, id, req, tpl, &inst)
	if err != nil {
		p.registry.FailDeployment(id, err)
		p.alerts.Notify(req.BotName, fmt.Sprintf("🚨 Bot deployment failed: %s - %s", req.BotName, err.Error()))
		p.metrics.Deployments.WithLabelValues(string(req.BotType), "failed").Inc()
		p.record(id, req, "failed", err.Error())
		log.Error("deployment failed", zap.Error(err))

		if inst.Handle != "" {
			rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if rerr := p.backend.Release(rctx, inst); rerr != nil {
				log.Warn("failed to release instance", zap.String("handle", inst.Handle), zap.Error(rerr))
			}
			cancel()
		}
	} else {
		p.alerts.Notify(req.BotName, fmt.Sprintf("🚀 Bot deployed successfully: %s (%s) at %s", req.BotName, req.BotType, inst.Address))
		p.metrics.Deployments.WithLabelValues(string(req.BotType), "completed").Inc()
		p.record(id, req, "completed", "")
		log.Info("deployment completed", zap.String("address", inst.Address))
	}

	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.registry.Persist(pctx) // сбой уже залогирован реестром
}

// recoverPanic закрывает развёртывание как failed, если пайплайн паникнул,
// иначе имя бота осталось бы занятым до рестарта сервиса.
func (p *Pipeline) recoverPanic(id string, req domain.DeployRequest) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("deployment panicked: %v", r)
	p.logger.Error("deployment panicked",
		zap.String("deployment_id", id),
		zap.String("bot", req.BotName),
		zap.Any("panic", r),
		zap.Stack("stack"))

	p.registry.FailDeployment(id, err)
	p.alerts.Notify(req.BotName, fmt.Sprintf("🚨 Bot deployment failed: %s - %s", req.BotName, err.Error()))
	p.metrics.Deployments.WithLabelValues(string(req.BotType), "failed").Inc()
	p.record(id, req, "failed", err.Error())

	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.registry.Persist(pctx)
}

func (p *Pipeline) steps(ctx context.Context, id string, req domain.DeployRequest, tpl domain.BotTemplate, inst *provision.Instance) error {
	// 1. Provisioning
	if err := p.registry.AdvanceDeployment(id, domain.DeployProvisioning); err != nil {
		return err
	}
	p.registry.AppendDeploymentStep(id, "Starting instance provisioning")

	got, err := p.backend.Provision(ctx, req.BotName, tpl)
	if err != nil {
		return &domain.StepError{Kind: domain.ErrProvisioning, Step: "provision", Err: err}
	}
	*inst = got
	p.registry.SetDeploymentInstance(id, got.Handle, got.Address)
	p.registry.AppendDeploymentStep(id, fmt.Sprintf("Instance created: %s (%s)", got.Handle, tpl.InstanceType))

	// 2. Ожидание готовности
	readyCtx := ctx
	if p.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, p.cfg.ReadyTimeout)
		defer cancel()
	}
	if err := p.backend.AwaitReady(readyCtx, got); err != nil {
		return &domain.StepError{Kind: domain.ErrProvisioning, Step: "await_ready", Err: err}
	}
	p.registry.AppendDeploymentStep(id, "Instance ready for configuration")

	// 3. Конфигурация шлюза
	if err := p.registry.AdvanceDeployment(id, domain.DeployConfiguring); err != nil {
		return err
	}
	cfgJSON, err := RenderConfig(tpl, req.Credentials)
	if err != nil {
		return &domain.StepError{Kind: domain.ErrConfiguration, Step: "render_config", Err: err}
	}
	if err := p.run1(ctx, got.Address, remote.WriteFile(configPath, cfgJSON)); err != nil {
		return &domain.StepError{Kind: domain.ErrConfiguration, Step: "push_config", Err: err}
	}
	p.registry.AppendDeploymentStep(id, "Clawdbot configured")

	// 4. Онбординг
	for _, cmd := range tpl.Onboarding {
		if err := p.run1(ctx, got.Address, cmd); err != nil {
			return &domain.StepError{Kind: domain.ErrOnboarding, Step: "onboarding", Err: err}
		}
	}
	if err := p.run1(ctx, got.Address, remote.CmdGatewayStart); err != nil {
		return &domain.StepError{Kind: domain.ErrOnboarding, Step: "gateway_start", Err: err}
	}
	p.registry.AppendDeploymentStep(id, "Bot onboarding completed")

	// 5. Проверка отзывчивости
	if err := p.registry.AdvanceDeployment(id, domain.DeployTesting); err != nil {
		return err
	}
	if err := p.verify(ctx, got.Address); err != nil {
		return &domain.StepError{Kind: domain.ErrResponsivenessCheck, Step: "verify", Err: err}
	}

	bot := domain.BotInstance{
		ID:             req.BotName,
		Type:           req.BotType,
		Address:        got.Address,
		InstanceHandle: got.Handle,
		Environment:    req.Environment,
		Status:         domain.BotOnline,
		HealthScore:    100,
	}
	return p.registry.CompleteDeployment(id, bot,
		fmt.Sprintf("✅ Deployment completed successfully - %s is online", req.BotName))
}

func (p *Pipeline) run1(ctx context.Context, address, cmd string) error {
	res, err := p.exec.Execute(ctx, address, cmd, p.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if !res.OK {
		return &recovery.CommandError{ExitCode: res.ExitCode, Output: res.Output}
	}
	return nil
}

// verify опрашивает health-эндпоинт, пока бот не ответит 200.
func (p *Pipeline) verify(ctx context.Context, address string) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.cfg.VerifyAttempts),
		retry.Delay(p.cfg.VerifyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return r.Do(func() error {
		res, err := p.probe.Probe(ctx, address, remote.CheckHealth, p.cfg.VerifyTimeout)
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("health endpoint returned %d", res.StatusCode)
		}
		return nil
	})
}

func (p *Pipeline) record(id string, req domain.DeployRequest, status, message string) {
	p.journal.Record(audit.Event{
		Kind:    audit.EventDeployment,
		BotID:   req.BotName,
		RefID:   id,
		Status:  status,
		Message: message,
		Details: map[string]any{
			"bot_type":    req.BotType,
			"environment": req.Environment,
		},
		Timestamp: p.clock.Now(),
	})
}

// RenderConfig собирает clawdbot.json: настройки шаблона + токен мессенджера.
func RenderConfig(tpl domain.BotTemplate, credentials string) (string, error) {
	cfg := recovery.RuntimePatch(tpl)
	cfg["commands"] = map[string]any{"restart": true}
	cfg["telegram"] = map[string]any{"token": credentials}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

