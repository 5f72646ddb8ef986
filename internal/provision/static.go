package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/remote"
)

const staticPrefix = "static:"

// StaticPool раздаёт заранее подготовленные хосты из конфига.
// Reboot выполняется командой через удалённый исполнитель.
type StaticPool struct {
	mu     sync.Mutex
	hosts  []string
	leased map[string]string // host -> имя бота

	exec         remote.Executor
	sshPort      int
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewStaticPool(hosts []string, exec remote.Executor, sshPort int, logger *zap.Logger) *StaticPool {
	return &StaticPool{
		hosts:        append([]string(nil), hosts...),
		leased:       make(map[string]string),
		exec:         exec,
		sshPort:      sshPort,
		pollInterval: 5 * time.Second,
		logger:       logger.Named("static-pool"),
	}
}

// Reserve помечает хосты, уже занятые ботами из реестра (после рестарта).
func (p *StaticPool) Reserve(bots []domain.BotInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range bots {
		if host, ok := strings.CutPrefix(b.InstanceHandle, staticPrefix); ok {
			p.leased[host] = b.ID
		}
	}
}

func (p *StaticPool) Provision(_ context.Context, botName string, _ domain.BotTemplate) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, host := range p.hosts {
		if _, busy := p.leased[host]; busy {
			continue
		}
		p.leased[host] = botName
		p.logger.Info("host leased", zap.String("host", host), zap.String("bot", botName))
		return Instance{Handle: staticPrefix + host, Address: host}, nil
	}
	return Instance{}, ErrPoolExhausted
}

func (p *StaticPool) AwaitReady(ctx context.Context, inst Instance) error {
	return waitForPort(ctx, inst.Address, p.sshPort, p.pollInterval)
}

// Reboot: обрыв SSH-сессии при перезагрузке ожидаем, поэтому транспортную ошибку не считаем сбоем.
func (p *StaticPool) Reboot(ctx context.Context, inst Instance) error {
	res, err := p.exec.Execute(ctx, inst.Address, "sudo systemctl reboot || sudo reboot", 30*time.Second)
	if err != nil {
		p.logger.Debug("reboot command dropped connection", zap.String("host", inst.Address), zap.Error(err))
		return nil
	}
	if !res.OK {
		return fmt.Errorf("reboot %s: exit code %d: %s", inst.Address, res.ExitCode, res.Output)
	}
	return nil
}

func (p *StaticPool) Release(_ context.Context, inst Instance) error {
	host := strings.TrimPrefix(inst.Handle, staticPrefix)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, host)
	p.logger.Info("host released", zap.String("host", host))
	return nil
}
