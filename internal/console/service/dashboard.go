package service

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
)

// FleetView — то, что дашборду нужно от реестра.
type FleetView interface {
	Snapshot() (*domain.Snapshot, error)
	Summary() domain.FleetSummary
	ActiveAlerts() []*domain.Alert
	DeploymentsSince(t time.Time) int
}

type DashboardService struct {
	fleet   FleetView
	clock   clockwork.Clock
	started time.Time
	proc    *process.Process // nil, если gopsutil не смог открыть свой процесс
	logger  *zap.Logger
}

func NewDashboardService(fleet FleetView, clock clockwork.Clock, logger *zap.Logger) *DashboardService {
	logger = logger.Named("dashboard")
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process metrics unavailable", zap.Error(err))
		proc = nil
	}
	return &DashboardService{
		fleet:   fleet,
		clock:   clock,
		started: clock.Now(),
		proc:    proc,
		logger:  logger,
	}
}

func (s *DashboardService) GetDashboard(ctx context.Context) (*domain.Dashboard, error) {
	snap, err := s.fleet.Snapshot()
	if err != nil {
		return nil, err
	}
	summary := s.fleet.Summary()

	return &domain.Dashboard{
		Registry: snap.Bots,
		State:    snap,
		Summary:  summary,
		Alerts:   s.fleet.ActiveAlerts(),
		Metrics:  s.systemMetrics(ctx, summary.TotalBots),
	}, nil
}

func (s *DashboardService) systemMetrics(ctx context.Context, bots int) domain.SystemMetrics {
	now := s.clock.Now()
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	out := domain.SystemMetrics{
		UptimeSeconds:    now.Sub(s.started).Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		ManagedBots:      bots,
		DeploymentsToday: s.fleet.DeploymentsSince(midnight),
	}
	if s.proc == nil {
		return out
	}

	if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		out.MemoryRSSBytes = mi.RSS
	} else {
		s.logger.Debug("failed to read process memory", zap.Error(err))
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	} else {
		s.logger.Debug("failed to read process cpu", zap.Error(err))
	}
	return out
}
