package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/metrics"
	"github.com/xela07ax/botfleet/internal/remote"
)

var errInvalidBot = errors.New("bot record has no address")

// Checker выполняет одну пробу бота. Общий для монитора и контроллера
// восстановления (повторная проба после ремонта).
type Checker struct {
	probe      remote.Probe
	thresholds Thresholds
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewChecker(probe remote.Probe, t Thresholds, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Checker {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Checker{
		probe:      probe,
		thresholds: t,
		clock:      clock,
		metrics:    m,
		logger:     logger.Named("checker"),
	}
}

// Check никогда не возвращает ошибку: сбои проверок снижают score,
// исключение уровня пробы (битая запись, паника, отменённый цикл) даёт 0.
func (c *Checker) Check(ctx context.Context, bot domain.BotInstance) (sample domain.HealthSample) {
	started := c.clock.Now()
	sample = domain.HealthSample{BotID: bot.ID, Timestamp: started}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("probe panicked", zap.String("bot_id", bot.ID), zap.Any("panic", r))
			sample = c.exception(bot.ID, started, fmt.Errorf("probe panic: %v", r))
		}
	}()

	if bot.Address == "" {
		return c.exception(bot.ID, started, errInvalidBot)
	}
	if err := ctx.Err(); err != nil {
		return c.exception(bot.ID, started, err)
	}

	primary := c.run(ctx, bot, remote.CheckHealth, c.thresholds.HealthTimeout)
	mesh := c.run(ctx, bot, remote.CheckMesh, c.thresholds.MeshTimeout)

	// Отменённый цикл — это не деградация бота, а исключение
	if err := ctx.Err(); err != nil {
		return c.exception(bot.ID, started, err)
	}

	roundTrip := c.clock.Since(started)
	score := Score(primary.OK, mesh.OK, roundTrip, c.thresholds)

	sample.Score = score
	sample.Status = domain.Classify(score)
	sample.Breakdown = domain.ProbeBreakdown{
		HealthEndpoint: primary,
		MeshNetwork:    mesh,
		ResponseTimeMs: roundTrip.Milliseconds(),
	}
	return sample
}

func (c *Checker) run(ctx context.Context, bot domain.BotInstance, kind remote.CheckKind, timeout time.Duration) domain.CheckResult {
	started := c.clock.Now()
	res, err := c.probe.Probe(ctx, bot.Address, kind, timeout)
	out := domain.CheckResult{
		StatusCode: res.StatusCode,
		LatencyMs:  c.clock.Since(started).Milliseconds(),
	}
	switch {
	case err != nil:
		out.Error = err.Error()
	case !res.OK():
		out.Error = fmt.Sprintf("unexpected status %d", res.StatusCode)
	default:
		out.OK = true
	}
	if !out.OK {
		c.metrics.ProbeFailures.WithLabelValues(bot.ID, string(kind)).Inc()
		c.logger.Debug("check failed",
			zap.String("bot_id", bot.ID),
			zap.String("check", string(kind)),
			zap.String("error", out.Error))
	}
	return out
}

func (c *Checker) exception(botID string, started time.Time, err error) domain.HealthSample {
	c.metrics.ProbeFailures.WithLabelValues(botID, "exception").Inc()
	return domain.HealthSample{
		BotID:     botID,
		Timestamp: started,
		Score:     0,
		Status:    domain.HealthCritical,
		Breakdown: domain.ProbeBreakdown{Error: err.Error()},
	}
}
