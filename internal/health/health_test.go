package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/fleet"
	"github.com/xela07ax/botfleet/internal/remote"
)

var defaultThresholds = Thresholds{
	HealthTimeout:    5 * time.Second,
	MeshTimeout:      3 * time.Second,
	SlowResponse:     5 * time.Second,
	VerySlowResponse: 10 * time.Second,
}

func TestScore(t *testing.T) {
	cases := []struct {
		name      string
		primary   bool
		mesh      bool
		roundTrip time.Duration
		want      int
	}{
		{"all good", true, true, 1200 * time.Millisecond, 100},
		{"primary down", false, true, 1200 * time.Millisecond, 70},
		{"mesh down", true, false, time.Second, 80},
		{"slow", true, true, 6 * time.Second, 90},
		{"exactly slow threshold", true, true, 5 * time.Second, 100},
		{"very slow", true, true, 11 * time.Second, 80},
		{"everything bad", false, false, 12 * time.Second, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.primary, tc.mesh, tc.roundTrip, defaultThresholds)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

// step описывает одну пробу: коды ответов и сколько "длится" каждая проверка.
type step struct {
	primary, mesh       int
	primaryLat, meshLat time.Duration
}

type scriptedProbe struct {
	mu    sync.Mutex
	clock *clockwork.FakeClock
	steps []step
	calls int
	panic bool
}

func (p *scriptedProbe) Probe(_ context.Context, _ string, kind remote.CheckKind, _ time.Duration) (remote.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panic {
		panic("boom")
	}
	idx := p.calls / 2
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	s := p.steps[idx]
	if kind == remote.CheckHealth {
		p.clock.Advance(s.primaryLat)
		return remote.ProbeResult{StatusCode: s.primary}, nil
	}
	p.clock.Advance(s.meshLat)
	return remote.ProbeResult{StatusCode: s.mesh}, nil
}

func TestChecker_EndToEndScoring(t *testing.T) {
	clock := clockwork.NewFakeClock()
	probe := &scriptedProbe{clock: clock, steps: []step{
		{200, 200, 700 * time.Millisecond, 500 * time.Millisecond},
		{500, 200, 700 * time.Millisecond, 500 * time.Millisecond},
		{503, 503, 5 * time.Second, 7 * time.Second},
	}}
	c := NewChecker(probe, defaultThresholds, clock, nil, zap.NewNop())
	bot := domain.BotInstance{ID: "alpha", Address: "10.0.0.1"}

	s := c.Check(context.Background(), bot)
	assert.Equal(t, 100, s.Score)
	assert.Equal(t, domain.HealthHealthy, s.Status)
	assert.Equal(t, int64(1200), s.Breakdown.ResponseTimeMs)

	s = c.Check(context.Background(), bot)
	assert.Equal(t, 70, s.Score)
	assert.Equal(t, domain.HealthDegraded, s.Status)
	assert.False(t, s.Breakdown.HealthEndpoint.OK)
	assert.True(t, s.Breakdown.MeshNetwork.OK)

	s = c.Check(context.Background(), bot)
	assert.Equal(t, 30, s.Score)
	assert.Equal(t, domain.HealthCritical, s.Status)
}

func TestChecker_Exceptions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewChecker(&scriptedProbe{clock: clock, panic: true}, defaultThresholds, clock, nil, zap.NewNop())

	s := c.Check(context.Background(), domain.BotInstance{ID: "alpha", Address: "10.0.0.1"})
	assert.Equal(t, 0, s.Score)
	assert.Equal(t, domain.HealthCritical, s.Status)
	assert.Contains(t, s.Breakdown.Error, "panic")

	s = c.Check(context.Background(), domain.BotInstance{ID: "broken"})
	assert.Equal(t, 0, s.Score)
	assert.NotEmpty(t, s.Breakdown.Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s = c.Check(ctx, domain.BotInstance{ID: "alpha", Address: "10.0.0.1"})
	assert.Equal(t, 0, s.Score)
}

type nopStore struct{}

func (nopStore) Load(context.Context) (*domain.Snapshot, error) { return nil, fleet.ErrNoSnapshot }
func (nopStore) Save(context.Context, *domain.Snapshot) error { return nil }

type recordedRecovery struct {
	botID   string
	method  domain.RecoveryMethod
	trigger domain.RecoveryTrigger
}

type fakeRecoverer struct {
	mu    sync.Mutex
	calls []recordedRecovery
}

func (f *fakeRecoverer) Recover(_ context.Context, botID string, method domain.RecoveryMethod, trigger domain.RecoveryTrigger) (*domain.Recovery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedRecovery{botID, method, trigger})
	return &domain.Recovery{BotID: botID, Method: method}, nil
}

func (f *fakeRecoverer) Calls() []recordedRecovery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRecovery(nil), f.calls...)
}

type fakeAlerter struct {
	mu       sync.Mutex
	raised   []string
	resolved []string
	notified []string
}

func (f *fakeAlerter) Raise(_, message string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, message)
	return "alert-" + string(rune('0'+len(f.raised)))
}

func (f *fakeAlerter) Resolve(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id)
}

func (f *fakeAlerter) Notify(_, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, message)
}

var defaultPolicy = Policy{
	Interval:               time.Minute,
	AlertBelow:             50,
	RecoverAtOrBelow:       30,
	MinConsecutiveFailures: 3,
	Concurrency:            4,
}

func newMonitorFixture(t *testing.T, steps []step) (*Monitor, *fleet.Registry, *fakeRecoverer, *fakeAlerter) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := fleet.NewRegistry(nopStore{}, clock, 24*time.Hour, nil, zap.NewNop())
	reg.RegisterBot(domain.BotInstance{ID: "alpha", Address: "10.0.0.1", Status: domain.BotOnline, HealthScore: 100})

	probe := &scriptedProbe{clock: clock, steps: steps}
	checker := NewChecker(probe, defaultThresholds, clock, nil, zap.NewNop())
	rec := &fakeRecoverer{}
	alerts := &fakeAlerter{}
	return NewMonitor(reg, checker, rec, alerts, defaultPolicy, clock, nil, zap.NewNop()), reg, rec, alerts
}

func TestMonitor_ScenarioScoresAndStatuses(t *testing.T) {
	m, reg, rec, _ := newMonitorFixture(t, []step{
		{200, 200, 600 * time.Millisecond, 600 * time.Millisecond},
		{500, 200, 600 * time.Millisecond, 600 * time.Millisecond},
		{500, 500, 6 * time.Second, 6 * time.Second},
	})

	m.RunHealthCycle(context.Background())
	bot, _ := reg.Bot("alpha")
	assert.Equal(t, 100, bot.HealthScore)
	assert.Equal(t, domain.BotOnline, bot.Status)

	m.RunHealthCycle(context.Background())
	bot, _ = reg.Bot("alpha")
	assert.Equal(t, 70, bot.HealthScore)
	assert.Equal(t, domain.BotDegraded, bot.Status)

	m.RunHealthCycle(context.Background())
	bot, _ = reg.Bot("alpha")
	assert.Equal(t, 30, bot.HealthScore)
	assert.Equal(t, domain.BotCritical, bot.Status)
	assert.Equal(t, 2, bot.ConsecutiveFailures)

	m.Wait()
	assert.Empty(t, rec.Calls(), "two failing samples must not trigger recovery")
}

func TestMonitor_ThirdCriticalSampleTriggersAutoRestart(t *testing.T) {
	m, reg, rec, _ := newMonitorFixture(t, []step{
		{500, 500, 6 * time.Second, 6 * time.Second},
	})

	m.RunHealthCycle(context.Background())
	m.RunHealthCycle(context.Background())
	m.Wait()
	assert.Empty(t, rec.Calls())

	m.RunHealthCycle(context.Background())
	m.Wait()

	bot, _ := reg.Bot("alpha")
	assert.Equal(t, 3, bot.ConsecutiveFailures)
	require.Len(t, rec.Calls(), 1)
	assert.Equal(t, recordedRecovery{"alpha", domain.RecoverAutoRestart, domain.TriggerAuto}, rec.Calls()[0])
}

func TestMonitor_NoAutoRestartWhileRecoveryInFlight(t *testing.T) {
	m, reg, rec, _ := newMonitorFixture(t, []step{
		{500, 500, 6 * time.Second, 6 * time.Second},
	})
	require.NoError(t, reg.TryBeginRecovery("alpha"))

	for i := 0; i < 4; i++ {
		m.RunHealthCycle(context.Background())
	}
	m.Wait()
	assert.Empty(t, rec.Calls())
}

type heldBots map[string]bool

func (h heldBots) IsHeld(botID string) bool { return h[botID] }

func TestMonitor_MaintenanceHoldSuppressesAutoRestart(t *testing.T) {
	m, reg, rec, _ := newMonitorFixture(t, []step{
		{500, 500, 6 * time.Second, 6 * time.Second},
	})
	m.SetHolds(heldBots{"alpha": true})

	for i := 0; i < 4; i++ {
		m.RunHealthCycle(context.Background())
	}
	m.Wait()

	bot, _ := reg.Bot("alpha")
	assert.Equal(t, 4, bot.ConsecutiveFailures)
	assert.Empty(t, rec.Calls())
}

func TestMonitor_AlertDebounce(t *testing.T) {
	m, reg, _, alerts := newMonitorFixture(t, []step{
		{500, 500, time.Second, time.Second}, // 50: только ниже 50 — алерт
		{500, 500, 6 * time.Second, 0},      // 40
		{500, 500, 6 * time.Second, 0},      // 40
		{200, 200, time.Second, time.Second}, // 100
	})

	m.RunHealthCycle(context.Background())
	assert.Empty(t, alerts.raised)

	m.RunHealthCycle(context.Background())
	m.RunHealthCycle(context.Background())
	require.Len(t, alerts.raised, 1)
	bot, _ := reg.Bot("alpha")
	assert.Equal(t, "alert-1", bot.AlertEpisode)

	m.RunHealthCycle(context.Background())
	assert.Equal(t, []string{"alert-1"}, alerts.resolved)
	require.Len(t, alerts.notified, 1)
	assert.Contains(t, alerts.notified[0], "recovered")
	bot, _ = reg.Bot("alpha")
	assert.Empty(t, bot.AlertEpisode)
}

func TestMonitor_RunFirstCycleAfterInitialDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := fleet.NewRegistry(nopStore{}, clock, 24*time.Hour, nil, zap.NewNop())
	reg.RegisterBot(domain.BotInstance{ID: "alpha", Address: "10.0.0.1"})
	probe := &scriptedProbe{clock: clock, steps: []step{{200, 200, 0, 0}}}
	policy := defaultPolicy
	policy.InitialDelay = 10 * time.Second
	m := NewMonitor(reg, NewChecker(probe, defaultThresholds, clock, nil, zap.NewNop()), nil, &fakeAlerter{}, policy, clock, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, reg.HealthHistory("alpha"))

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(reg.HealthHistory("alpha")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1)) // тикер
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(reg.HealthHistory("alpha")) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
