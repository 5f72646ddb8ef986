package priority

import (
	"context"
	"errors"
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

type nopStore struct{}

func (nopStore) Load(context.Context) (*domain.Snapshot, error) { return nil, fleet.ErrNoSnapshot }
func (nopStore) Save(context.Context, *domain.Snapshot) error { return nil }

type fakeExec struct {
	mu       sync.Mutex
	commands []string
	fail     bool
}

func (f *fakeExec) Execute(_ context.Context, _, command string, _ time.Duration) (remote.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return remote.ExecResult{}, errors.New("ssh: handshake failed")
	}
	f.commands = append(f.commands, command)
	return remote.ExecResult{OK: true}, nil
}

func (f *fakeExec) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeExec) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

var testCfg = Config{
	NormalHeartbeat:   30 * time.Minute,
	PriorityHeartbeat: time.Minute,
	MaxDuration:       4 * time.Hour,
	RetryInterval:     30 * time.Second,
	CommandTimeout:    time.Second,
}

type fixture struct {
	mgr   *Manager
	reg   *fleet.Registry
	exec  *fakeExec
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	reg := fleet.NewRegistry(nopStore{}, clock, 24*time.Hour, nil, zap.NewNop())
	reg.RegisterBot(domain.BotInstance{ID: "alpha", Type: domain.BotSupport, Address: "10.0.0.1"})

	f := &fixture{reg: reg, exec: &fakeExec{}, clock: clock}
	f.mgr = NewManager(reg, f.exec, nil, testCfg, clock, nil, zap.NewNop())
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) mode(t *testing.T) domain.PriorityMode {
	t.Helper()
	st, err := f.mgr.Status("alpha")
	require.NoError(t, err)
	return st.Mode
}

func TestActivate_SetsPriorityHeartbeat(t *testing.T) {
	f := newFixture(t)

	res, err := f.mgr.Activate(context.Background(), "alpha", "fix outage", "")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.ModePriority, res.Mode)
	assert.Equal(t, []string{remote.HeartbeatPatch(time.Minute)}, f.exec.sent())

	st, err := f.mgr.Status("alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.ModePriority, st.Mode)
	assert.Equal(t, "fix outage", st.Task)
	assert.Equal(t, TriggerManual, st.TriggeredBy)
	assert.Equal(t, time.Minute, st.CurrentHeartbeat)
	require.NotNil(t, st.RevertDeadline)
	assert.Equal(t, f.clock.Now().Add(4*time.Hour), *st.RevertDeadline)
	assert.False(t, st.Stale)
}

func TestDeactivate_RestoresNormalAndCancelsRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Activate(ctx, "alpha", "fix outage", "")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.mgr.Deactivate(ctx, "alpha", "")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, domain.ModeNormal, st.Mode)
	assert.Equal(t, 20*time.Minute, st.CurrentHeartbeat) // шаблон support
	assert.Equal(t, ReasonManual, st.DeactivationReason)
	assert.Nil(t, st.RevertDeadline)

	// Отменённый таймер не должен сработать
	f.clock.Advance(4 * time.Hour)
	assert.Never(t, func() bool { return len(f.exec.sent()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	st, _ = f.mgr.Status("alpha")
	assert.Equal(t, ReasonManual, st.DeactivationReason)
}

func TestAutoRevert_ExactlyAtMaxDuration(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Activate(context.Background(), "alpha", "fix outage", "")
	require.NoError(t, err)

	f.clock.Advance(4*time.Hour - time.Nanosecond)
	assert.Never(t, func() bool { return f.mode(t) == domain.ModeNormal }, 100*time.Millisecond, 10*time.Millisecond)

	f.clock.Advance(time.Nanosecond)
	require.Eventually(t, func() bool { return f.mode(t) == domain.ModeNormal }, time.Second, 5*time.Millisecond)

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, ReasonAutoCooldown, st.DeactivationReason)
	assert.Equal(t, remote.HeartbeatPatch(20*time.Minute), f.exec.sent()[1])
}

func TestDeactivate_RestoresHeartbeatOfBotType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.RegisterBot(domain.BotInstance{ID: "boss", Type: domain.BotManager, Address: "10.0.0.2"})

	st, err := f.mgr.Status("boss")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, st.CurrentHeartbeat)

	_, err = f.mgr.Activate(ctx, "boss", "quarterly report", "")
	require.NoError(t, err)
	_, err = f.mgr.Deactivate(ctx, "boss", "")
	require.NoError(t, err)

	sent := f.exec.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], `"intervalMs":2700000`)

	st, err = f.mgr.Status("boss")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeNormal, st.Mode)
	assert.Equal(t, 45*time.Minute, st.CurrentHeartbeat)
}

func TestActivate_IdempotentUpdatesTaskOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Activate(ctx, "alpha", "first", "")
	require.NoError(t, err)
	first, _ := f.mgr.Status("alpha")

	f.clock.Advance(time.Hour)
	_, err = f.mgr.Activate(ctx, "alpha", "second", TriggerMesh)
	require.NoError(t, err)

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, "second", st.Task)
	assert.Equal(t, TriggerMesh, st.TriggeredBy)
	assert.Equal(t, *first.ActivatedAt, *st.ActivatedAt)
	assert.Equal(t, *first.RevertDeadline, *st.RevertDeadline)
	assert.Len(t, f.exec.sent(), 1)

	// Автовозврат по исходному дедлайну и ровно один раз
	f.clock.Advance(3 * time.Hour)
	require.Eventually(t, func() bool { return f.mode(t) == domain.ModeNormal }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(f.exec.sent()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestDeactivate_NormalIsNoop(t *testing.T) {
	f := newFixture(t)
	res, err := f.mgr.Deactivate(context.Background(), "alpha", "")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.ModeNormal, res.Mode)
	assert.Empty(t, f.exec.sent())
}

func TestActivate_UnknownBot(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Activate(context.Background(), "ghost", "x", "")
	assert.ErrorIs(t, err, domain.ErrUnknownBot)
	_, err = f.mgr.Status("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownBot)
}

func TestActivate_ExecFailureKeepsNormal(t *testing.T) {
	f := newFixture(t)
	f.exec.setFail(true)

	_, err := f.mgr.Activate(context.Background(), "alpha", "x", "")
	require.Error(t, err)
	assert.Equal(t, domain.ModeNormal, f.mode(t))
}

func TestActivate_DeferredWhileRecovering(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.TryBeginRecovery("alpha"))

	res, err := f.mgr.Activate(context.Background(), "alpha", "urgent", "")
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.False(t, res.Applied)
	assert.Empty(t, f.exec.sent())

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, domain.ModeNormal, st.Mode)
	assert.Equal(t, "activate", st.Pending)

	f.reg.EndRecovery("alpha")
	require.Eventually(t, func() bool { return f.mode(t) == domain.ModePriority }, time.Second, 5*time.Millisecond)

	st, _ = f.mgr.Status("alpha")
	assert.Equal(t, "urgent", st.Task)
	assert.Empty(t, st.Pending)
}

// gateExec держит команду, пока тест не откроет gate.
type gateExec struct {
	entered chan struct{}
	gate    chan struct{}
}

func (g *gateExec) Execute(ctx context.Context, _, _ string, _ time.Duration) (remote.ExecResult, error) {
	g.entered <- struct{}{}
	select {
	case <-g.gate:
		return remote.ExecResult{OK: true}, nil
	case <-ctx.Done():
		return remote.ExecResult{}, ctx.Err()
	}
}

func TestActivate_HoldsOffRecoveryAndDeploymentUntilApplied(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := fleet.NewRegistry(nopStore{}, clock, 24*time.Hour, nil, zap.NewNop())
	reg.RegisterBot(domain.BotInstance{ID: "alpha", Type: domain.BotSupport, Address: "10.0.0.1"})
	exec := &gateExec{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	mgr := NewManager(reg, exec, nil, testCfg, clock, nil, zap.NewNop())
	t.Cleanup(mgr.Close)

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Activate(context.Background(), "alpha", "urgent", "")
		done <- err
	}()

	select {
	case <-exec.entered:
	case <-time.After(time.Second):
		t.Fatal("heartbeat push was not started")
	}

	// Команда в полёте: ни восстановление, ни развёртывание не начинаются
	assert.ErrorIs(t, reg.TryBeginRecovery("alpha"), domain.ErrTransitionInProgress)
	assert.ErrorIs(t, reg.BeginDeployment(&domain.Deployment{ID: "deploy_1", BotName: "alpha"}),
		domain.ErrTransitionInProgress)
	assert.False(t, reg.Busy("alpha"))

	close(exec.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("activate did not return")
	}

	st, ok := reg.Priority("alpha")
	require.True(t, ok)
	assert.Equal(t, domain.ModePriority, st.Mode)

	require.NoError(t, reg.TryBeginRecovery("alpha"))
	reg.EndRecovery("alpha")
}

func TestActivate_DeferredWhileTransitionMarked(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.reg.TryBeginTransition("alpha"))

	res, err := f.mgr.Activate(context.Background(), "alpha", "urgent", "")
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Empty(t, f.exec.sent())

	f.reg.EndTransition("alpha")
	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, "activate", st.Pending)
}

func TestPending_NewestReplacesOlder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.TryBeginRecovery("alpha"))

	_, err := f.mgr.Activate(ctx, "alpha", "urgent", "")
	require.NoError(t, err)
	_, err = f.mgr.Deactivate(ctx, "alpha", "")
	require.NoError(t, err)

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, "deactivate", st.Pending)

	f.reg.EndRecovery("alpha")
	require.Eventually(t, func() bool {
		st, _ := f.mgr.Status("alpha")
		return st.Pending == ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ModeNormal, f.mode(t))
	assert.Empty(t, f.exec.sent())
}

func TestRun_DrainsAfterDeployment(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.reg.BeginDeployment(&domain.Deployment{ID: "deploy_1", BotName: "alpha"}))
	res, err := f.mgr.Activate(ctx, "alpha", "urgent", "")
	require.NoError(t, err)
	require.True(t, res.Deferred)

	go f.mgr.Run(ctx)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	// Тик при занятом боте ничего не меняет
	f.clock.Advance(testCfg.RetryInterval)
	assert.Never(t, func() bool { return f.mode(t) == domain.ModePriority }, 50*time.Millisecond, 10*time.Millisecond)

	f.reg.FailDeployment("deploy_1", errors.New("aborted"))
	f.clock.Advance(testCfg.RetryInterval)
	require.Eventually(t, func() bool { return f.mode(t) == domain.ModePriority }, time.Second, 5*time.Millisecond)
}

func TestStatus_StaleWhenRevertKeepsFailing(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Activate(context.Background(), "alpha", "fix outage", "")
	require.NoError(t, err)

	f.exec.setFail(true)
	f.clock.Advance(4*time.Hour + time.Minute)

	require.Eventually(t, func() bool {
		st, _ := f.mgr.Status("alpha")
		return st.Pending == "deactivate"
	}, time.Second, 5*time.Millisecond)

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, domain.ModePriority, st.Mode)
	assert.True(t, st.Stale)
	assert.Equal(t, 4*time.Hour+time.Minute, st.Elapsed)
}

func TestRestore_RearmsRevert(t *testing.T) {
	f := newFixture(t)
	activated := f.clock.Now().Add(-time.Hour)
	deadline := activated.Add(testCfg.MaxDuration)
	f.reg.SetPriority(domain.PriorityState{
		BotID:            "alpha",
		Mode:             domain.ModePriority,
		Task:             "carry over",
		ActivatedAt:      &activated,
		RevertDeadline:   &deadline,
		CurrentHeartbeat: time.Minute,
	})

	f.mgr.Restore(context.Background())
	assert.Equal(t, domain.ModePriority, f.mode(t))

	f.clock.Advance(3 * time.Hour)
	require.Eventually(t, func() bool { return f.mode(t) == domain.ModeNormal }, time.Second, 5*time.Millisecond)
}

func TestRestore_OverdueRevertsImmediately(t *testing.T) {
	f := newFixture(t)
	activated := f.clock.Now().Add(-5 * time.Hour)
	f.reg.SetPriority(domain.PriorityState{BotID: "alpha", Mode: domain.ModePriority, ActivatedAt: &activated})

	f.mgr.Restore(context.Background())

	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, domain.ModeNormal, st.Mode)
	assert.Equal(t, ReasonAutoCooldown, st.DeactivationReason)
}

func TestProcessMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.ProcessMessage(ctx, "alpha", "🚨 PRIORITY MODE ACTIVATED\n**Task**: ship hotfix\nplease ack")
	require.NoError(t, err)
	st, _ := f.mgr.Status("alpha")
	assert.Equal(t, domain.ModePriority, st.Mode)
	assert.Equal(t, "ship hotfix", st.Task)
	assert.Equal(t, TriggerMesh, st.TriggeredBy)

	_, err = f.mgr.ProcessMessage(ctx, "alpha", "❄️ PRIORITY MODE DEACTIVATED")
	require.NoError(t, err)
	st, _ = f.mgr.Status("alpha")
	assert.Equal(t, domain.ModeNormal, st.Mode)
	assert.Equal(t, TriggerMesh, st.DeactivationReason)

	_, err = f.mgr.ProcessMessage(ctx, "alpha", "hello there")
	assert.ErrorIs(t, err, domain.ErrUnknownDirective)
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Directive
		err  error
	}{
		{"activate with task", "PRIORITY MODE ACTIVATED **Task**: db failover", Directive{Op: OpActivate, Task: "db failover"}, nil},
		{"activate without task", "PRIORITY MODE ACTIVATED", Directive{Op: OpActivate, Task: DefaultTask}, nil},
		{"deactivate", "status: PRIORITY MODE DEACTIVATED", Directive{Op: OpDeactivate}, nil},
		{"unknown", "priority mode activated", Directive{}, domain.ErrUnknownDirective},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDirective(tt.text)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingProcessor struct {
	mu  sync.Mutex
	got []MeshMessage
	err error
}

func (p *recordingProcessor) ProcessMessage(_ context.Context, botID, text string) (domain.TransitionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, MeshMessage{BotID: botID, Text: text})
	return domain.TransitionResult{}, p.err
}

func TestHandleMessage(t *testing.T) {
	p := &recordingProcessor{}
	handleMessage(context.Background(), p, `{"bot_id":"alpha","text":"PRIORITY MODE ACTIVATED"}`, time.Second, zap.NewNop())
	handleMessage(context.Background(), p, `not json`, time.Second, zap.NewNop())
	handleMessage(context.Background(), p, `{"text":"no bot"}`, time.Second, zap.NewNop())

	require.Len(t, p.got, 1)
	assert.Equal(t, MeshMessage{BotID: "alpha", Text: "PRIORITY MODE ACTIVATED"}, p.got[0])
}
