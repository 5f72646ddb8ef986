package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/fleet"
	"github.com/xela07ax/botfleet/internal/recovery"
	"github.com/xela07ax/botfleet/internal/remote"
)

type nopStore struct{}

func (nopStore) Load(context.Context) (*domain.Snapshot, error) { return nil, fleet.ErrNoSnapshot }
func (nopStore) Save(context.Context, *domain.Snapshot) error { return nil }

// slowExec держит остановку шлюза, пока тест не откроет gate.
type slowExec struct {
	mu       sync.Mutex
	commands []string
	entered  chan struct{}
	gate     chan struct{}
}

func (e *slowExec) Execute(ctx context.Context, _, command string, _ time.Duration) (remote.ExecResult, error) {
	if command == remote.CmdGatewayStop {
		e.entered <- struct{}{}
		select {
		case <-e.gate:
		case <-ctx.Done():
			return remote.ExecResult{}, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, command)
	return remote.ExecResult{OK: true}, nil
}

func (e *slowExec) sent() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

type healthyProber struct{}

func (healthyProber) Check(_ context.Context, bot domain.BotInstance) domain.HealthSample {
	return domain.HealthSample{BotID: bot.ID, Score: 90, Status: domain.Classify(90), Timestamp: time.Now()}
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

func TestRecover_CompletesAfterClientDisconnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := fleet.NewRegistry(nopStore{}, clock, 24*time.Hour, nil, zap.NewNop())
	reg.RegisterBot(domain.BotInstance{ID: "alpha", Type: domain.BotSupport, Address: "10.0.0.1"})

	exec := &slowExec{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	ctrl := recovery.NewController(reg, exec, nil, healthyProber{}, nopNotifier{}, nil,
		recovery.Config{Timeout: time.Minute}, clock, nil, zap.NewNop())
	t.Cleanup(ctrl.Close)

	router := chi.NewRouter()
	router.Post("/recover/{botId}", NewRecoveryHandler(ctrl, reg, zap.NewNop()).Recover)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/recover/alpha", strings.NewReader(`{"method":"restart"}`)).WithContext(ctx)
	resp := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(resp, req)
	}()

	select {
	case <-exec.entered:
	case <-time.After(time.Second):
		t.Fatal("recovery did not start")
	}
	cancel() // клиент ушёл посреди ремонта
	close(exec.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recover handler did not return")
	}

	require.Equal(t, http.StatusOK, resp.Code)
	var got domain.Recovery
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, domain.RecoverySuccessful, got.Outcome)
	assert.Equal(t, []string{remote.CmdGatewayStop, remote.CmdGatewayStart}, exec.sent())
	assert.False(t, reg.RecoveryInFlight("alpha"))
}

func TestRecover_CancelledRequestStartsNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := fleet.NewRegistry(nopStore{}, clock, 24*time.Hour, nil, zap.NewNop())
	reg.RegisterBot(domain.BotInstance{ID: "alpha", Type: domain.BotSupport, Address: "10.0.0.1"})
	exec := &slowExec{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	ctrl := recovery.NewController(reg, exec, nil, healthyProber{}, nopNotifier{}, nil,
		recovery.Config{}, clock, nil, zap.NewNop())
	t.Cleanup(ctrl.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctrl.Recover(ctx, "alpha", domain.RecoverRestart, domain.TriggerManual)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reg.Recoveries())
	assert.Empty(t, exec.sent())
}
