package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/console/handler"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra/auth"
	"github.com/xela07ax/botfleet/internal/maintenance"
)

type fakeDeploy struct {
	last domain.DeployRequest
}

func (f *fakeDeploy) Deploy(_ context.Context, req domain.DeployRequest) (string, error) {
	f.last = req
	switch {
	case req.BotType == "wizard":
		return "", &domain.ValidationError{Field: "botType", Reason: "unknown"}
	case req.BotName == "busy":
		return "", fmt.Errorf("%w: busy", domain.ErrDeploymentInProgress)
	}
	return "deploy_1", nil
}

func (f *fakeDeploy) Get(id string) (*domain.Deployment, error) {
	if id != "deploy_1" {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeploymentNotFound, id)
	}
	return &domain.Deployment{ID: id, BotName: "helper", State: domain.DeployTesting}, nil
}

type fakeRecovery struct {
	method domain.RecoveryMethod
}

func (f *fakeRecovery) Recover(_ context.Context, botID string, method domain.RecoveryMethod, _ domain.RecoveryTrigger) (*domain.Recovery, error) {
	f.method = method
	switch {
	case botID == "ghost":
		return nil, domain.ErrUnknownBot
	case !method.Valid():
		return nil, domain.ErrUnknownRecoveryMethod
	case botID == "locked":
		return nil, domain.ErrRecoveryInProgress
	}
	return &domain.Recovery{ID: "rec_1", BotID: botID, Method: method, Outcome: domain.RecoverySuccessful}, nil
}

func (f *fakeRecovery) Recovery(id string) (*domain.Recovery, bool) {
	if id != "rec_1" {
		return nil, false
	}
	return &domain.Recovery{ID: id}, true
}

func (f *fakeRecovery) Recoveries() []*domain.Recovery {
	return []*domain.Recovery{{ID: "rec_1"}}
}

type fakePriority struct {
	busy bool
}

func (f *fakePriority) result(mode domain.PriorityMode) domain.TransitionResult {
	if f.busy {
		return domain.TransitionResult{Deferred: true, Mode: domain.ModeNormal}
	}
	return domain.TransitionResult{Applied: true, Mode: mode}
}

func (f *fakePriority) Activate(_ context.Context, botID, _, _ string) (domain.TransitionResult, error) {
	if botID == "ghost" {
		return domain.TransitionResult{}, domain.ErrUnknownBot
	}
	return f.result(domain.ModePriority), nil
}

func (f *fakePriority) Deactivate(context.Context, string, string) (domain.TransitionResult, error) {
	return f.result(domain.ModeNormal), nil
}

func (f *fakePriority) Status(botID string) (domain.PriorityStatus, error) {
	return domain.PriorityStatus{PriorityState: domain.PriorityState{BotID: botID, Mode: domain.ModeNormal}}, nil
}

func (f *fakePriority) ProcessMessage(_ context.Context, _, text string) (domain.TransitionResult, error) {
	if !strings.Contains(text, "PRIORITY") {
		return domain.TransitionResult{}, domain.ErrUnknownDirective
	}
	return f.result(domain.ModePriority), nil
}

type fakeDashboard struct{}

func (fakeDashboard) GetDashboard(context.Context) (*domain.Dashboard, error) {
	return &domain.Dashboard{Summary: domain.FleetSummary{TotalBots: 2, AverageHealth: 85}}, nil
}

type fakeEvents struct{}

func (fakeEvents) RecentEvents(_ context.Context, botID string, limit int) ([]audit.Event, error) {
	return []audit.Event{{ID: "e1", BotID: botID, Kind: audit.EventRecovery, Status: fmt.Sprint(limit)}}, nil
}

type fakeBots struct{}

func (fakeBots) Bot(id string) (domain.BotInstance, bool) {
	return domain.BotInstance{ID: id}, id != "ghost"
}

type fixture struct {
	srv      *ConsoleServer
	deploy   *fakeDeploy
	recovery *fakeRecovery
	priority *fakePriority
}

func newFixture(t *testing.T, v auth.TokenValidator, events ...handler.EventSource) *fixture {
	t.Helper()
	f := &fixture{deploy: &fakeDeploy{}, recovery: &fakeRecovery{}, priority: &fakePriority{}}
	log := zap.NewNop()
	var source handler.EventSource
	if len(events) > 0 {
		source = events[0]
	}
	f.srv = NewConsoleServer(log, v, prometheus.NewRegistry(),
		handler.NewDeployHandler(f.deploy, log),
		handler.NewRecoveryHandler(f.recovery, f.recovery, log),
		handler.NewPriorityHandler(f.priority),
		handler.NewDashboardHandler(fakeDashboard{}),
		handler.NewEventsHandler(source),
		handler.NewMaintenanceHandler(maintenance.NewHolds(nil, log), fakeBots{}),
	)
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if len(header) > 0 {
		req.Header.Set("Authorization", header[0])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "").Code)
}

func TestDeployRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/deploy", `{"botName":"helper","botType":"support","telegramToken":"t0k"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp handler.DeployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deploy_1", resp.DeploymentID)
	assert.Equal(t, "started", resp.Status)
	assert.Equal(t, "Deploying support bot: helper", resp.Message)
	assert.Equal(t, "t0k", f.deploy.last.Credentials)

	// credentials имеет приоритет над telegramToken
	f.do(http.MethodPost, "/deploy", `{"botName":"helper","botType":"support","credentials":"new","telegramToken":"old"}`)
	assert.Equal(t, "new", f.deploy.last.Credentials)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/deploy", `{"botName":"x","botType":"wizard"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/deploy", `{not json`).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/deploy", `{"botName":"busy","botType":"support"}`).Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/deploy/deploy_1", "").Code)
	rec = f.do(http.MethodGet, "/deploy/deploy_404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "deployment not found")
}

func TestRecoverRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/recover/alpha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RecoverRestart, f.recovery.method)

	f.do(http.MethodPost, "/recover/alpha", `{"method":"reboot"}`)
	assert.Equal(t, domain.RecoverReboot, f.recovery.method)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/recover/ghost", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/recover/alpha", `{"method":"teleport"}`).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/recover/locked", "").Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/recoveries", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/recoveries/rec_1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/recoveries/rec_2", "").Code)
}

func TestPriorityRoutes(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/priority/alpha", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/priority/alpha/activate", `{"task":"fix outage"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/priority/alpha/cooldown", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/priority/ghost/activate", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/priority/alpha/message", `{"text":"hello"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/priority/alpha/message", `{}`).Code)

	f.priority.busy = true
	rec := f.do(http.MethodPost, "/priority/alpha/deactivate", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deferred":true`)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dash domain.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	assert.Equal(t, 2, dash.Summary.TotalBots)
}

func TestAuthProtectsMutations(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	f := newFixture(t, auth.NewRSAValidator(&key.PublicKey))

	body := `{"botName":"helper","botType":"support","telegramToken":"t"}`
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/deploy", body).Code)

	viewer, err := auth.IssueToken(key, "viewer", nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/dashboard", "", "Bearer "+viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/deploy", body, "Bearer "+viewer).Code)

	deployer, err := auth.IssueToken(key, "ops", []string{domain.ScopeDeploy}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/deploy", body, "Bearer "+deployer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/recover/alpha", "", "Bearer "+deployer).Code)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotImplemented, f.do(http.MethodGet, "/events", "").Code)

	f = newFixture(t, nil, fakeEvents{})
	rec := f.do(http.MethodGet, "/events?bot=alpha&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].BotID)
	assert.Equal(t, "5", got[0].Status)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/events?limit=0", "").Code)
}

func TestMaintenanceRoutes(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPut, "/maintenance/alpha", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"botId":"alpha","held":true}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/maintenance/ghost", "").Code)

	w = f.do(http.MethodGet, "/maintenance", "")
	assert.JSONEq(t, `{"held":["alpha"]}`, w.Body.String())

	w = f.do(http.MethodDelete, "/maintenance/alpha", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"botId":"alpha","held":false}`, w.Body.String())
}
