package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/botfleet/internal/domain"
)

func TestClient_DeploySendsTokenAndBody(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/deploy", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"deploymentId":"deploy_1","status":"started"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok", time.Second)
	res, err := c.Deploy(context.Background(), domain.DeployRequest{BotName: "helper", BotType: domain.BotSupport, Credentials: "123"})
	require.NoError(t, err)
	assert.Equal(t, "deploy_1", res.DeploymentID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "123", gotBody["credentials"])
	assert.Equal(t, "support", gotBody["botType"])
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"recovery already in progress"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", time.Second).Recover(context.Background(), "alpha", domain.RecoverRestart)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "recovery already in progress", apiErr.Message)
}

func TestClient_PriorityPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		_, _ = w.Write([]byte(`{"applied":true,"mode":"priority"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	ctx := context.Background()
	res, err := c.Activate(ctx, "alpha", "fix outage")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	_, _ = c.Deactivate(ctx, "alpha")
	_, _ = c.ProcessMessage(ctx, "alpha", "PRIORITY MODE DEACTIVATED")
	_, _ = c.PriorityStatus(ctx, "alpha")

	assert.Equal(t, []string{
		"POST /priority/alpha/activate",
		"POST /priority/alpha/deactivate",
		"POST /priority/alpha/message",
		"GET /priority/alpha",
	}, paths)
}
