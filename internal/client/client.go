// Package client — HTTP-клиент API оркестратора для botfleetctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/botfleet/internal/audit"
	"github.com/xela07ax/botfleet/internal/domain"
)

// APIError — ответ API со статусом не 2xx.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

type DeployResult struct {
	DeploymentID  string `json:"deploymentId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimatedTime"`
}

func (c *Client) Deploy(ctx context.Context, req domain.DeployRequest) (*DeployResult, error) {
	var out DeployResult
	body := map[string]string{
		"botName":     req.BotName,
		"botType":     string(req.BotType),
		"credentials": req.Credentials,
		"environment": req.Environment,
	}
	if err := c.do(ctx, http.MethodPost, "/deploy", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deployment(ctx context.Context, id string) (*domain.Deployment, error) {
	var out domain.Deployment
	if err := c.do(ctx, http.MethodGet, "/deploy/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Recover(ctx context.Context, botID string, method domain.RecoveryMethod) (*domain.Recovery, error) {
	var out domain.Recovery
	body := map[string]string{"method": string(method)}
	if err := c.do(ctx, http.MethodPost, "/recover/"+url.PathEscape(botID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Dashboard(ctx context.Context) (*domain.Dashboard, error) {
	var out domain.Dashboard
	if err := c.do(ctx, http.MethodGet, "/dashboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Events(ctx context.Context, botID string, limit int) ([]audit.Event, error) {
	q := url.Values{}
	if botID != "" {
		q.Set("bot", botID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []audit.Event
	if err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PriorityStatus(ctx context.Context, botID string) (*domain.PriorityStatus, error) {
	var out domain.PriorityStatus
	if err := c.do(ctx, http.MethodGet, "/priority/"+url.PathEscape(botID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Activate(ctx context.Context, botID, task string) (*domain.TransitionResult, error) {
	return c.transition(ctx, botID, "activate", map[string]string{"task": task, "triggeredBy": "manual"})
}

func (c *Client) Deactivate(ctx context.Context, botID string) (*domain.TransitionResult, error) {
	return c.transition(ctx, botID, "deactivate", map[string]string{"reason": "manual"})
}

func (c *Client) ProcessMessage(ctx context.Context, botID, text string) (*domain.TransitionResult, error) {
	return c.transition(ctx, botID, "message", map[string]string{"text": text})
}

func (c *Client) transition(ctx context.Context, botID, action string, body any) (*domain.TransitionResult, error) {
	var out domain.TransitionResult
	if err := c.do(ctx, http.MethodPost, "/priority/"+url.PathEscape(botID)+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

type MaintenanceState struct {
	BotID string `json:"botId"`
	Held  bool   `json:"held"`
}

// SetMaintenance ставит (on) или снимает удержание бота.
func (c *Client) SetMaintenance(ctx context.Context, botID string, on bool) (*MaintenanceState, error) {
	method := http.MethodDelete
	if on {
		method = http.MethodPut
	}
	var out MaintenanceState
	if err := c.do(ctx, method, "/maintenance/"+url.PathEscape(botID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Maintenance(ctx context.Context) ([]string, error) {
	var out struct {
		Held []string `json:"held"`
	}
	if err := c.do(ctx, http.MethodGet, "/maintenance", nil, &out); err != nil {
		return nil, err
	}
	return out.Held, nil
}
