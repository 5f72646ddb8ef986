package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBoundaries(t *testing.T) {
	assert.Equal(t, HealthHealthy, Classify(100))
	assert.Equal(t, HealthHealthy, Classify(71))
	assert.Equal(t, HealthDegraded, Classify(70))
	assert.Equal(t, HealthDegraded, Classify(31))
	assert.Equal(t, HealthCritical, Classify(30))
	assert.Equal(t, HealthCritical, Classify(0))
}

func TestConsecutiveFailures(t *testing.T) {
	mk := func(scores ...int) []HealthSample {
		out := make([]HealthSample, len(scores))
		for i, s := range scores {
			out[i] = HealthSample{Score: s, Timestamp: time.Unix(int64(i), 0)}
		}
		return out
	}
	assert.Equal(t, 0, ConsecutiveFailures(nil))
	assert.Equal(t, 0, ConsecutiveFailures(mk(30, 100)))
	assert.Equal(t, 2, ConsecutiveFailures(mk(100, 70, 30)))
	assert.Equal(t, 3, ConsecutiveFailures(mk(30, 30, 30)))
	assert.Equal(t, 1, ConsecutiveFailures(mk(30, 71, 70)))
}

func TestDeploymentTransitions(t *testing.T) {
	assert.True(t, DeployStarting.CanTransition(DeployProvisioning))
	assert.False(t, DeployStarting.CanTransition(DeployConfiguring))
	assert.False(t, DeployConfiguring.CanTransition(DeployCompleted))
	assert.True(t, DeployTesting.CanTransition(DeployCompleted))
	assert.True(t, DeployProvisioning.CanTransition(DeployFailed))
	assert.False(t, DeployCompleted.CanTransition(DeployFailed))
	assert.False(t, DeployFailed.CanTransition(DeployStarting))
}

func TestTemplates(t *testing.T) {
	tpl, ok := TemplateFor(BotManager)
	assert.True(t, ok)
	assert.Equal(t, 45*time.Minute, tpl.Heartbeat)

	tpl.Capabilities[0] = "mutated"
	again, _ := TemplateFor(BotManager)
	assert.Equal(t, "coordination", again.Capabilities[0])

	_, ok = TemplateFor("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"designer", "manager", "support", "tool-builder"}, BotTypes())
}

func TestClaimsAllows(t *testing.T) {
	c := CustomClaims{Scopes: map[string]bool{ScopeDeploy: true}}
	assert.True(t, c.Allows(ScopeDeploy))
	assert.False(t, c.Allows(ScopeRecover))

	admin := CustomClaims{Scopes: map[string]bool{ScopeAdmin: true}}
	assert.True(t, admin.Allows(ScopePriority))
}
