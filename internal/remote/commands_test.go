package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatPatch(t *testing.T) {
	assert.Equal(t,
		`clawdbot gateway config.patch '{"agents":{"defaults":{"heartbeat":{"intervalMs":60000}}}}'`,
		HeartbeatPatch(time.Minute))
	assert.Contains(t, HeartbeatPatch(30*time.Minute), `"intervalMs":1800000`)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
