package remote

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Команды управления шлюзом clawdbot на хосте бота.
const (
	CmdGatewayStop   = "pkill clawdbot || true"
	CmdGatewayStart  = "nohup clawdbot gateway start > /dev/null 2>&1 &"
	CmdClearSessions = "rm -rf ~/.clawdbot/sessions/* ~/.clawdbot/agents/*/sessions/*"
	CmdGatewayStatus = "clawdbot gateway status"
)

// ConfigPatch — merge-патч конфигурации работающего шлюза.
func ConfigPatch(patch map[string]any) (string, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return "", err
	}
	return "clawdbot gateway config.patch " + shellQuote(string(data)), nil
}

// HeartbeatPatch меняет интервал heartbeat всех агентов бота.
func HeartbeatPatch(interval time.Duration) string {
	cmd, _ := ConfigPatch(map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{
				"heartbeat": map[string]any{"intervalMs": interval.Milliseconds()},
			},
		},
	})
	return cmd
}

// WriteFile записывает содержимое файла через heredoc с уникальным маркером.
func WriteFile(path, content string) string {
	marker := "BOTFLEET_EOF_" + strconv.Itoa(len(content))
	return "mkdir -p $(dirname " + path + ") && cat > " + path + " <<'" + marker + "'\n" + content + "\n" + marker
}

// shellQuote оборачивает строку в одинарные кавычки для sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
