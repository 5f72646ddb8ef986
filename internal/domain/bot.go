package domain

import (
	"sort"
	"time"
)

type BotType string

const (
	BotToolBuilder BotType = "tool-builder"
	BotDesigner    BotType = "designer"
	BotSupport     BotType = "support"
	BotManager     BotType = "manager"
)

type BotStatus string

const (
	BotProvisioning BotStatus = "provisioning"
	BotOnline       BotStatus = "online"
	BotDegraded     BotStatus = "degraded"
	BotCritical     BotStatus = "critical"
	BotOffline      BotStatus = "offline" // До первой проверки после рестарта оркестратора
)

// BotTemplate — фиксированный профиль ресурсов и возможностей для типа бота.
type BotTemplate struct {
	InstanceType string        `json:"instance_type"`
	Image        string        `json:"image,omitempty"` // Для docker-бэкенда
	Model        string        `json:"model"`
	Heartbeat    time.Duration `json:"heartbeat"`
	MemoryMB     int64         `json:"memory_mb"`
	StorageGB    int           `json:"storage_gb"`
	Compaction   string        `json:"compaction"`
	Cooldown     int           `json:"cooldown"` // секунды, watcher.cooldown
	Capabilities []string      `json:"capabilities"`
	Onboarding   []string      `json:"onboarding"` // Команды первичной настройки
}

var botTemplates = map[BotType]BotTemplate{
	BotToolBuilder: {
		InstanceType: "t3.medium",
		Model:        "anthropic/claude-sonnet-4-20250514",
		Heartbeat:    30 * time.Minute,
		MemoryMB:     4096,
		StorageGB:    20,
		Compaction:   "safeguard",
		Cooldown:     60,
		Capabilities: []string{"automation", "deployment", "coding", "infrastructure"},
		Onboarding: []string{
			"mkdir -p ~/workspace ~/.clawdbot/skills",
			"clawdbot skills install automation deployment",
		},
	},
	BotDesigner: {
		InstanceType: "t3.small",
		Model:        "anthropic/claude-sonnet-4-20250514",
		Heartbeat:    35 * time.Minute,
		MemoryMB:     2048,
		StorageGB:    15,
		Compaction:   "safeguard",
		Cooldown:     60,
		Capabilities: []string{"design", "ux", "review", "aesthetics"},
		Onboarding: []string{
			"mkdir -p ~/designs ~/.clawdbot/skills",
			"clawdbot skills install design-review",
		},
	},
	BotSupport: {
		InstanceType: "t3.micro",
		Model:        "anthropic/claude-3-5-haiku-latest",
		Heartbeat:    20 * time.Minute,
		MemoryMB:     1024,
		StorageGB:    10,
		Compaction:   "safeguard",
		Cooldown:     60,
		Capabilities: []string{"knowledge-base", "faq", "customer-support"},
		Onboarding: []string{
			"mkdir -p ~/kb ~/.clawdbot/skills",
			"clawdbot skills install knowledge-base",
		},
	},
	BotManager: {
		InstanceType: "t3.large",
		Model:        "anthropic/claude-opus-latest",
		Heartbeat:    45 * time.Minute,
		MemoryMB:     8192,
		StorageGB:    30,
		Compaction:   "safeguard",
		Cooldown:     90,
		Capabilities: []string{"coordination", "decision-making", "planning", "oversight"},
		Onboarding: []string{
			"mkdir -p ~/plans ~/.clawdbot/skills",
			"clawdbot skills install coordination",
		},
	},
}

// TemplateFor возвращает копию шаблона; ok=false для неизвестного типа.
func TemplateFor(t BotType) (BotTemplate, bool) {
	tpl, ok := botTemplates[t]
	if !ok {
		return BotTemplate{}, false
	}
	tpl.Capabilities = append([]string(nil), tpl.Capabilities...)
	tpl.Onboarding = append([]string(nil), tpl.Onboarding...)
	return tpl, true
}

// BotTypes — список известных типов (для сообщений валидации).
func BotTypes() []string {
	out := make([]string, 0, len(botTemplates))
	for t := range botTemplates {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

type BotInstance struct {
	ID                  string    `json:"id"` // Совпадает с именем бота
	Type                BotType   `json:"type"`
	Address             string    `json:"address"`
	InstanceHandle      string    `json:"instance_handle"` // Непрозрачный handle провайдера
	Environment         string    `json:"environment"`
	Status              BotStatus `json:"status"`
	HealthScore         int       `json:"health_score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastHealthCheck     time.Time `json:"last_health_check,omitempty"`
	DeployedAt          time.Time `json:"deployed_at"`

	// ID открытого алерта деградации; "" — эпизода нет
	AlertEpisode string `json:"alert_episode,omitempty"`
}
