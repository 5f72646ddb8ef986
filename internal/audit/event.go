package audit

import "time"

type EventKind string

const (
	EventDeployment EventKind = "deployment"
	EventRecovery   EventKind = "recovery"
	EventPriority   EventKind = "priority"
	EventAlert      EventKind = "alert"
)

// Event — запись журнала операций над флотом.
type Event struct {
	ID        string         `json:"id"`               // UUID события
	Kind      EventKind      `json:"kind"`             // Чем было вызвано
	BotID     string         `json:"bot_id"`           // С каким ботом
	RefID     string         `json:"ref_id,omitempty"` // ID развёртывания / восстановления / алерта
	Status    string         `json:"status"`           // completed, failed, successful, activated, ...
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
