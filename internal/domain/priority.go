package domain

import "time"

type PriorityMode string

const (
	ModeNormal   PriorityMode = "normal"
	ModePriority PriorityMode = "priority"
)

// PriorityState — персистентное состояние режима приоритета одного бота.
type PriorityState struct {
	BotID              string        `json:"bot_id"`
	Mode               PriorityMode  `json:"mode"`
	Task               string        `json:"task,omitempty"`
	TriggeredBy        string        `json:"triggered_by,omitempty"`
	ActivatedAt        *time.Time    `json:"activated_at,omitempty"`
	DeactivatedAt      *time.Time    `json:"deactivated_at,omitempty"`
	DeactivationReason string        `json:"deactivation_reason,omitempty"`
	CurrentHeartbeat   time.Duration `json:"current_heartbeat"`
	RevertDeadline     *time.Time    `json:"revert_deadline,omitempty"`
	LastUpdated        time.Time     `json:"last_updated"`
}

// PriorityStatus — ответ на запрос статуса (CLI / HTTP).
type PriorityStatus struct {
	PriorityState
	Elapsed time.Duration `json:"elapsed"`
	Stale   bool          `json:"stale"`             // priority дольше максимума
	Pending string        `json:"pending,omitempty"` // отложенный переход: activate|deactivate
}

// TransitionResult сообщает, применён ли переход сразу или отложен.
type TransitionResult struct {
	Applied  bool         `json:"applied"`
	Deferred bool         `json:"deferred"`
	Mode     PriorityMode `json:"mode"`
}
