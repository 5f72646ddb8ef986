package domain

import "time"

type Alert struct {
	ID         string     `json:"id"`
	BotID      string     `json:"bot_id,omitempty"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"createdAt"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
