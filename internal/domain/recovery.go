package domain

import "time"

type RecoveryMethod string

const (
	RecoverRestart     RecoveryMethod = "restart"
	RecoverReboot      RecoveryMethod = "reboot"
	RecoverRedeploy    RecoveryMethod = "redeploy"
	RecoverAutoRestart RecoveryMethod = "auto-restart"
)

func (m RecoveryMethod) Valid() bool {
	switch m {
	case RecoverRestart, RecoverReboot, RecoverRedeploy, RecoverAutoRestart:
		return true
	}
	return false
}

type RecoveryOutcome string

const (
	RecoverySuccessful RecoveryOutcome = "successful"
	RecoveryPartial    RecoveryOutcome = "partial"
	RecoveryFailed     RecoveryOutcome = "failed"
)

type RecoveryTrigger string

const (
	TriggerManual RecoveryTrigger = "manual"
	TriggerAuto   RecoveryTrigger = "auto"
)

type RecoveryStep struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

type Recovery struct {
	ID               string          `json:"id"`
	BotID            string          `json:"botId"`
	Method           RecoveryMethod  `json:"method"`
	Trigger          RecoveryTrigger `json:"trigger"`
	Steps            []RecoveryStep  `json:"steps"`
	Outcome          RecoveryOutcome `json:"status,omitempty"`
	FinalHealthScore *int            `json:"finalHealthScore,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	FailedAt         *time.Time      `json:"failedAt,omitempty"`
}

func (r *Recovery) Clone() *Recovery {
	cp := *r
	cp.Steps = append([]RecoveryStep(nil), r.Steps...)
	if r.FinalHealthScore != nil {
		v := *r.FinalHealthScore
		cp.FinalHealthScore = &v
	}
	return &cp
}
