package domain

import "time"

type DeploymentState string

const (
	DeployStarting     DeploymentState = "starting"
	DeployProvisioning DeploymentState = "provisioning"
	DeployConfiguring  DeploymentState = "configuring"
	DeployTesting      DeploymentState = "testing"
	DeployCompleted    DeploymentState = "completed"
	DeployFailed       DeploymentState = "failed"
)

func (s DeploymentState) Terminal() bool {
	return s == DeployCompleted || s == DeployFailed
}

// deployOrder задаёт допустимый порядок нетерминальных состояний.
var deployOrder = map[DeploymentState]int{
	DeployStarting:     0,
	DeployProvisioning: 1,
	DeployConfiguring:  2,
	DeployTesting:      3,
	DeployCompleted:    4,
}

// CanTransition: только вперёд по цепочке без пропусков,
// completed только из testing, failed из любого нетерминального.
func (s DeploymentState) CanTransition(to DeploymentState) bool {
	if s.Terminal() {
		return false
	}
	if to == DeployFailed {
		return true
	}
	from, ok1 := deployOrder[s]
	next, ok2 := deployOrder[to]
	return ok1 && ok2 && next == from+1
}

type Step struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type Deployment struct {
	ID             string          `json:"id"`
	BotName        string          `json:"botName"`
	BotType        BotType         `json:"botType"`
	Environment    string          `json:"environment"`
	State          DeploymentState `json:"status"`
	Steps          []Step          `json:"steps"`
	Error          string          `json:"error,omitempty"`
	InstanceHandle string          `json:"instanceId,omitempty"`
	Address        string          `json:"publicIp,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
}

// Clone — глубокая копия для отдачи наружу из реестра.
func (d *Deployment) Clone() *Deployment {
	cp := *d
	cp.Steps = append([]Step(nil), d.Steps...)
	return &cp
}

// DeployRequest — вход пайплайна. Credentials — токен бота в мессенджере.
type DeployRequest struct {
	BotName     string  `json:"botName"`
	BotType     BotType `json:"botType"`
	Credentials string  `json:"telegramToken"`
	Environment string  `json:"environment,omitempty"`
}
