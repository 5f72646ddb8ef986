package domain

import "time"

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Границы классификации: healthy > 70, degraded > 30, остальное critical.
const (
	HealthyCut  = 70
	DegradedCut = 30
)

// Classify — чистая функция от score.
func Classify(score int) HealthStatus {
	switch {
	case score > HealthyCut:
		return HealthHealthy
	case score > DegradedCut:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// BotStatusFor переводит класс здоровья в статус жизненного цикла бота.
func BotStatusFor(s HealthStatus) BotStatus {
	switch s {
	case HealthHealthy:
		return BotOnline
	case HealthDegraded:
		return BotDegraded
	default:
		return BotCritical
	}
}

// CheckResult — результат одной проверки внутри пробы.
type CheckResult struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

type ProbeBreakdown struct {
	HealthEndpoint CheckResult `json:"health_endpoint"`
	MeshNetwork    CheckResult `json:"mesh_network"`
	ResponseTimeMs int64       `json:"response_time_ms"`
	Error          string      `json:"error,omitempty"` // Исключение уровня пробы
}

type HealthSample struct {
	BotID     string         `json:"bot_id"`
	Timestamp time.Time      `json:"timestamp"`
	Score     int            `json:"score"`
	Status    HealthStatus   `json:"status"`
	Breakdown ProbeBreakdown `json:"metrics"`
}

// ConsecutiveFailures считает хвост истории (от новых к старым)
// со score <= HealthyCut; первый healthy-сэмпл обрывает счёт.
func ConsecutiveFailures(history []HealthSample) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Score > HealthyCut {
			break
		}
		n++
	}
	return n
}
