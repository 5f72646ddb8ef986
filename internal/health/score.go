// Package health — периодическая оценка здоровья ботов и эскалация.
package health

import "time"

// Веса штрафов скоринга.
const (
	maxScore        = 100
	primaryPenalty  = 30
	meshPenalty     = 20
	slowPenalty     = 10
	verySlowPenalty = 20
)

type Thresholds struct {
	HealthTimeout    time.Duration
	MeshTimeout      time.Duration
	SlowResponse     time.Duration // > SlowResponse: -10
	VerySlowResponse time.Duration // > VerySlowResponse: -20 вместо -10
}

// Score — чистая функция от результатов проверок и общего времени пробы.
func Score(primaryOK, meshOK bool, roundTrip time.Duration, t Thresholds) int {
	score := maxScore
	if !primaryOK {
		score -= primaryPenalty
	}
	if !meshOK {
		score -= meshPenalty
	}
	switch {
	case t.VerySlowResponse > 0 && roundTrip > t.VerySlowResponse:
		score -= verySlowPenalty
	case t.SlowResponse > 0 && roundTrip > t.SlowResponse:
		score -= slowPenalty
	}
	return clamp(score)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
