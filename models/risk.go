package models

import "math"

// Action is the recommended handling for a risk-scored request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionMonitor   Action = "monitor"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// ActionForRisk maps a 0-100 risk score onto the shared action bands.
func ActionForRisk(risk float64) Action {
	switch {
	case risk >= 80:
		return ActionBlock
	case risk >= 50:
		return ActionChallenge
	case risk >= 20:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

// SeverityForRisk uses the same bands as ActionForRisk.
func SeverityForRisk(risk float64) Severity {
	switch {
	case risk >= 80:
		return SeverityCritical
	case risk >= 50:
		return SeverityHigh
	case risk >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ClampScore bounds a score to [0,100]. NaN becomes 0.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// SumWeights adds indicator weights and clamps the result.
func SumWeights(indicators []Indicator) float64 {
	var total float64
	for _, ind := range indicators {
		if ind.Weight > 0 {
			total += ind.Weight
		}
	}
	return ClampScore(total)
}

// Score is a tagged scoring result. Available=false means the dimension
// could not be computed, which is different from a zero score.
type Score struct {
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
	Reason    string  `json:"reason,omitempty"`
}

func Scored(v float64) Score {
	return Score{Value: ClampScore(v), Available: true}
}

func Unavailable(reason string) Score {
	return Score{Reason: reason}
}
