package moderation

import (
	"math"

	"github.com/berserk3142-max/trust-guard/models"
)

type Thresholds struct {
	AutoApprove   float64
	AutoReject    float64
	MinConfidence float64
}

// Decide turns component scores into an automated action. It is pure: the
// same scores and thresholds always give the same result.
//
// Spam or toxicity at or above AutoReject rejects. Approval needs spam and
// toxicity to have been scored, every available score at or below
// AutoApprove and enough confidence. Anything else goes to a human.
func Decide(s models.ModerationScores, th Thresholds) (models.ModerationAction, float64) {
	all := []models.Score{s.Spam, s.Toxicity, s.Sentiment, s.Duplicate}
	available := 0
	peak := 0.0
	for _, sc := range all {
		if !sc.Available {
			continue
		}
		available++
		peak = math.Max(peak, sc.Value)
	}
	if available == 0 {
		return models.ModerationFlagForReview, 0
	}

	confidence := confidence(peak, float64(available)/float64(len(all)), th)

	for _, sc := range []models.Score{s.Spam, s.Toxicity} {
		if sc.Available && sc.Value >= th.AutoReject {
			return models.ModerationAutoReject, confidence
		}
	}
	scored := s.Spam.Available && s.Toxicity.Available
	if scored && peak <= th.AutoApprove && confidence >= th.MinConfidence {
		return models.ModerationAutoApprove, confidence
	}
	return models.ModerationFlagForReview, confidence
}

// confidence is high when the strongest score sits far from the middle of
// the review band and most dimensions were scored.
func confidence(peak, coverage float64, th Thresholds) float64 {
	mid := (th.AutoApprove + th.AutoReject) / 2
	if mid <= 0 {
		return coverage
	}
	span := math.Max(mid, 100-mid)
	c := 0.5 + 0.5*math.Min(1, math.Abs(peak-mid)/span)
	return math.Round(c*coverage*1000) / 1000
}
