package models

import "math"

// Weights of the weighted-gap formula. Fixed for compatibility with stored
// historical values: primary 0.7, bonus 0.2, other 0.1.
const (
	primaryGapWeight = 0.7
	bonusGapWeight   = 0.2
	otherGapWeight   = 0.1
)

// WeightedGap collapses the per-metric user/judge disagreement into one
// scalar. The primary metric's absolute gap carries weight 0.7, the mean
// absolute gap over the bonus metrics 0.2 (0 if there are none), and the
// mean absolute gap over every remaining metric scored by both sides 0.1.
func WeightedGap(primaryMetric string, bonusMetrics []string, userScores, judgeScores ScoreMap) float64 {
	gap := func(slug string) (float64, bool) {
		user, okUser := userScores[slug]
		judge, okJudge := judgeScores[slug]
		if !okUser || !okJudge || user.Score == nil || judge.Score == nil {
			return 0, false
		}
		return math.Abs(float64(*user.Score - *judge.Score)), true
	}

	primaryGap, _ := gap(primaryMetric)

	counted := map[string]bool{primaryMetric: true}
	bonusSum, bonusN := 0.0, 0
	for _, slug := range bonusMetrics {
		if counted[slug] {
			continue
		}
		counted[slug] = true
		if value, ok := gap(slug); ok {
			bonusSum += value
			bonusN++
		}
	}

	otherSum, otherN := 0.0, 0
	for slug := range userScores {
		if counted[slug] {
			continue
		}
		if value, ok := gap(slug); ok {
			otherSum += value
			otherN++
		}
	}

	bonusAvg := 0.0
	if bonusN > 0 {
		bonusAvg = bonusSum / float64(bonusN)
	}
	otherAvg := 0.0
	if otherN > 0 {
		otherAvg = otherSum / float64(otherN)
	}

	return primaryGap*primaryGapWeight + bonusAvg*bonusGapWeight + otherAvg*otherGapWeight
}
