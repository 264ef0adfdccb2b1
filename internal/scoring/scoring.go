// Package scoring turns a classifier severity and the observed category
// volume into the impact score shown on the dashboard.
package scoring

import "insightstream/internal/domain"

const (
	// VolumeWeight is added per similar item. With MaxScore it keeps a
	// Critical outage (base >= 90) at or above a Feature request (base <= 59)
	// for up to ten similar items: 59 + 10*3 = 89 < 90.
	VolumeWeight = 3
	MaxScore     = 100
)

// Score returns min(100, base + count*3). Inputs are clamped first so the
// result always falls within [0,100]. category is accepted for callers that
// key scoring by category; the formula does not weigh it.
func Score(category string, baseScore, categoryCount int) int {
	base := domain.ClampScore(baseScore)
	if categoryCount < 0 {
		categoryCount = 0
	}
	// Guard the multiplication against huge counts.
	if categoryCount > MaxScore {
		categoryCount = MaxScore
	}
	final := base + categoryCount*VolumeWeight
	if final > MaxScore {
		return MaxScore
	}
	return final
}
