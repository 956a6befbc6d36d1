package gaps

import (
	"math"
	"time"

	"tn-legal-rag/internal/config"
)

// frequencyScale is the signal count at which frequency reaches 1-1/e
const frequencyScale = 5.0

// Priority combines how often a gap was hit, how negative its feedback was and how recently
// it was last seen into a score in [0, 1]. Negativity grows with the number of negative
// feedback entries and is averaged with the rating shortfall when ratings exist. Recency
// halves every quarter of the analysis window.
func Priority(cfg config.GapsConfig, occurrences, negatives int, avgRating *float64, lastSeen, now time.Time) float64 {
	total := cfg.FrequencyWeight + cfg.NegativityWeight + cfg.RecencyWeight
	n := occurrences + negatives
	if total <= 0 || n <= 0 {
		return 0
	}

	frequency := 1 - math.Exp(-float64(n)/frequencyScale)

	negativity := 1 - math.Exp(-float64(negatives)/frequencyScale)
	if avgRating != nil {
		negativity = (negativity + clamp((5-*avgRating)/4)) / 2
	}

	recency := 1.0
	if halfLife := cfg.Window / 4; halfLife > 0 {
		if age := now.Sub(lastSeen); age > 0 {
			recency = math.Pow(0.5, float64(age)/float64(halfLife))
		}
	}

	score := (cfg.FrequencyWeight*frequency + cfg.NegativityWeight*negativity + cfg.RecencyWeight*recency) / total
	return math.Round(clamp(score)*1000) / 1000
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
