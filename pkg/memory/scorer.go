package memory

import (
	"math"
	"strings"
	"time"
)

// Relevance weights.
const (
	recencyScale       = 100.0
	recencyDecayHours  = 24.0
	accessWeight       = 5.0
	accessCap          = 10
	importanceWeight   = 20.0
	userMatchBonus     = 40.0
	topicTokenBonus    = 15.0
	platformMatchBonus = 10.0
)

var tierBonus = map[Tier]float64{
	TierHot:  30,
	TierWarm: 15,
	TierCold: 0,
}

// ScoreBreakdown lists each additive term of a relevance score.
type ScoreBreakdown struct {
	Recency    float64
	Access     float64
	Importance float64
	Tier       float64
	User       float64
	Topic      float64
	Platform   float64
}

func (b ScoreBreakdown) Total() float64 {
	return b.Recency + b.Access + b.Importance + b.Tier + b.User + b.Topic + b.Platform
}

// Score rates r against q at time now. It is pure.
func Score(r *Record, q Query, now time.Time) float64 {
	return Explain(r, q, now).Total()
}

// Explain computes the per-term breakdown behind Score.
func Explain(r *Record, q Query, now time.Time) ScoreBreakdown {
	var b ScoreBreakdown

	ageHours := now.Sub(r.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	b.Recency = math.Exp(-ageHours/recencyDecayHours) * recencyScale

	count := r.AccessCount
	if count > accessCap {
		count = accessCap
	}
	if count < 0 {
		count = 0
	}
	b.Access = float64(count) * accessWeight

	b.Importance = r.EmotionalImportance * importanceWeight
	b.Tier = tierBonus[r.Tier]

	if q.Username != "" && r.HasUser(q.Username) {
		b.User = userMatchBonus
	}

	if tokens := TopicTokens(q.Topic); len(tokens) > 0 {
		text := recordText(r)
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				b.Topic += topicTokenBonus
			}
		}
	}

	if q.Platform != "" && q.Platform == r.Platform {
		b.Platform = platformMatchBonus
	}
	return b
}
