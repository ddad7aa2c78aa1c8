package guard

import (
	"fmt"
	"math"
	"time"

	"github.com/witnz/quorum/internal/types"
)

type ReputationConfig struct {
	InitialScore            float64       `mapstructure:"initial_score"`
	DecayRate               float64       `mapstructure:"decay_rate"`
	RecoveryRate            float64       `mapstructure:"recovery_rate"`
	QuarantineThreshold     float64       `mapstructure:"quarantine_threshold"`
	RehabilitationThreshold float64       `mapstructure:"rehabilitation_threshold"`
	MaxQuarantineDuration   time.Duration `mapstructure:"max_quarantine_duration"`
}

func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		InitialScore:            100,
		DecayRate:               0.5,
		RecoveryRate:            1,
		QuarantineThreshold:     30,
		RehabilitationThreshold: 60,
		MaxQuarantineDuration:   5 * time.Minute,
	}
}

// Validate checks that faults only lower a score, successes only raise it
// and the quarantine band sits inside the score range.
func (c ReputationConfig) Validate() error {
	if c.DecayRate <= 0 || c.DecayRate > 1 {
		return fmt.Errorf("decay_rate must be in (0, 1], got %g", c.DecayRate)
	}
	if c.RecoveryRate < 0 {
		return fmt.Errorf("recovery_rate must not be negative, got %g", c.RecoveryRate)
	}
	if c.QuarantineThreshold < minScore || c.RehabilitationThreshold > maxScore {
		return fmt.Errorf("thresholds must be within [%g, %g]", minScore, maxScore)
	}
	if c.QuarantineThreshold >= c.RehabilitationThreshold {
		return fmt.Errorf("quarantine_threshold %g must be below rehabilitation_threshold %g",
			c.QuarantineThreshold, c.RehabilitationThreshold)
	}
	if c.InitialScore < minScore || c.InitialScore > maxScore {
		return fmt.Errorf("initial_score must be within [%g, %g], got %g", minScore, maxScore, c.InitialScore)
	}
	if c.MaxQuarantineDuration <= 0 {
		return fmt.Errorf("max_quarantine_duration must be positive")
	}
	return nil
}

const (
	minScore = 0.0
	maxScore = 100.0
)

// NodeReputation is the trust record kept for one cluster member.
type NodeReputation struct {
	Node              types.NodeID `json:"node"`
	Score             float64      `json:"score"`
	Successful        uint64       `json:"successful"`
	Failed            uint64       `json:"failed"`
	LastParticipation time.Time    `json:"last_participation"`
	Quarantined       bool         `json:"quarantined"`
	QuarantinedUntil  time.Time    `json:"quarantined_until"`
}

// Normalized returns the score scaled to [0, 1].
func (r NodeReputation) Normalized() float64 {
	return r.Score / maxScore
}

func clampScore(s float64) float64 {
	return math.Max(minScore, math.Min(maxScore, s))
}

func decayed(score, rate float64, weight int) float64 {
	if weight <= 0 {
		return score
	}
	return clampScore(score * math.Pow(1-rate, float64(weight)))
}
