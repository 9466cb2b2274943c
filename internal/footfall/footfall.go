// Package footfall models how likely each customer is to drop by at a given
// moment of the business day. Probabilities drift smoothly over the day using
// simplex noise so regulars come in waves instead of uniformly.
package footfall

import (
	"hash/fnv"
	"time"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/tavern/internal/customers"
)

// Config controls the footfall model.
type Config struct {
	Amplitude         float64       // 0 = flat, 1 = probability swings across the full 0–100 range
	Period            time.Duration // Scaled time for one noise unit along the day axis
	Octaves           int
	ReputationPerStep int     // Reputation needed for one step of bonus
	ReputationBonus   float64 // Probability points added per reputation step
}

// DefaultConfig returns gentle day-long waves.
func DefaultConfig() Config {
	return Config{
		Amplitude:         0.5,
		Period:            2 * time.Minute,
		Octaves:           2,
		ReputationPerStep: 10,
		ReputationBonus:   2,
	}
}

// Model computes visit probabilities. It is safe for concurrent use.
type Model struct {
	cfg   Config
	noise opensimplex.Noise
}

// New creates a footfall model seeded for reproducible days.
func New(seed int64, cfg Config) *Model {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.Octaves < 1 {
		cfg.Octaves = 1
	}
	return &Model{cfg: cfg, noise: opensimplex.NewNormalized(seed)}
}

// Probability returns the visit probability of c in [0, 100]. It satisfies
// customers.ProbabilityFunc.
func (m *Model) Probability(c *customers.Identity, ctx customers.ProbabilityContext) float64 {
	x := customerOffset(c.ID)
	y := float64(ctx.Phase)*7.31 + float64(ctx.Elapsed)/float64(m.cfg.Period)

	n := octaveNoise(m.noise, x, y, m.cfg.Octaves, 1, 0.5)
	p := 100 * (1 - m.cfg.Amplitude + m.cfg.Amplitude*n)

	if m.cfg.ReputationPerStep > 0 && ctx.Reputation > 0 {
		p += float64(ctx.Reputation/m.cfg.ReputationPerStep) * m.cfg.ReputationBonus
	}

	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// customerOffset spreads customers along the noise x axis.
func customerOffset(id customers.CustomerID) float64 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return float64(h.Sum32()%10000) / 97
}

// octaveNoise layers frequencies of normalized noise; the result stays in [0, 1].
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
