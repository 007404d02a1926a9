// Package reward converts a session's final contribution scores into an
// integer split of a fixed reward pool.
//
// Grounded directly on reward_calculator.py: all four strategies
// (proportional, tiered, performance-with-minimum-floor, hybrid) and the
// self-validation tolerance check are ported with matching constants.
package reward

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
	"github.com/trainmesh/coordinator/internal/infra/telemetry"
)

// ContributionInput is one worker's finalized session metrics as input
// to a reward computation.
type ContributionInput struct {
	WorkerID          string
	PayoutAddress     string
	FinalScore        int
	QualityScore      int
	ReliabilityScore  int
}

// Config configures the performance-based-with-minimum strategy's floor.
type Config struct {
	Strategy     domain.RewardStrategy
	MinPercentage float64 // performance-based floor, default 0.5
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Strategy: domain.RewardHybrid, MinPercentage: 0.5}
}

// Calculator computes reward distributions for a session.
type Calculator struct {
	cfg Config
	now func() time.Time
}

// NewCalculator creates a reward calculator.
func NewCalculator(cfg Config) *Calculator {
	if cfg.MinPercentage <= 0 {
		cfg.MinPercentage = 0.5
	}
	if cfg.Strategy == "" {
		cfg.Strategy = domain.RewardHybrid
	}
	return &Calculator{cfg: cfg, now: time.Now}
}

// Compute distributes pool among contributors per the configured
// strategy, validates the result, and returns it.
func (c *Calculator) Compute(sessionID string, pool int64, contributions []ContributionInput) (domain.RewardDistribution, error) {
	if pool <= 0 {
		return domain.RewardDistribution{}, domain.ErrEmptyPool
	}
	if len(contributions) == 0 {
		return domain.RewardDistribution{}, domain.ErrNoContributors
	}

	var rewards []domain.NodeReward
	switch c.cfg.Strategy {
	case domain.RewardProportional:
		rewards = c.proportional(pool, contributions)
	case domain.RewardTiered:
		rewards = c.tiered(pool, contributions)
	case domain.RewardPerformance:
		rewards = c.performanceWithMinimum(pool, contributions)
	case domain.RewardHybrid:
		rewards = c.hybrid(pool, contributions)
	default:
		rewards = c.proportional(pool, contributions)
	}

	dist := domain.RewardDistribution{
		SessionID:  sessionID,
		Pool:       pool,
		Strategy:   c.cfg.Strategy,
		Rewards:    rewards,
		ComputedAt: c.now(),
	}
	if err := dist.Validate(); err != nil {
		return domain.RewardDistribution{}, fmt.Errorf("compute rewards: %w", err)
	}
	telemetry.RewardDistributedTotal.Inc()
	return dist, nil
}

func totalFinal(contributions []ContributionInput) int64 {
	var total int64
	for _, c := range contributions {
		total += int64(c.FinalScore)
	}
	return total
}

// proportional distributes pool strictly by share of total final_score.
// Integer truncation remainder is not redistributed — the 1% tolerance
// in Validate absorbs it.
func (c *Calculator) proportional(pool int64, contributions []ContributionInput) []domain.NodeReward {
	total := totalFinal(contributions)
	rewards := make([]domain.NodeReward, 0, len(contributions))
	for _, in := range contributions {
		frac := 0.0
		var share int64
		if total > 0 {
			frac = float64(in.FinalScore) / float64(total)
			share = int64(float64(pool) * frac)
		}
		rewards = append(rewards, domain.NodeReward{
			WorkerID:             in.WorkerID,
			PayoutAddress:        in.PayoutAddress,
			ContributionScore:    in.FinalScore,
			ContributionFraction: frac,
			BaseReward:           share,
			TotalReward:          share,
		})
	}
	return rewards
}

// tiered allocates 85% of the pool proportionally, then splits the
// remaining 15% bonus pool between the top 50% of workers (15% bonus
// weight each) and the next 30% (5% bonus weight each), weighted within
// each tier by final_score.
func (c *Calculator) tiered(pool int64, contributions []ContributionInput) []domain.NodeReward {
	basePool := int64(float64(pool) * 0.85)
	bonusPool := pool - basePool

	base := c.proportional(basePool, contributions)
	byID := make(map[string]*domain.NodeReward, len(base))
	for i := range base {
		byID[base[i].WorkerID] = &base[i]
	}

	ranked := append([]ContributionInput(nil), contributions...)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].FinalScore > ranked[j].FinalScore })

	n := len(ranked)
	topCut := int(math.Ceil(float64(n) * 0.5))
	nextCut := int(math.Ceil(float64(n) * 0.8)) // top 50% + next 30%

	var weightTotal float64
	for i, in := range ranked {
		if i < topCut {
			weightTotal += 0.15 * float64(in.FinalScore)
		} else if i < nextCut {
			weightTotal += 0.05 * float64(in.FinalScore)
		}
	}

	for i, in := range ranked {
		r := byID[in.WorkerID]
		switch {
		case i < topCut:
			r.Tier = 1
			if weightTotal > 0 {
				r.BonusReward = int64(float64(bonusPool) * 0.15 * float64(in.FinalScore) / weightTotal)
			}
		case i < nextCut:
			r.Tier = 2
			if weightTotal > 0 {
				r.BonusReward = int64(float64(bonusPool) * 0.05 * float64(in.FinalScore) / weightTotal)
			}
		default:
			r.Tier = 3
		}
		r.TotalReward = r.BaseReward + r.BonusReward
	}
	return base
}

// performanceWithMinimum computes proportional shares, then lifts any
// worker below floor = avg_share * MinPercentage up to the floor, paid by
// an equal deduction from every above-minimum worker.
func (c *Calculator) performanceWithMinimum(pool int64, contributions []ContributionInput) []domain.NodeReward {
	rewards := c.proportional(pool, contributions)
	n := len(rewards)
	if n == 0 {
		return rewards
	}

	var sum int64
	for _, r := range rewards {
		sum += r.TotalReward
	}
	avg := float64(sum) / float64(n)
	floor := int64(avg * c.cfg.MinPercentage)

	var belowCount int
	var deficit int64
	for _, r := range rewards {
		if r.TotalReward < floor {
			deficit += floor - r.TotalReward
			belowCount++
		}
	}
	if deficit == 0 || belowCount == n {
		return rewards
	}
	aboveCount := n - belowCount
	deduction := deficit / int64(aboveCount)

	for i := range rewards {
		if rewards[i].TotalReward < floor {
			rewards[i].BaseReward = floor
			rewards[i].TotalReward = floor
		} else {
			rewards[i].BaseReward -= deduction
			rewards[i].TotalReward -= deduction
		}
	}
	return rewards
}

// hybrid splits the pool 70% proportional by final_score, 20% weighted
// by quality_score, 10% weighted by reliability_score.
func (c *Calculator) hybrid(pool int64, contributions []ContributionInput) []domain.NodeReward {
	finalPool := int64(float64(pool) * 0.70)
	qualityPool := int64(float64(pool) * 0.20)
	reliabilityPool := pool - finalPool - qualityPool

	var totalFinalScore, totalQuality, totalReliability int64
	for _, in := range contributions {
		totalFinalScore += int64(in.FinalScore)
		totalQuality += int64(in.QualityScore)
		totalReliability += int64(in.ReliabilityScore)
	}

	rewards := make([]domain.NodeReward, 0, len(contributions))
	for _, in := range contributions {
		var finalShare, qualityShare, reliabilityShare int64
		if totalFinalScore > 0 {
			finalShare = int64(float64(finalPool) * float64(in.FinalScore) / float64(totalFinalScore))
		}
		if totalQuality > 0 {
			qualityShare = int64(float64(qualityPool) * float64(in.QualityScore) / float64(totalQuality))
		}
		if totalReliability > 0 {
			reliabilityShare = int64(float64(reliabilityPool) * float64(in.ReliabilityScore) / float64(totalReliability))
		}
		total := finalShare + qualityShare + reliabilityShare
		frac := 0.0
		if totalFinalScore > 0 {
			frac = float64(in.FinalScore) / float64(totalFinalScore)
		}
		rewards = append(rewards, domain.NodeReward{
			WorkerID:             in.WorkerID,
			PayoutAddress:        in.PayoutAddress,
			ContributionScore:    in.FinalScore,
			ContributionFraction: frac,
			BaseReward:           finalShare,
			BonusReward:          qualityShare + reliabilityShare,
			TotalReward:          total,
		})
	}
	return rewards
}
