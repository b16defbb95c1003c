package processor

import (
	"math"

	"fundingpool/config"
	"fundingpool/models"
)

// ThresholdEvaluator admits a symbol when |rate| reaches Threshold and its
// 24h volume is at least MinVolume. Members leave when |rate| falls below
// ExitThreshold, or below Threshold when no exit band is configured. Volume
// is checked at entry only.
type ThresholdEvaluator struct {
	Threshold     float64
	ExitThreshold float64
	MinVolume     float64
}

func NewEvaluator(cfg config.MonitorConfig) ThresholdEvaluator {
	return ThresholdEvaluator{
		Threshold:     cfg.Threshold,
		ExitThreshold: cfg.ExitThreshold,
		MinVolume:     cfg.MinVolume,
	}
}

func (e ThresholdEvaluator) exitLine() float64 {
	if e.ExitThreshold > 0 && e.ExitThreshold < e.Threshold {
		return e.ExitThreshold
	}
	return e.Threshold
}

// Decide returns the target status for sample given the current one. An
// unseen symbol is treated as outside.
func (e ThresholdEvaluator) Decide(current models.Status, seen bool, sample models.RateSample) models.Status {
	magnitude := math.Abs(sample.FundingRate)

	if seen && current == models.StatusInPool {
		if magnitude < e.exitLine() {
			return models.StatusOutside
		}
		return models.StatusInPool
	}

	if magnitude >= e.Threshold && sample.Volume24h >= e.MinVolume {
		return models.StatusInPool
	}
	return models.StatusOutside
}
