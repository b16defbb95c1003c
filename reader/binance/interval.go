package binance

import (
	"math"
	"sort"
	"time"

	"fundingpool/models"
)

// defaultInterval applies when the funding history is too short or irregular.
const defaultInterval = models.Interval(8 * time.Hour)

// intervalTolerance is how far, in hours, the gap between two settlements may
// sit from a whole hour.
const intervalTolerance = 0.1

// DetectInterval derives the settlement interval from funding settlement
// timestamps in milliseconds by measuring the gap between the last two.
func DetectInterval(fundingTimes []int64) models.Interval {
	if len(fundingTimes) < 2 {
		return defaultInterval
	}
	times := append([]int64(nil), fundingTimes...)
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	gap := float64(times[len(times)-1]-times[len(times)-2]) / float64(time.Hour/time.Millisecond)
	hours := math.Round(gap)
	if hours < 1 || math.Abs(gap-hours) > intervalTolerance {
		return defaultInterval
	}
	return models.Interval(time.Duration(hours) * time.Hour)
}
