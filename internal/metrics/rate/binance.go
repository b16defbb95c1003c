package rate

import (
	"strings"

	futures "github.com/adshao/go-binance/v2/futures"
)

// BinanceRequestsPerSecond converts the REQUEST_WEIGHT limit advertised in
// exchangeInfo into a request rate, assuming every call costs weight and
// keeping headroom for other clients on the same IP. Zero means the limit
// could not be determined.
func BinanceRequestsPerSecond(limits []futures.RateLimit, weight int64, headroom float64) float64 {
	if weight <= 0 {
		weight = 1
	}
	if headroom <= 0 || headroom > 1 {
		headroom = 0.5
	}
	for _, rl := range limits {
		if rl.RateLimitType != "REQUEST_WEIGHT" {
			continue
		}
		seconds := intervalSeconds(rl.Interval, rl.IntervalNum)
		if seconds <= 0 || rl.Limit <= 0 {
			continue
		}
		return float64(rl.Limit) / float64(weight) / seconds * headroom
	}
	return 0
}

func intervalSeconds(interval string, num int64) float64 {
	if num <= 0 {
		num = 1
	}
	var unit float64
	switch strings.ToUpper(interval) {
	case "SECOND":
		unit = 1
	case "MINUTE":
		unit = 60
	case "HOUR":
		unit = 3600
	case "DAY":
		unit = 86400
	default:
		return 0
	}
	return unit * float64(num)
}
