package rate

import (
	"strings"

	"fundingpool/internal/metrics"
	"fundingpool/logger"
)

// ReportRateLimitExceeded emits a rate_limit_exceeded counter for the exchange and logs a
// warning carrying the symbol and operation that hit the limit.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, operation string) {
	component := strings.ToLower(exchange) + "_source"
	fields := logger.Fields{
		"exchange":  strings.ToLower(exchange),
		"symbol":    symbol,
		"operation": operation,
	}
	metrics.EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan emits an ip_ban counter for the exchange and logs it as an error.
func ReportIPBan(log *logger.Log, exchange, symbol, operation string) {
	component := strings.ToLower(exchange) + "_source"
	fields := logger.Fields{
		"exchange":  strings.ToLower(exchange),
		"symbol":    symbol,
		"operation": operation,
	}
	metrics.EmitMetric(log, component, "ip_ban", int64(1), "counter", fields)
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent(component).WithFields(fields).Error("ip banned")
}

// DetectLimit inspects the message returned from an exchange and determines whether
// it signals a rate limit exceed or an IP ban. The detection logic is customised per
// exchange as each one uses different wording.
func DetectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "too much request weight")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "429000")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate limit or IP ban events found in msg and reports
// whether the message denotes either of them.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, operation, msg string) bool {
	rateLimit, ipBan := DetectLimit(exchange, msg)
	if ipBan {
		ReportIPBan(log, exchange, symbol, operation)
	} else if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, operation)
	}
	return rateLimit || ipBan
}
