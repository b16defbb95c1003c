package rate

import (
	"context"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"fundingpool/config"
	"fundingpool/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	log := logger.GetLogger()
	ReportRateLimitExceeded(log, "binance", "BTCUSDT", "premium_index")
}

func TestReportIPBan(t *testing.T) {
	log := logger.GetLogger()
	ReportIPBan(log, "binance", "BTCUSDT", "premium_index")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"binance", "Too many requests", true, false},
		{"binance", "Too much request weight used; current limit is 2400", true, false},
		{"kucoin", "429 Too Many Requests", true, false},
		{"kucoin", "code 429000", true, false},
		{"bybit", "IP rate limit reached", false, true},
		{"bybit", "Too many visits!", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := DetectLimit(c.exchange, c.msg)
		if rl != c.rate {
			t.Errorf("exchange %s: expected rateLimit %v got %v", c.exchange, c.rate, rl)
		}
		if ban != c.ban {
			t.Errorf("exchange %s: expected ipBan %v got %v", c.exchange, c.ban, ban)
		}
	}
}

func TestReportLimitFromMessage(t *testing.T) {
	if !ReportLimitFromMessage(nil, "binance", "ETHUSDT", "funding", "Way too many requests; IP banned until 1700000000") {
		t.Fatal("expected ban to be reported")
	}
	if ReportLimitFromMessage(nil, "binance", "ETHUSDT", "funding", "Invalid symbol.") {
		t.Fatal("unexpected limit for invalid symbol")
	}
}

func TestBinanceRequestsPerSecond(t *testing.T) {
	limits := []futures.RateLimit{
		{RateLimitType: "ORDERS", Interval: "MINUTE", IntervalNum: 1, Limit: 1200},
		{RateLimitType: "REQUEST_WEIGHT", Interval: "MINUTE", IntervalNum: 1, Limit: 2400},
	}
	got := BinanceRequestsPerSecond(limits, 1, 0.5)
	if got != 20 {
		t.Fatalf("expected 20 req/s, got %v", got)
	}
	if BinanceRequestsPerSecond(nil, 1, 0.5) != 0 {
		t.Fatal("expected zero without limits")
	}
}

func TestLimiterBackoffPausesWait(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10})
	l.Backoff(50 * time.Millisecond)
	if l.PausedUntil().IsZero() {
		t.Fatal("expected limiter to be paused")
	}

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("wait returned before back-off ended")
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{})
	l.Backoff(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewLimiterDefaults(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{})
	if l.Limit() != 5 {
		t.Fatalf("unexpected default limit %v", l.Limit())
	}
	l.SetLimit(12)
	if l.Limit() != 12 {
		t.Fatalf("SetLimit not applied: %v", l.Limit())
	}
}
