package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundingpool/logger"
	"fundingpool/models"
	"fundingpool/reader"
)

const markPriceStream = "!markPrice@arr@1s"

type markPricePayload struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	EstSettlePrice  string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// MarkPriceBoard keeps the latest mark price update of every symbol from the
// all-market websocket stream.
type MarkPriceBoard struct {
	endpoint  string
	reconnect time.Duration
	log       *logger.Log

	mu      sync.RWMutex
	samples map[string]models.RateSample
}

func NewMarkPriceBoard(streamURL string) *MarkPriceBoard {
	endpoint := strings.TrimRight(streamURL, "/")
	if endpoint == "" {
		endpoint = "wss://fstream.binance.com/ws"
	}
	if !strings.HasSuffix(endpoint, markPriceStream) {
		endpoint += "/" + markPriceStream
	}
	return &MarkPriceBoard{
		endpoint:  endpoint,
		reconnect: 5 * time.Second,
		log:       logger.GetLogger(),
		samples:   make(map[string]models.RateSample),
	}
}

// Run keeps the stream connected until ctx is done.
func (b *MarkPriceBoard) Run(ctx context.Context) {
	log := b.log.WithComponent("binance_stream").WithFields(logger.Fields{"endpoint": b.endpoint})
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(ctx, b.endpoint, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to mark price stream")
			select {
			case <-time.After(b.reconnect):
				continue
			case <-ctx.Done():
				return
			}
		}
		log.Info("mark price stream connected")

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("mark price stream error, reconnecting")
				}
				break
			}
			if err := b.handleMessage(raw); err != nil {
				log.WithError(err).Debug("dropping malformed mark price message")
			}
		}
		close(done)
		conn.Close()

		select {
		case <-time.After(b.reconnect):
		case <-ctx.Done():
			return
		}
	}
}

func (b *MarkPriceBoard) handleMessage(raw []byte) error {
	var payload []markPricePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return reader.NewError(exchangeName, "mark_price_stream", "", reader.ErrDataFormat, err)
	}
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range payload {
		rate, err := reader.ParseFloat(exchangeName, "r", p.FundingRate)
		if err != nil || p.Symbol == "" {
			continue
		}
		observed := now
		if p.EventTime > 0 {
			observed = time.UnixMilli(p.EventTime).UTC()
		}
		sym := strings.ToUpper(p.Symbol)
		b.samples[sym] = models.RateSample{
			Exchange:        exchangeName,
			Symbol:          sym,
			FundingRate:     rate,
			MarkPrice:       reader.ParseOptionalFloat(p.MarkPrice),
			IndexPrice:      reader.ParseOptionalFloat(p.IndexPrice),
			NextFundingTime: time.UnixMilli(p.NextFundingTime).UTC(),
			ObservedAt:      observed,
			StartedAt:       observed,
		}
	}
	return nil
}

// Lookup returns samples for syms when every one of them is younger than
// maxAge. A partial board reports false so callers fall back to REST.
func (b *MarkPriceBoard) Lookup(syms []string, maxAge time.Duration) (map[string]models.RateSample, bool) {
	if len(syms) == 0 {
		return nil, false
	}
	cutoff := time.Now().Add(-maxAge)

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]models.RateSample, len(syms))
	for _, sym := range syms {
		sym = strings.ToUpper(sym)
		s, ok := b.samples[sym]
		if !ok || s.ObservedAt.Before(cutoff) {
			return nil, false
		}
		out[sym] = s
	}
	return out, true
}

func (b *MarkPriceBoard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}
