package models

import "time"

// Status is a symbol's pool membership.
type Status string

const (
	StatusOutside Status = "OUTSIDE"
	StatusInPool  Status = "IN_POOL"
)

// Direction labels a transition for notifications.
type Direction string

const (
	DirectionEnter Direction = "ENTER"
	DirectionExit  Direction = "EXIT"
)

type HistorySample struct {
	At          time.Time `json:"at"`
	FundingRate float64   `json:"funding_rate"`
	MarkPrice   float64   `json:"mark_price,omitempty"`
	IndexPrice  float64   `json:"index_price,omitempty"`
}

// PoolEntry is the monitor's view of one symbol.
type PoolEntry struct {
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	Status          Status          `json:"status"`
	EnteredAt       time.Time       `json:"entered_at,omitempty"`
	LastFundingRate float64         `json:"last_funding_rate"`
	LastCheckedAt   time.Time       `json:"last_checked_at"`
	History         []HistorySample `json:"history,omitempty"`
}

// SessionSamples returns the history recorded since the entry last entered
// the pool.
func (e PoolEntry) SessionSamples() []HistorySample {
	var out []HistorySample
	for _, h := range e.History {
		if !h.At.Before(e.EnteredAt) {
			out = append(out, h)
		}
	}
	return out
}

// TransitionEvent is emitted once per actual status change.
type TransitionEvent struct {
	Seq      uint64    `json:"seq"`
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Rate     float64   `json:"rate"`
	At       time.Time `json:"at"`
	PoolSize int       `json:"pool_size"`

	// EnteredAt and Samples describe the finished session on EXIT events.
	EnteredAt time.Time       `json:"entered_at,omitempty"`
	Samples   []HistorySample `json:"samples,omitempty"`
}

func (e TransitionEvent) Direction() Direction {
	if e.To == StatusInPool {
		return DirectionEnter
	}
	return DirectionExit
}
