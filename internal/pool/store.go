// Package pool holds the authoritative membership state of every monitored
// symbol.
package pool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"fundingpool/models"
)

// ErrStaleSample is returned for a sample whose fetch started before the
// latest accepted sample of the same symbol.
var ErrStaleSample = errors.New("sample older than latest accepted update")

// Evaluator decides the target status of a symbol. seen is false for a
// symbol the store has never recorded.
type Evaluator interface {
	Decide(current models.Status, seen bool, sample models.RateSample) models.Status
}

const defaultHistoryLimit = 2000

type entry struct {
	models.PoolEntry
	lastStarted time.Time
}

// Store is the single mutation point for pool membership. One mutex guards
// the whole map: same-symbol updates are serialised and contention is low
// enough that per-symbol locks buy nothing.
type Store struct {
	eval         Evaluator
	historyLimit int
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	inPool  int
	seq     uint64
}

// NewStore builds an empty store. historyLimit bounds the in-memory samples
// kept per in-pool entry; zero selects the default.
func NewStore(eval Evaluator, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Store{
		eval:         eval,
		historyLimit: historyLimit,
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
}

// Get returns a copy of the entry for the exchange-qualified key.
func (s *Store) Get(key string) (models.PoolEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return models.PoolEntry{}, false
	}
	return copyEntry(e.PoolEntry), true
}

// UpsertMetrics records sample for key and returns a transition event only
// when the status changed.
func (s *Store) UpsertMetrics(key string, sample models.RateSample, now time.Time) (*models.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, seen := s.entries[key]
	if seen && !sample.StartedAt.IsZero() && sample.StartedAt.Before(e.lastStarted) {
		return nil, ErrStaleSample
	}
	if !seen {
		e = &entry{PoolEntry: models.PoolEntry{
			Symbol:   sample.Symbol,
			Exchange: sample.Exchange,
			Status:   models.StatusOutside,
		}}
	}

	from := e.Status
	to := s.eval.Decide(from, seen, sample)

	if !seen {
		s.entries[key] = e
	}
	if !sample.StartedAt.IsZero() {
		e.lastStarted = sample.StartedAt
	}
	e.LastFundingRate = sample.FundingRate
	e.LastCheckedAt = now

	point := models.HistorySample{
		At:          now,
		FundingRate: sample.FundingRate,
		MarkPrice:   sample.MarkPrice,
		IndexPrice:  sample.IndexPrice,
	}

	if from == to {
		if to == models.StatusInPool {
			s.appendHistory(e, point)
		}
		return nil, nil
	}

	s.seq++
	ev := &models.TransitionEvent{
		Seq:      s.seq,
		Symbol:   e.Symbol,
		Exchange: e.Exchange,
		From:     from,
		To:       to,
		Rate:     sample.FundingRate,
		At:       now,
	}

	switch to {
	case models.StatusInPool:
		s.inPool++
		e.Status = models.StatusInPool
		e.EnteredAt = now
		e.History = nil
		s.appendHistory(e, point)
	default:
		s.inPool--
		s.appendHistory(e, point)
		ev.EnteredAt = e.EnteredAt
		ev.Samples = e.SessionSamples()
		e.Status = models.StatusOutside
		e.EnteredAt = time.Time{}
		e.History = nil
	}
	ev.PoolSize = s.inPool
	return ev, nil
}

func (s *Store) appendHistory(e *entry, h models.HistorySample) {
	e.History = append(e.History, h)
	if over := len(e.History) - s.historyLimit; over > 0 {
		e.History = append([]models.HistorySample(nil), e.History[over:]...)
	}
}

// ListInPool returns the in-pool entries ordered by entry time.
func (s *Store) ListInPool() []models.PoolEntry {
	s.mu.Lock()
	out := make([]models.PoolEntry, 0, s.inPool)
	for _, e := range s.entries {
		if e.Status == models.StatusInPool {
			out = append(out, copyEntry(e.PoolEntry))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].Exchange+out[i].Symbol < out[j].Exchange+out[j].Symbol
	})
	return out
}

// Size is the number of in-pool entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inPool
}

// RemoveStale drops entries not checked within maxAge, treating them as
// delisted. No transition events are produced.
func (s *Store) RemoveStale(maxAge time.Duration) int {
	return s.RemoveStaleExcept(maxAge, nil)
}

// RemoveStaleExcept is RemoveStale for entries whose key listed rejects.
// A symbol that is still listed keeps its status however long its rate
// fetches fail.
func (s *Store) RemoveStaleExcept(maxAge time.Duration, listed func(key string) bool) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if listed != nil && listed(key) {
			continue
		}
		if e.LastCheckedAt.Before(cutoff) {
			if e.Status == models.StatusInPool {
				s.inPool--
			}
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of every entry, ordered by exchange and symbol.
func (s *Store) Snapshot() []models.PoolEntry {
	s.mu.Lock()
	out := make([]models.PoolEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e.PoolEntry))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Restore replaces the store content with persisted entries. It produces no
// events and keeps the event sequence.
func (s *Store) Restore(entries []models.PoolEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry, len(entries))
	s.inPool = 0
	for _, pe := range entries {
		pe := copyEntry(pe)
		if pe.Status != models.StatusInPool {
			pe.Status = models.StatusOutside
			pe.EnteredAt = time.Time{}
			pe.History = nil
		} else {
			s.inPool++
		}
		s.entries[models.RateSample{Exchange: pe.Exchange, Symbol: pe.Symbol}.Key()] = &entry{PoolEntry: pe}
	}
}

func copyEntry(pe models.PoolEntry) models.PoolEntry {
	if pe.History != nil {
		pe.History = append([]models.HistorySample(nil), pe.History...)
	}
	return pe
}
