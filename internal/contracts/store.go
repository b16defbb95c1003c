package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"fundingpool/internal/fsutil"
	"fundingpool/models"
)

var (
	// ErrNotFound is returned by Load when no snapshot was persisted yet.
	ErrNotFound = errors.New("contract cache not found")
	// ErrCacheIO wraps every persistence failure.
	ErrCacheIO = errors.New("contract cache io failure")
)

// document is the persisted layout: contracts grouped by settlement interval.
type document struct {
	CacheTime       time.Time                                     `json:"cache_time"`
	FailedExchanges map[string]string                             `json:"failed_exchanges,omitempty"`
	Intervals       map[models.Interval]map[string]models.Contract `json:"intervals"`
}

// Encode renders a snapshot in the persisted layout.
func Encode(snap *models.Snapshot) ([]byte, error) {
	doc := document{
		CacheTime:       snap.CacheTime,
		FailedExchanges: snap.FailedExchanges,
		Intervals:       make(map[models.Interval]map[string]models.Contract),
	}
	for key, c := range snap.Contracts {
		group := doc.Intervals[c.SettlementInterval]
		if group == nil {
			group = make(map[string]models.Contract)
			doc.Intervals[c.SettlementInterval] = group
		}
		group[key] = c
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Decode parses the persisted layout back into a snapshot.
func Decode(data []byte) (*models.Snapshot, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	snap := models.NewSnapshot(doc.CacheTime)
	for k, v := range doc.FailedExchanges {
		snap.FailedExchanges[k] = v
	}
	for iv, group := range doc.Intervals {
		for _, c := range group {
			c.SettlementInterval = iv
			snap.Add(c)
		}
	}
	return snap, nil
}

// FileStore persists snapshots as one JSON document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (*models.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCacheIO, s.path, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCacheIO, s.path, err)
	}
	return snap, nil
}

// Save replaces the document atomically.
func (s *FileStore) Save(snap *models.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrCacheIO)
	}
	data, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrCacheIO, err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	return nil
}
