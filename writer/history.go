// Package writer persists what the monitor observes: per-symbol funding-rate
// history, archived pool sessions and S3 uploads.
package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fundingpool/internal/fsutil"
	"fundingpool/models"
)

type historyFile struct {
	Exchange  string                 `json:"exchange"`
	Symbol    string                 `json:"symbol"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Samples   []models.HistorySample `json:"samples"`
}

// HistoryWriter keeps one append-only JSON file per symbol. The file is
// created on the first sample, normally when the symbol enters the pool.
type HistoryWriter struct {
	dir      string
	maxItems int
	mu       sync.Mutex
}

// NewHistoryWriter keeps at most maxItems samples per file; zero means
// unbounded.
func NewHistoryWriter(dir string, maxItems int) *HistoryWriter {
	return &HistoryWriter{dir: dir, maxItems: maxItems}
}

func (w *HistoryWriter) path(exchange, symbol string) string {
	name := fmt.Sprintf("%s_%s_history.json", strings.ToLower(exchange), strings.ToUpper(symbol))
	return filepath.Join(w.dir, name)
}

func (w *HistoryWriter) Append(exchange, symbol string, samples ...models.HistorySample) error {
	if len(samples) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, err := w.read(exchange, symbol)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc = historyFile{Exchange: strings.ToLower(exchange), Symbol: strings.ToUpper(symbol), CreatedAt: now}
	}
	doc.Samples = append(doc.Samples, samples...)
	if w.maxItems > 0 && len(doc.Samples) > w.maxItems {
		doc.Samples = append([]models.HistorySample(nil), doc.Samples[len(doc.Samples)-w.maxItems:]...)
	}
	doc.UpdatedAt = now

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history %s:%s: %w", exchange, symbol, err)
	}
	return fsutil.WriteFileAtomic(w.path(exchange, symbol), data, 0o644)
}

// Read returns the recorded samples, nil when no file exists yet.
func (w *HistoryWriter) Read(exchange, symbol string) ([]models.HistorySample, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, err := w.read(exchange, symbol)
	return doc.Samples, err
}

func (w *HistoryWriter) read(exchange, symbol string) (historyFile, error) {
	data, err := os.ReadFile(w.path(exchange, symbol))
	if errors.Is(err, os.ErrNotExist) {
		return historyFile{}, nil
	}
	if err != nil {
		return historyFile{}, fmt.Errorf("read history %s:%s: %w", exchange, symbol, err)
	}
	var doc historyFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return historyFile{}, fmt.Errorf("decode history %s:%s: %w", exchange, symbol, err)
	}
	return doc, nil
}
