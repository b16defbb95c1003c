package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fundingpool/internal/fsutil"
	"fundingpool/logger"
	"fundingpool/models"
)

// Uploader stores an object remotely.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// SessionSummary describes one finished stay in the pool.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	EnteredAt       time.Time `json:"entered_at"`
	ExitedAt        time.Time `json:"exited_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	EntryRate       float64   `json:"entry_rate"`
	ExitRate        float64   `json:"exit_rate"`
	MaxAbsRate      float64   `json:"max_abs_rate"`
	Samples         int       `json:"samples"`
	File            string    `json:"file"`
	ObjectKey       string    `json:"object_key,omitempty"`
}

type archiveIndex struct {
	LastSessionID int              `json:"last_session_id"`
	TotalSessions int              `json:"total_sessions"`
	LastUpdated   time.Time        `json:"last_updated"`
	Sessions      []SessionSummary `json:"sessions"`
}

// ArchiveStats summarises the archive index.
type ArchiveStats struct {
	TotalSessions int       `json:"total_sessions"`
	Symbols       int       `json:"symbols"`
	LastUpdated   time.Time `json:"last_updated,omitempty"`
}

const maxIndexedSessions = 5000

// SessionArchiver writes each finished pool session to a parquet file under
// dir/sessions, records it in dir/archive_index.json and uploads the file
// when an uploader is configured.
type SessionArchiver struct {
	dir      string
	uploader Uploader
	log      *logger.Log

	mu    sync.Mutex
	index archiveIndex
}

func NewSessionArchiver(dir string, uploader Uploader) (*SessionArchiver, error) {
	a := &SessionArchiver{dir: dir, uploader: uploader, log: logger.GetLogger()}
	data, err := os.ReadFile(a.indexPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read archive index: %w", err)
	default:
		if err := json.Unmarshal(data, &a.index); err != nil {
			a.log.WithComponent("archiver").WithError(err).Warn("archive index unreadable, starting a new one")
			a.index = archiveIndex{}
		}
	}
	return a, nil
}

func (a *SessionArchiver) indexPath() string {
	return filepath.Join(a.dir, "archive_index.json")
}

// Archive stores the session carried by an EXIT event and returns the local
// file path. An upload failure keeps the local file and index entry.
func (a *SessionArchiver) Archive(ctx context.Context, ev models.TransitionEvent) (string, error) {
	if ev.Direction() != models.DirectionExit {
		return "", fmt.Errorf("archive %s:%s: not an exit event", ev.Exchange, ev.Symbol)
	}
	samples := ev.Samples
	if len(samples) == 0 {
		samples = []models.HistorySample{{At: ev.At, FundingRate: ev.Rate}}
	}
	enteredAt := ev.EnteredAt
	if enteredAt.IsZero() {
		enteredAt = samples[0].At
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.index.LastSessionID++
	summary := SessionSummary{
		SessionID: fmt.Sprintf("%s_%s_%s_session_%03d",
			ev.At.UTC().Format("2006-01-02"), strings.ToLower(ev.Exchange), strings.ToUpper(ev.Symbol), a.index.LastSessionID),
		Exchange:        strings.ToLower(ev.Exchange),
		Symbol:          strings.ToUpper(ev.Symbol),
		EnteredAt:       enteredAt,
		ExitedAt:        ev.At,
		DurationSeconds: ev.At.Sub(enteredAt).Seconds(),
		EntryRate:       samples[0].FundingRate,
		ExitRate:        ev.Rate,
		Samples:         len(samples),
	}
	for _, h := range samples {
		if r := math.Abs(h.FundingRate); r > summary.MaxAbsRate {
			summary.MaxAbsRate = r
		}
	}

	body, err := encodeSession(summary, samples)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", summary.SessionID, err)
	}
	summary.File = filepath.Join(a.dir, "sessions", summary.SessionID+".parquet")
	if err := fsutil.WriteFileAtomic(summary.File, body, 0o644); err != nil {
		return "", fmt.Errorf("write session %s: %w", summary.SessionID, err)
	}

	var uploadErr error
	if a.uploader != nil {
		key := fmt.Sprintf("sessions/exchange=%s/symbol=%s/year=%04d/month=%02d/%s.parquet",
			summary.Exchange, summary.Symbol, ev.At.UTC().Year(), int(ev.At.UTC().Month()), summary.SessionID)
		if uploadErr = a.uploader.Upload(ctx, key, body, "application/octet-stream"); uploadErr == nil {
			summary.ObjectKey = key
		}
	}

	a.index.TotalSessions++
	a.index.LastUpdated = time.Now().UTC()
	a.index.Sessions = append(a.index.Sessions, summary)
	if len(a.index.Sessions) > maxIndexedSessions {
		a.index.Sessions = append([]SessionSummary(nil), a.index.Sessions[len(a.index.Sessions)-maxIndexedSessions:]...)
	}
	if err := a.saveIndex(); err != nil {
		return summary.File, err
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"session_id": summary.SessionID,
		"samples":    summary.Samples,
		"duration":   time.Duration(summary.DurationSeconds * float64(time.Second)).String(),
		"uploaded":   summary.ObjectKey != "",
	}).Info("pool session archived")

	if uploadErr != nil {
		return summary.File, fmt.Errorf("upload session %s: %w", summary.SessionID, uploadErr)
	}
	return summary.File, nil
}

func (a *SessionArchiver) saveIndex() error {
	data, err := json.MarshalIndent(a.index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(a.indexPath(), data, 0o644); err != nil {
		return fmt.Errorf("write archive index: %w", err)
	}
	return nil
}

// Sessions lists the indexed sessions of one symbol, oldest first.
func (a *SessionArchiver) Sessions(exchange, symbol string) []SessionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []SessionSummary
	for _, s := range a.index.Sessions {
		if s.Exchange == strings.ToLower(exchange) && s.Symbol == strings.ToUpper(symbol) {
			out = append(out, s)
		}
	}
	return out
}

func (a *SessionArchiver) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	symbols := make(map[string]struct{})
	for _, s := range a.index.Sessions {
		symbols[s.Exchange+":"+s.Symbol] = struct{}{}
	}
	return ArchiveStats{
		TotalSessions: a.index.TotalSessions,
		Symbols:       len(symbols),
		LastUpdated:   a.index.LastUpdated,
	}
}
