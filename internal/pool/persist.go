package pool

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

type stateDocument struct {
	SavedAt time.Time          `json:"saved_at"`
	Entries []models.PoolEntry `json:"entries"`
}

// FileState persists pool membership between restarts.
type FileState struct {
	path string
}

func NewFileState(path string) *FileState {
	return &FileState{path: path}
}

func (f *FileState) Path() string { return f.path }

// Save writes only in-pool entries; outside entries are rebuilt on the next
// cycle.
func (f *FileState) Save(entries []models.PoolEntry) error {
	doc := stateDocument{SavedAt: time.Now().UTC(), Entries: make([]models.PoolEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Status == models.StatusInPool {
			doc.Entries = append(doc.Entries, e)
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pool state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("save pool state: %w", err)
	}
	return nil
}

// Load returns nil entries and no error when nothing was saved yet.
func (f *FileState) Load() ([]models.PoolEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pool state: %w", err)
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode pool state %s: %w", f.path, err)
	}
	return doc.Entries, nil
}
