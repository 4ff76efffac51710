package nodehealth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Record remembers which message the broadcaster owns.
type Record struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// RecordFile is a single-record JSON file. Writes go through a temp file and
// rename so a crash never leaves a truncated record.
type RecordFile struct {
	path string
	mu   sync.Mutex
}

func NewRecordFile(path string) *RecordFile {
	return &RecordFile{path: strings.TrimSpace(path)}
}

// Load returns (nil, nil) when no record has been written yet.
func (f *RecordFile) Load() (*Record, error) {
	if f == nil || f.path == "" {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (f *RecordFile) Save(r Record) error {
	if f == nil || f.path == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
