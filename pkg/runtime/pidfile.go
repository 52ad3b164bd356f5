package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

var ErrNoRecord = errors.New("no pid record")

// PidRecord is the on-disk note that a session has a live child process.
// It is what makes sessions stoppable after an orchestrator restart, when
// the in-memory process handle is gone.
type PidRecord struct {
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PidStore keeps one JSON record file per in-flight session.
type PidStore struct {
	dir string
}

func NewPidStore(dir string) *PidStore {
	return &PidStore{dir: dir}
}

func (p *PidStore) path(sessionID string) string {
	return filepath.Join(p.dir, sessionID+".json")
}

// Write creates or replaces the record for a session. The write goes
// through a temp file and rename so a crash never leaves a torn record
// for Recover to trip over.
func (p *PidStore) Write(rec PidRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pid record: %w", err)
	}
	if err := atomic.WriteFile(p.path(rec.SessionID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write pid record: %w", err)
	}
	return nil
}

// Read returns the record for a session, or ErrNoRecord.
func (p *PidStore) Read(sessionID string) (PidRecord, error) {
	data, err := os.ReadFile(p.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return PidRecord{}, ErrNoRecord
	}
	if err != nil {
		return PidRecord{}, fmt.Errorf("failed to read pid record: %w", err)
	}

	var rec PidRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PidRecord{}, fmt.Errorf("failed to parse pid record %s: %w", p.path(sessionID), err)
	}
	return rec, nil
}

// Delete removes the record. A missing record is not an error.
func (p *PidStore) Delete(sessionID string) error {
	err := os.Remove(p.path(sessionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete pid record: %w", err)
	}
	return nil
}

// List returns every readable record. Malformed files are skipped with a
// warning so one corrupt record cannot block recovery of the rest.
func (p *PidStore) List() ([]PidRecord, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pid records: %w", err)
	}

	var records []PidRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		rec, err := p.Read(sessionID)
		if err != nil {
			slog.Warn("Skipping unreadable pid record", "file", entry.Name(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
