package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the write-once record of the values in effect for one run.
// External tooling reads it; the daemon never does.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Config
}

// NewSnapshot stamps cfg with a fresh run id.
func NewSnapshot(cfg Config, startedAt time.Time) Snapshot {
	return Snapshot{
		RunID:     uuid.NewString(),
		StartedAt: startedAt,
		Config:    cfg,
	}
}

// WriteSnapshot writes s as indented JSON to path, creating parent directories.
func WriteSnapshot(path string, s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return nil
}
