// Package batch runs pipelines on a cron schedule. A schedule file
// lists entries, each naming a pipeline, a cron expression, and the
// params every triggered run is launched with.
package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ScheduleEntry represents one recurring pipeline run
type ScheduleEntry struct {
	Name             string            `toml:"name"`
	Pipeline         string            `toml:"pipeline"`
	Cron             string            `toml:"cron"`
	Params           map[string]string `toml:"params"`
	MaxDuration      time.Duration     `toml:"max_duration"`
	NotifyOnComplete bool              `toml:"notify_on_complete"`
}

// ScheduleConfig holds all schedule entries
type ScheduleConfig struct {
	Entries []ScheduleEntry `toml:"schedule"`
}

// Validate checks if the entry is valid
func (e *ScheduleEntry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule entry name is required")
	}
	if e.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.MaxDuration <= 0 {
		e.MaxDuration = 4 * time.Hour // Default
	}
	return nil
}

// LoadScheduleConfig loads schedule entries from a TOML file
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Validate all entries
	for i := range cfg.Entries {
		if err := cfg.Entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i, err)
		}
	}

	return &cfg, nil
}
