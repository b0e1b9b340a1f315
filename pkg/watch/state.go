package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"farsiland-scraper/pkg/models"
	"farsiland-scraper/pkg/orchestrate"
	"farsiland-scraper/pkg/utils"
)

// RunState is the outcome of the most recent scheduled run
type RunState struct {
	LastRunTime    time.Time                  `json:"last_run_time"`
	LastRunID      string                     `json:"last_run_id,omitempty"`
	LastRunSuccess bool                       `json:"last_run_success"`
	NewItems       map[models.ContentType]int `json:"new_items,omitempty"`
	Failed         int                        `json:"failed"`
	ErrorMessage   string                     `json:"error_message,omitempty"`
	LastSkipTime   time.Time                  `json:"last_skip_time,omitempty"` // Last tick skipped because the feed was unchanged
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// StateManager persists RunState to a JSON file
type StateManager struct {
	path  string
	state RunState
	mu    sync.RWMutex
}

// NewStateManager creates a state manager for the file at path
func NewStateManager(path string) *StateManager {
	return &StateManager{path: path}
}

// Load reads the state file; a missing file leaves the state empty
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.state = RunState{}
			return nil
		}
		return fmt.Errorf("%w: read watch state '%s': %w", utils.ErrFilesystem, m.path, err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: JSON watch state '%s': %v", utils.ErrParsing, m.path, err)
	}
	m.state = st
	return nil
}

// Save writes the state atomically
func (m *StateManager) Save(now time.Time) error {
	m.mu.Lock()
	m.state.UpdatedAt = now
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}
	return utils.WriteFileAtomic(m.path, data, 0o644)
}

// Get returns a copy of the current state
func (m *StateManager) Get() RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state
	if st.NewItems != nil {
		st.NewItems = make(map[models.ContentType]int, len(m.state.NewItems))
		for k, v := range m.state.NewItems {
			st.NewItems[k] = v
		}
	}
	return st
}

// RecordRun stores the outcome of a run. result may be nil when the run failed early.
func (m *StateManager) RecordRun(result *orchestrate.RunResult, runErr error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := RunState{
		LastRunTime:    now,
		LastRunSuccess: runErr == nil,
		LastSkipTime:   m.state.LastSkipTime,
	}
	if runErr != nil {
		st.ErrorMessage = runErr.Error()
	}
	if result != nil {
		st.LastRunID = result.RunID
		st.Failed = result.TotalFailed()
		st.NewItems = make(map[models.ContentType]int, len(result.NewCommitted))
		for t, urls := range result.NewCommitted {
			st.NewItems[t] = len(urls)
		}
	}
	m.state = st
}

// RecordSkip notes a tick that found the site unchanged
func (m *StateManager) RecordSkip(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastSkipTime = now
}

// lastAttempt is the later of the last run and the last skip
func (m *StateManager) lastAttempt() time.Time {
	if m.state.LastSkipTime.After(m.state.LastRunTime) {
		return m.state.LastSkipTime
	}
	return m.state.LastRunTime
}

// ShouldRun reports whether interval has passed since the last run or skip
func (m *StateManager) ShouldRun(interval time.Duration, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last := m.lastAttempt()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= interval
}

// NextRunTime returns when the next run is due; now when never run
func (m *StateManager) NextRunTime(interval time.Duration, now time.Time) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last := m.lastAttempt()
	if last.IsZero() {
		return now
	}
	return last.Add(interval)
}
