package scheduler

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

const stateFile = "scheduler.json"

// persistedState is the on-disk shape of scheduler.json.
type persistedState struct {
	Tasks  map[string]*TaskState `json:"tasks"`
	Paused bool                  `json:"paused"`
}

// loadState reads scheduler.json, starting fresh when missing or corrupt.
func (s *Scheduler) loadState(dataRoot string) {
	s.path = filepath.Join(dataRoot, stateFile)

	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		slog.Warn("scheduler state corrupted, starting fresh", "path", s.path, "error", err)
		return
	}

	if ps.Tasks != nil {
		s.states = ps.Tasks
	}
	s.paused = ps.Paused
	slog.Info("scheduler state loaded", "tasks", len(s.states), "paused", s.paused)
}

// persistLocked writes the full state atomically. Callers must hold s.mu.
// Every significant state change goes through here.
func (s *Scheduler) persistLocked() {
	ps := persistedState{Tasks: s.states, Paused: s.paused}

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		slog.Error("marshaling scheduler state", "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("writing scheduler state", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Error("replacing scheduler state", "error", err)
	}
}
