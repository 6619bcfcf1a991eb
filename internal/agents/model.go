// Package agents runs agents on their configured schedules.
//
// The static schedule config is edited by people; the state document next to
// it is machine-owned and rewritten by the Runner on every cycle.
package agents

import (
	"time"

	"github.com/aatumaykin/nexrun/internal/schedule"
)

// Status is the lifecycle state of one agent schedule.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	// StatusTriggered is terminal: a once schedule that already fired.
	StatusTriggered Status = "triggered"
)

const (
	DefaultStartingMessage = "go"
	TimedOutError          = "timed out"
)

// Entry is the configuration of one scheduled agent.
type Entry struct {
	Schedule        schedule.Schedule `json:"schedule" yaml:"schedule"`
	Enabled         *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	StartingMessage string            `json:"startingMessage,omitempty" yaml:"startingMessage,omitempty"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func (e Entry) seedMessage() string {
	if e.StartingMessage == "" {
		return DefaultStartingMessage
	}
	return e.StartingMessage
}

// Config is the schedule config document.
type Config struct {
	Agents map[string]Entry `json:"agents" yaml:"agents"`
}

// StateEntry is the persisted runtime state of one agent schedule.
type StateEntry struct {
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	RunCount  int        `json:"runCount"`
	LastRunID string     `json:"lastRunId,omitempty"`
}

// State is the machine-owned state document.
type State struct {
	Agents map[string]StateEntry `json:"agents"`
}

func newState() *State {
	return &State{Agents: make(map[string]StateEntry)}
}

// ShouldRunNow decides whether an agent is due. state is nil when the agent
// has no state entry yet.
func ShouldRunNow(entry Entry, state *StateEntry, now time.Time) bool {
	if !entry.IsEnabled() {
		return false
	}
	if state != nil && state.Status == StatusRunning {
		return false
	}

	if entry.Schedule.IsOnce() {
		// A once schedule never fires twice, whatever the outcome of its attempt.
		if state != nil && (state.Status == StatusTriggered || state.RunCount > 0) {
			return false
		}
		runAt := entry.Schedule.RunAt
		return runAt != nil && !runAt.After(now)
	}

	if state == nil || state.NextRunAt == nil {
		return true
	}
	return !state.NextRunAt.After(now)
}
