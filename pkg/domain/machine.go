package domain

import "time"

type MachineStatus string

const (
	MachineNotStarted MachineStatus = "not-started"
	MachineReady      MachineStatus = "ready"
	MachineStarting   MachineStatus = "starting"
	MachineRunning    MachineStatus = "running"
	MachineBuilding   MachineStatus = "building"
	MachinePaused     MachineStatus = "paused"
	MachineError      MachineStatus = "error"
)

const DefaultConcurrencyLimit = 2

type Machine struct {
	ID                string        `json:"id"`
	Name              string        `json:"name,omitempty"`
	UserID            string        `json:"user_id,omitempty"`
	OrgID             string        `json:"org_id,omitempty"`
	Status            MachineStatus `json:"status"`
	ConcurrencyLimit  int           `json:"concurrency_limit"`
	RunTimeoutSeconds int           `json:"run_timeout_seconds,omitempty"`
	Disabled          bool          `json:"disabled"`
	Deleted           bool          `json:"deleted"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Unavailable machines can never run work; their open runs are failed.
func (m Machine) Unavailable() bool { return m.Disabled || m.Deleted }

// Runnable machines accept admissions. Machines that are neither runnable nor
// unavailable (building, paused, error) keep their queue waiting.
func (m Machine) Runnable() bool {
	if m.Unavailable() {
		return false
	}
	switch m.Status {
	case MachineReady, MachineRunning, MachineStarting, MachineNotStarted:
		return true
	}
	return false
}

// Limit is the configured concurrency limit, or fallback when none is set.
func (m Machine) Limit(fallback int) int {
	if m.ConcurrencyLimit > 0 {
		return m.ConcurrencyLimit
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultConcurrencyLimit
}

// UnavailableReason describes why a machine cannot run work.
func (m Machine) UnavailableReason() string {
	switch {
	case m.Deleted:
		return "machine " + m.ID + " was deleted"
	case m.Disabled:
		return "machine " + m.ID + " is disabled"
	}
	return ""
}

func (s MachineStatus) Valid() bool {
	switch s {
	case MachineNotStarted, MachineReady, MachineStarting, MachineRunning, MachineBuilding, MachinePaused, MachineError:
		return true
	}
	return false
}
