package domain

import (
	"encoding"
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunNotStarted RunStatus = "not-started"
	RunQueued     RunStatus = "queued"
	RunStarted    RunStatus = "started"
	RunRunning    RunStatus = "running"
	RunUploading  RunStatus = "uploading"
	RunSuccess    RunStatus = "success"
	RunFailed     RunStatus = "failed"
	RunTimeout    RunStatus = "timeout"
	RunCancelled  RunStatus = "cancelled"
)

// runStatusRank orders the lifecycle; all terminal statuses share the last rank.
var runStatusRank = map[RunStatus]int{
	RunNotStarted: 0,
	RunQueued:     1,
	RunStarted:    2,
	RunRunning:    3,
	RunUploading:  4,
	RunSuccess:    5,
	RunFailed:     5,
	RunTimeout:    5,
	RunCancelled:  5,
}

// runTransitions is the adjacency set of legal next states. Once a run holds a
// machine slot, machines may report a later status without the ones before it.
// A queued run enters the active set only as started, which admission decides.
var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunNotStarted: set(RunQueued, RunFailed, RunCancelled),
	RunQueued:     set(RunStarted, RunFailed, RunTimeout, RunCancelled),
	RunStarted:    set(RunRunning, RunUploading, RunSuccess, RunFailed, RunTimeout, RunCancelled),
	RunRunning:    set(RunUploading, RunSuccess, RunFailed, RunTimeout, RunCancelled),
	RunUploading:  set(RunSuccess, RunFailed, RunCancelled),
}

func set(statuses ...RunStatus) map[RunStatus]struct{} {
	out := make(map[RunStatus]struct{}, len(statuses))
	for _, s := range statuses {
		out[s] = struct{}{}
	}
	return out
}

// ParseRunStatus reports whether s names a member of the closed status enumeration.
func ParseRunStatus(s string) (RunStatus, bool) {
	st := RunStatus(s)
	_, ok := runStatusRank[st]
	return st, ok
}

func (s RunStatus) Valid() bool {
	_, ok := runStatusRank[s]
	return ok
}

func (s RunStatus) Rank() int { return runStatusRank[s] }

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunTimeout, RunCancelled:
		return true
	}
	return false
}

// IsActive reports whether a run in this status occupies a machine slot.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStarted, RunRunning, RunUploading:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the transition table.
func CanTransition(from, to RunStatus) bool {
	next, ok := runTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type RunOrigin string

const (
	OriginManual      RunOrigin = "manual"
	OriginAPI         RunOrigin = "api"
	OriginPublicShare RunOrigin = "public-share"
)

func (o RunOrigin) Valid() bool {
	switch o {
	case OriginManual, OriginAPI, OriginPublicShare:
		return true
	}
	return false
}

type WebhookStatus string

const (
	WebhookSuccess WebhookStatus = "success"
	WebhookFailed  WebhookStatus = "failed"
)

type Run struct {
	ID                string `json:"id"`
	WorkflowID        string `json:"workflow_id"`
	WorkflowVersionID string `json:"workflow_version_id,omitempty"`
	DeploymentID      string `json:"deployment_id,omitempty"`
	ModelID           string `json:"model_id,omitempty"`
	MachineID         string `json:"machine_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	OrgID             string `json:"org_id,omitempty"`

	Status     RunStatus `json:"status"`
	LiveStatus string    `json:"live_status,omitempty"`
	Progress   float64   `json:"progress"`
	Origin     RunOrigin `json:"origin"`
	FailReason string    `json:"fail_reason,omitempty"`

	Inputs map[string]any `json:"workflow_inputs,omitempty"`
	GPU    string         `json:"gpu,omitempty"`

	Webhook                   string        `json:"webhook,omitempty"`
	WebhookStatus             WebhookStatus `json:"webhook_status,omitempty"`
	WebhookIntermediateStatus bool          `json:"webhook_intermediate_status"`

	RunTimeoutSeconds int `json:"run_timeout_seconds,omitempty"`

	// TraceParent/TraceState carry the W3C trace context of the submitting request so
	// callbacks and webhooks can be correlated with it.
	TraceParent string `json:"traceParent,omitempty"`
	TraceState  string `json:"traceState,omitempty"`

	// Version is bumped on every durable write and guards conditional updates.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	QueuedAt  *time.Time `json:"queued_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewRun builds a run in not-started.
func NewRun(id string, origin RunOrigin, now time.Time) *Run {
	return &Run{
		ID:        id,
		Status:    RunNotStarted,
		Origin:    origin,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply moves the run to next at the given time. It returns false without error
// when the run is already in next (duplicate callback). Backward moves and moves
// out of a terminal status return *IllegalTransitionError and leave the run unchanged.
func (r *Run) Apply(next RunStatus, at time.Time) (bool, error) {
	if !next.Valid() {
		return false, &ValidationError{Field: "status", Msg: "unknown run status " + string(next)}
	}
	if r.Status == next {
		return false, nil
	}
	if r.Status.IsTerminal() || !CanTransition(r.Status, next) {
		return false, &IllegalTransitionError{From: r.Status, To: next}
	}

	r.Status = next
	r.touch(at)
	if next == RunQueued && r.QueuedAt == nil {
		r.QueuedAt = timePtr(at)
	}
	switch next {
	case RunStarted, RunRunning, RunUploading, RunSuccess:
		if r.StartedAt == nil {
			r.StartedAt = timePtr(at)
		}
	}
	if next.IsTerminal() {
		r.EndedAt = timePtr(at)
		if next == RunSuccess {
			r.Progress = 1
		}
	}
	return true, nil
}

// ReportProgress records value when it moves progress forward. Terminal runs and
// stale (lower) values are ignored.
func (r *Run) ReportProgress(value float64, at time.Time) bool {
	if r.Status.IsTerminal() {
		return false
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	if value <= r.Progress {
		return false
	}
	r.Progress = value
	r.touch(at)
	return true
}

// Touch advances updated_at without changing status. It reports whether the
// timestamp moved.
func (r *Run) Touch(at time.Time) bool { return r.touch(at) }

func (r *Run) touch(at time.Time) bool {
	if at.After(r.UpdatedAt) {
		r.UpdatedAt = at
		return true
	}
	return false
}

// Deadline returns the instant after which a run in a timeout-eligible status
// has exceeded its budget. ok is false when the run cannot time out.
func (r *Run) Deadline(defaultBudget time.Duration) (time.Time, bool) {
	switch r.Status {
	case RunQueued, RunStarted, RunRunning:
	default:
		return time.Time{}, false
	}
	budget := defaultBudget
	if r.RunTimeoutSeconds > 0 {
		budget = time.Duration(r.RunTimeoutSeconds) * time.Second
	}
	if budget <= 0 {
		return time.Time{}, false
	}
	ref := r.CreatedAt
	if r.StartedAt != nil {
		ref = *r.StartedAt
	} else if r.QueuedAt != nil {
		ref = *r.QueuedAt
	}
	return ref.Add(budget), true
}

func timePtr(t time.Time) *time.Time { return &t }

// RunView is the client-visible projection of a run.
type RunView struct {
	Run
	QueuePosition *int     `json:"queue_position"`
	Outputs       []Output `json:"outputs"`
}

// StatusUpdate is the inbound status callback from a remote machine.
type StatusUpdate struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status,omitempty"`
	LiveStatus string    `json:"live_status,omitempty"`
	Progress   *float64  `json:"progress,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

type LogLine struct {
	Logs      string    `json:"logs"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	_ encoding.BinaryMarshaler = RunStatus("")
	_ encoding.TextMarshaler   = RunStatus("")
	_ json.Marshaler           = OutputValue{}
	_ json.Unmarshaler         = (*OutputValue)(nil)
)

func (s RunStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s RunStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
