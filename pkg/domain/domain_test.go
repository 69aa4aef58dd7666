package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunStatusMarshalText(t *testing.T) {
	tests := []struct {
		name   string
		status RunStatus
		want   string
	}{
		{"not started", RunNotStarted, "not-started"},
		{"queued", RunQueued, "queued"},
		{"cancelled", RunCancelled, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.status.MarshalText()
			if err != nil {
				t.Fatalf("MarshalText() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalText() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestParseRunStatus(t *testing.T) {
	if _, ok := ParseRunStatus("uploading"); !ok {
		t.Fatalf("expected uploading to parse")
	}
	if _, ok := ParseRunStatus("RUNNING"); ok {
		t.Fatalf("expected RUNNING to be rejected")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunNotStarted, RunQueued, true},
		{RunQueued, RunStarted, true},
		{RunQueued, RunSuccess, false},
		{RunQueued, RunRunning, false},
		{RunQueued, RunUploading, false},
		{RunQueued, RunTimeout, true},
		{RunNotStarted, RunStarted, false},
		{RunStarted, RunRunning, true},
		{RunRunning, RunUploading, true},
		{RunUploading, RunSuccess, true},
		{RunUploading, RunTimeout, false},
		{RunRunning, RunQueued, false},
		{RunUploading, RunRunning, false},
		{RunSuccess, RunFailed, false},
		{RunCancelled, RunRunning, false},
		{RunNotStarted, RunSuccess, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRunApplySetsTimestamps(t *testing.T) {
	r := NewRun("r1", OriginAPI, t0)

	if changed, err := r.Apply(RunQueued, t0.Add(time.Second)); err != nil || !changed {
		t.Fatalf("queued: changed=%v err=%v", changed, err)
	}
	if r.QueuedAt == nil || r.StartedAt != nil || r.EndedAt != nil {
		t.Fatalf("unexpected timestamps after queued: %+v", r)
	}

	if _, err := r.Apply(RunStarted, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("started: %v", err)
	}
	if _, err := r.Apply(RunUploading, t0.Add(3*time.Second)); err != nil {
		t.Fatalf("uploading: %v", err)
	}
	if r.StartedAt == nil || !r.StartedAt.Equal(t0.Add(2*time.Second)) {
		t.Fatalf("expected started_at to stay at admission time, got %v", r.StartedAt)
	}

	if _, err := r.Apply(RunSuccess, t0.Add(5*time.Second)); err != nil {
		t.Fatalf("success: %v", err)
	}
	if r.EndedAt == nil || r.EndedAt.Before(*r.StartedAt) {
		t.Fatalf("expected ended_at >= started_at, got %v", r.EndedAt)
	}
	if r.Progress != 1 {
		t.Fatalf("expected progress 1 on success, got %v", r.Progress)
	}
}

func TestRunApplyRejectsBackwardAndTerminal(t *testing.T) {
	r := NewRun("r1", OriginAPI, t0)
	_, _ = r.Apply(RunQueued, t0)
	_, _ = r.Apply(RunStarted, t0)
	_, _ = r.Apply(RunRunning, t0)

	_, err := r.Apply(RunQueued, t0)
	var ite *IllegalTransitionError
	if !errors.As(err, &ite) || ite.Stale() {
		t.Fatalf("expected non-stale illegal transition, got %v", err)
	}
	if r.Status != RunRunning {
		t.Fatalf("status mutated on rejected move: %s", r.Status)
	}

	_, _ = r.Apply(RunCancelled, t0.Add(time.Second))
	ended := *r.EndedAt

	changed, err := r.Apply(RunCancelled, t0.Add(time.Minute))
	if err != nil || changed {
		t.Fatalf("same terminal status should be a silent no-op, changed=%v err=%v", changed, err)
	}
	if !r.EndedAt.Equal(ended) {
		t.Fatalf("ended_at moved on duplicate terminal delivery")
	}

	_, err = r.Apply(RunSuccess, t0.Add(time.Minute))
	if !errors.As(err, &ite) || !ite.Stale() {
		t.Fatalf("expected stale illegal transition out of terminal, got %v", err)
	}
}

func TestRunQueuedToFailedLeavesStartedAtUnset(t *testing.T) {
	r := NewRun("r1", OriginAPI, t0)
	_, _ = r.Apply(RunQueued, t0)
	_, _ = r.Apply(RunFailed, t0.Add(time.Second))
	if r.StartedAt != nil {
		t.Fatalf("run that never started should have no started_at")
	}
	if r.EndedAt == nil {
		t.Fatalf("terminal run must have ended_at")
	}
}

func TestReportProgress(t *testing.T) {
	r := NewRun("r1", OriginAPI, t0)
	_, _ = r.Apply(RunQueued, t0)
	_, _ = r.Apply(RunStarted, t0)
	_, _ = r.Apply(RunRunning, t0)

	steps := []struct {
		in      float64
		want    float64
		changed bool
	}{
		{0.2, 0.2, true},
		{0.1, 0.2, false},
		{0.2, 0.2, false},
		{1.7, 1, true},
		{-3, 1, false},
	}
	for _, s := range steps {
		if got := r.ReportProgress(s.in, t0); got != s.changed {
			t.Fatalf("ReportProgress(%v) changed=%v, want %v", s.in, got, s.changed)
		}
		if r.Progress != s.want {
			t.Fatalf("progress = %v, want %v", r.Progress, s.want)
		}
	}

	r2 := NewRun("r2", OriginAPI, t0)
	_, _ = r2.Apply(RunFailed, t0)
	if r2.ReportProgress(0.5, t0) {
		t.Fatalf("terminal run must ignore progress")
	}
}

func TestRunDeadline(t *testing.T) {
	r := NewRun("r1", OriginAPI, t0)
	_, _ = r.Apply(RunQueued, t0)
	deadline, ok := r.Deadline(300 * time.Second)
	if !ok || !deadline.Equal(t0.Add(300*time.Second)) {
		t.Fatalf("queued deadline = %v ok=%v", deadline, ok)
	}

	_, _ = r.Apply(RunStarted, t0.Add(10*time.Second))
	r.RunTimeoutSeconds = 60
	deadline, _ = r.Deadline(300 * time.Second)
	if !deadline.Equal(t0.Add(70 * time.Second)) {
		t.Fatalf("started deadline = %v", deadline)
	}

	_, _ = r.Apply(RunUploading, t0)
	if _, ok := r.Deadline(300 * time.Second); ok {
		t.Fatalf("uploading runs do not time out")
	}
}

func TestNormalizeCreateRunRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRunRequest
		kind    DispatchKind
		wantErr bool
	}{
		{"workflow", CreateRunRequest{WorkflowID: "wf", MachineID: "m"}, DispatchByWorkflow, false},
		{"version", CreateRunRequest{WorkflowVersionID: "v1"}, DispatchByVersion, false},
		{"deployment", CreateRunRequest{DeploymentID: "d1"}, DispatchByDeployment, false},
		{"model", CreateRunRequest{ModelID: "m1"}, DispatchByModel, false},
		{"empty", CreateRunRequest{}, "", true},
		{"ambiguous", CreateRunRequest{DeploymentID: "d1", WorkflowID: "wf"}, "", true},
		{"bad origin", CreateRunRequest{WorkflowID: "wf", Origin: "cron"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Normalize()
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.kind)
			}
			if got.Origin != OriginAPI {
				t.Fatalf("origin default = %s", got.Origin)
			}
		})
	}
}

func TestDecodeOutputData(t *testing.T) {
	payload := map[string]json.RawMessage{
		"images": json.RawMessage(`[{"url":"https://cdn/x.png","type":"output","filename":"x.png"}]`),
		"text":   json.RawMessage(`["hello"]`),
		"flag":   json.RawMessage(`true`),
		"bad":    json.RawMessage(`[{"url":"https://cdn/y.exe","type":"binary","filename":"y.exe"}]`),
		"num":    json.RawMessage(`[42]`),
	}
	data, invalid := DecodeOutputData(payload)
	if len(data) != 3 {
		t.Fatalf("expected 3 valid slots, got %d", len(data))
	}
	if len(invalid) != 2 || invalid[0] != "bad" || invalid[1] != "num" {
		t.Fatalf("invalid = %v", invalid)
	}
	if !data["images"][0].IsMedia() || *data["text"][0].Text != "hello" || !*data["flag"][0].Bool {
		t.Fatalf("unexpected decode: %+v", data)
	}
}

func TestOutputMergeIsOrderIndependentForMedia(t *testing.T) {
	a := map[string][]OutputValue{"images": {MediaValue(MediaItem{URL: "a", Type: "output", Filename: "a.png"})}}
	b := map[string][]OutputValue{"images": {MediaValue(MediaItem{URL: "b", Type: "output", Filename: "b.png"})}}

	var ab, ba Output
	ab.Merge(a, nil, t0)
	ab.Merge(b, nil, t0)
	ba.Merge(b, nil, t0)
	ba.Merge(a, nil, t0)

	if len(ab.Data["images"]) != 2 || len(ba.Data["images"]) != 2 {
		t.Fatalf("expected both media refs retained: %+v / %+v", ab.Data, ba.Data)
	}

	// re-delivery does not duplicate
	ab.Merge(a, nil, t0)
	if len(ab.Data["images"]) != 2 {
		t.Fatalf("duplicate delivery grew the slot: %d", len(ab.Data["images"]))
	}
}

func TestOutputMergeScalarLastWriteWins(t *testing.T) {
	var o Output
	o.Merge(map[string][]OutputValue{"text": {TextValue("one")}}, json.RawMessage(`{"node":"1"}`), t0)
	o.Merge(map[string][]OutputValue{"text": {TextValue("two")}}, nil, t0.Add(time.Second))
	if len(o.Data["text"]) != 1 || *o.Data["text"][0].Text != "two" {
		t.Fatalf("expected last write to win, got %+v", o.Data["text"])
	}
	if string(o.NodeMeta) != `{"node":"1"}` {
		t.Fatalf("node_meta should survive a payload without one, got %s", o.NodeMeta)
	}
	if !o.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("updated_at = %v", o.UpdatedAt)
	}
}

func TestOutputValueJSONRoundTrip(t *testing.T) {
	o := Output{ID: "o1", RunID: "r1", Data: map[string][]OutputValue{
		"images": {MediaValue(MediaItem{URL: "u", Type: "output", Filename: "f"})},
		"ok":     {BoolValue(true)},
	}}
	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Output
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Data["images"][0].Media.URL != "u" || !*back.Data["ok"][0].Bool {
		t.Fatalf("round trip lost data: %s", b)
	}
}

func TestMachineRunnable(t *testing.T) {
	tests := []struct {
		name     string
		m        Machine
		runnable bool
		unavail  bool
	}{
		{"ready", Machine{Status: MachineReady}, true, false},
		{"building", Machine{Status: MachineBuilding}, false, false},
		{"disabled", Machine{Status: MachineReady, Disabled: true}, false, true},
		{"deleted", Machine{Status: MachineRunning, Deleted: true}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.m.Runnable() != tt.runnable || tt.m.Unavailable() != tt.unavail {
				t.Fatalf("Runnable=%v Unavailable=%v", tt.m.Runnable(), tt.m.Unavailable())
			}
		})
	}
	if (Machine{}).Limit(0) != DefaultConcurrencyLimit || (Machine{}).Limit(4) != 4 || (Machine{ConcurrencyLimit: 3}).Limit(4) != 3 {
		t.Fatalf("limit fallback")
	}
}

func TestTenantIdentityKey(t *testing.T) {
	if (TenantIdentity{UserID: "u", OrgID: "o"}).Key() != "org:o" {
		t.Fatalf("org should win")
	}
	if (TenantIdentity{UserID: "u"}).Key() != "user:u" {
		t.Fatalf("user key")
	}
	if !(TenantIdentity{OrgID: "o"}).Owns("someone", "o") {
		t.Fatalf("org members own org resources")
	}
	if (TenantIdentity{UserID: "u", OrgID: "o"}).Owns("u", "") {
		t.Fatalf("personal resources are not visible from an org context")
	}
}
