package services

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/runplane/pkg/domain"
)

func TestMachineDisableFailsOpenRuns(t *testing.T) {
	tests := []struct {
		name   string
		act    func(h *harness) error
		reason string
	}{
		{"disable", func(h *harness) error { _, err := h.machSvc.Disable(h.ctx, "m1"); return err }, "disabled"},
		{"delete", func(h *harness) error { return h.machSvc.Delete(h.ctx, "m1") }, "deleted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.seed(t, 1)
			a := h.submit(t, domain.DispatchRequest{})
			b := h.submit(t, domain.DispatchRequest{})

			if err := tt.act(h); err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			for _, id := range []string{a.ID, b.ID} {
				got, _ := h.runsRepo.Get(h.ctx, id)
				if got.Status != domain.RunFailed {
					t.Fatalf("run %s should fail, got %s", id, got.Status)
				}
				if !strings.Contains(got.FailReason, tt.reason) {
					t.Fatalf("fail reason %q should mention %q", got.FailReason, tt.reason)
				}
			}
			gotB, _ := h.runsRepo.Get(h.ctx, b.ID)
			if gotB.StartedAt != nil {
				t.Fatalf("queued run failed by machine loss must keep started_at empty")
			}

			_, err := h.runs.Submit(h.ctx, owner, domain.DispatchRequest{Kind: domain.DispatchByWorkflow, Ref: "wf1", Origin: domain.OriginAPI})
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("submit to unavailable machine should be rejected, got %v", err)
			}
		})
	}
}

func TestMachineUpsertRaisesLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 1)
	h.submit(t, domain.DispatchRequest{})
	b := h.submit(t, domain.DispatchRequest{})
	if b.Status != domain.RunQueued {
		t.Fatalf("expected queued, got %s", b.Status)
	}

	m, err := h.machSvc.Upsert(h.ctx, domain.Machine{ID: "m1", Status: domain.MachineReady, ConcurrencyLimit: 2})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if m.CreatedAt.IsZero() {
		t.Fatalf("created_at should be set")
	}
	if s := h.status(t, b.ID); s != domain.RunStarted {
		t.Fatalf("raised limit should admit the queued run, got %s", s)
	}
}

func TestMachineUpsertKeepsCreatedAt(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 1)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.machSvc.(*machineService).now = func() time.Time { return created }

	first, err := h.machSvc.Upsert(h.ctx, domain.Machine{ID: "m1", ConcurrencyLimit: 1})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !first.CreatedAt.Equal(created) {
		t.Fatalf("machine stored without created_at should get one, got %v", first.CreatedAt)
	}

	h.machSvc.(*machineService).now = func() time.Time { return created.Add(time.Hour) }
	second, err := h.machSvc.Upsert(h.ctx, domain.Machine{ID: "m1", ConcurrencyLimit: 3})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !second.CreatedAt.Equal(created) || !second.UpdatedAt.Equal(created.Add(time.Hour)) {
		t.Fatalf("created_at=%v updated_at=%v", second.CreatedAt, second.UpdatedAt)
	}
}

func TestMachineNotRunnableKeepsQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 1)
	if _, err := h.machSvc.Upsert(h.ctx, domain.Machine{ID: "m1", Status: domain.MachineBuilding, ConcurrencyLimit: 1}); err != nil {
		t.Fatal(err)
	}
	run := h.submit(t, domain.DispatchRequest{})
	if run.Status != domain.RunQueued {
		t.Fatalf("building machine should hold the run in queue, got %s", run.Status)
	}
	if _, err := h.machSvc.Upsert(h.ctx, domain.Machine{ID: "m1", Status: domain.MachineReady, ConcurrencyLimit: 1}); err != nil {
		t.Fatal(err)
	}
	if s := h.status(t, run.ID); s != domain.RunStarted {
		t.Fatalf("ready machine should admit, got %s", s)
	}
}

func TestMachineUpsertValidation(t *testing.T) {
	h := newHarness(t, nil)
	bad := []domain.Machine{
		{ID: ""},
		{ID: "m", Status: "exploded"},
		{ID: "m", ConcurrencyLimit: -1},
	}
	for _, m := range bad {
		_, err := h.machSvc.Upsert(h.ctx, m)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%+v: expected ValidationError, got %v", m, err)
		}
	}
	_, err := h.machSvc.Disable(h.ctx, "ghost")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
