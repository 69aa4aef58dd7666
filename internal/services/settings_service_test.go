package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

func TestStorageSettingsAreRedacted(t *testing.T) {
	h := newHarness(t, nil)
	settings := repository.NewSettingsRepository(h.rdb)
	svc := NewSettingsService(settings, h.catalog, slog.Default())
	id := domain.TenantIdentity{UserID: "u1", OrgID: "o1"}

	out, err := svc.PutStorage(h.ctx, id, domain.StorageSettings{
		UseCustomStorage: true,
		AccessKeyID:      "AKIA",
		SecretAccessKey:  "very-secret",
		Region:           "eu-west-1",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if out.SecretAccessKey == "very-secret" {
		t.Fatalf("secret leaked in response")
	}

	stored, err := settings.GetStorage(h.ctx, "org:o1")
	if err != nil || stored == nil || stored.SecretAccessKey != "very-secret" {
		t.Fatalf("stored settings: %+v err=%v", stored, err)
	}

	got, err := svc.GetStorage(h.ctx, id)
	if err != nil || got.SecretAccessKey == "very-secret" {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	_, err = svc.PutStorage(h.ctx, id, domain.StorageSettings{UseCustomStorage: true, AccessKeyID: "AKIA"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("custom storage without secret should fail, got %v", err)
	}
	_, err = svc.PutStorage(h.ctx, domain.TenantIdentity{}, domain.StorageSettings{})
	var fe *domain.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("anonymous put should be forbidden, got %v", err)
	}
}

func TestPutCatalog(t *testing.T) {
	h := newHarness(t, nil)
	svc := NewSettingsService(repository.NewSettingsRepository(h.rdb), h.catalog, slog.Default())

	if err := svc.PutCatalog(h.ctx, repository.KindWorkflow, "wf9", json.RawMessage(`{"user_id":"u1","selected_machine_id":"m1"}`)); err != nil {
		t.Fatalf("put workflow: %v", err)
	}
	wf, err := h.catalog.Workflow(h.ctx, "wf9")
	if err != nil || wf.ID != "wf9" || wf.SelectedMachineID != "m1" {
		t.Fatalf("workflow: %+v err=%v", wf, err)
	}

	bad := []struct {
		kind repository.CatalogKind
		body string
	}{
		{"widgets", `{}`},
		{repository.KindDeployment, `{"workflow_id":"wf9"}`},
		{repository.KindModel, `{}`},
		{repository.KindWorkflowVersion, `not json`},
	}
	for _, b := range bad {
		err := svc.PutCatalog(h.ctx, b.kind, "x", json.RawMessage(b.body))
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s %s: expected ValidationError, got %v", b.kind, b.body, err)
		}
	}
}
