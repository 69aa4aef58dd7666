package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []webhookPayload
	badSig   int
	status   int
}

func (s *webhookSink) handler(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(r.Header.Get("X-Runplane-Timestamp") + "."))
		mac.Write(body)
		var p webhookPayload
		_ = json.Unmarshal(body, &p)

		s.mu.Lock()
		defer s.mu.Unlock()
		if hex.EncodeToString(mac.Sum(nil)) != r.Header.Get("X-Runplane-Signature") {
			s.badSig++
		}
		s.payloads = append(s.payloads, p)
		if s.status != 0 {
			w.WriteHeader(s.status)
		}
	}
}

func (s *webhookSink) statuses() []domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunStatus, 0, len(s.payloads))
	for _, p := range s.payloads {
		out = append(out, p.Status)
	}
	return out
}

func TestWebhookIntermediateOptIn(t *testing.T) {
	tests := []struct {
		name         string
		intermediate bool
		want         int
	}{
		// queued, started, running, success
		{"status changes only", false, 4},
		// plus two progress updates
		{"with progress updates", true, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &webhookSink{}
			srv := httptest.NewServer(sink.handler("s3cret"))
			defer srv.Close()

			var notifier WebhookNotifier
			h := newHarness(t, func(runs repository.RunRepository, outs repository.OutputRepository) WebhookNotifier {
				notifier = NewWebhookNotifier(runs, outs, slog.Default(), "s3cret", 2)
				return notifier
			})
			h.seed(t, 1)
			run := h.submit(t, domain.DispatchRequest{Webhook: srv.URL, WebhookIntermediateStatus: tt.intermediate})

			steps := []domain.StatusUpdate{
				{RunID: run.ID, Status: domain.RunRunning},
				{RunID: run.ID, Progress: ptr(0.3)},
				{RunID: run.ID, LiveStatus: "sampling"},
				{RunID: run.ID, Status: domain.RunSuccess},
				// duplicate terminal callback: no new webhook
				{RunID: run.ID, Status: domain.RunSuccess},
			}
			for _, upd := range steps {
				if _, _, err := h.runs.StatusUpdate(h.ctx, upd); err != nil {
					t.Fatalf("update %+v: %v", upd, err)
				}
				// deliveries are async; drain between steps so the sink sees them in order
				notifier.Wait()
			}

			got := sink.statuses()
			if len(got) != tt.want {
				t.Fatalf("expected %d deliveries, got %d (%v)", tt.want, len(got), got)
			}
			if got[len(got)-1] != domain.RunSuccess {
				t.Fatalf("last delivery should be success, got %v", got)
			}
			if sink.badSig != 0 {
				t.Fatalf("%d deliveries had a bad signature", sink.badSig)
			}

			stored, _ := h.runsRepo.Get(h.ctx, run.ID)
			if stored.WebhookStatus != domain.WebhookSuccess {
				t.Fatalf("webhook status = %q", stored.WebhookStatus)
			}
		})
	}
}

func TestWebhookFailureIsRecordedWithoutRetry(t *testing.T) {
	sink := &webhookSink{status: http.StatusBadGateway}
	srv := httptest.NewServer(sink.handler(""))
	defer srv.Close()

	var notifier WebhookNotifier
	h := newHarness(t, func(runs repository.RunRepository, outs repository.OutputRepository) WebhookNotifier {
		notifier = NewWebhookNotifier(runs, outs, slog.Default(), "", 2)
		return notifier
	})
	h.seed(t, 1)
	run := h.submit(t, domain.DispatchRequest{Webhook: srv.URL})
	notifier.Wait()
	if _, err := h.runs.Cancel(h.ctx, &owner, run.ID); err != nil {
		t.Fatal(err)
	}
	notifier.Wait()

	// queued, started, cancelled: one attempt each
	if n := len(sink.statuses()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	stored, _ := h.runsRepo.Get(h.ctx, run.ID)
	if stored.WebhookStatus != domain.WebhookFailed {
		t.Fatalf("webhook status = %q", stored.WebhookStatus)
	}
	if stored.Status != domain.RunCancelled {
		t.Fatalf("delivery failure must not affect the run: %s", stored.Status)
	}
}

func TestWebhookPayloadCarriesOutputs(t *testing.T) {
	sink := &webhookSink{}
	srv := httptest.NewServer(sink.handler(""))
	defer srv.Close()

	var notifier WebhookNotifier
	h := newHarness(t, func(runs repository.RunRepository, outs repository.OutputRepository) WebhookNotifier {
		notifier = NewWebhookNotifier(runs, outs, slog.Default(), "", 2)
		return notifier
	})
	h.seed(t, 1)
	run := h.submit(t, domain.DispatchRequest{Webhook: srv.URL})
	if _, err := h.outputs.Record(h.ctx, OutputEvent{RunID: run.ID, OutputID: "o1", Data: map[string]json.RawMessage{"images": slotOf(image("a"))}}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.runs.Advance(h.ctx, run.ID, domain.RunSuccess, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	notifier.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var last *webhookPayload
	for i := range sink.payloads {
		if sink.payloads[i].Status == domain.RunSuccess {
			last = &sink.payloads[i]
		}
	}
	if last == nil {
		t.Fatalf("no success delivery")
	}
	if len(last.Outputs) != 1 || last.Outputs[0].OutputID != "o1" || last.Outputs[0].RunID != run.ID {
		t.Fatalf("unexpected outputs: %+v", last.Outputs)
	}
	if last.Progress != 1 {
		t.Fatalf("progress = %v", last.Progress)
	}
}

func TestNotifyWithoutURLIsNoop(t *testing.T) {
	n := NewWebhookNotifier(nil, nil, slog.Default(), "", 0)
	n.Notify(context.Background(), domain.Run{ID: "r", Status: domain.RunSuccess}, EventStatusChange)
	n.Wait()
}

func ptr(v float64) *float64 { return &v }
