package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/internal/tracing"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"go.opentelemetry.io/otel/attribute"
)

type EventKind string

const (
	EventStatusChange   EventKind = "status_change"
	EventProgressUpdate EventKind = "progress_update"
)

type WebhookNotifier interface {
	// Notify schedules one delivery of the run's projection. It never blocks on I/O.
	Notify(ctx context.Context, run domain.Run, kind EventKind)
	// Wait blocks until in-flight deliveries finish.
	Wait()
}

type webhookOutput struct {
	ID        string                          `json:"id"`
	OutputID  string                          `json:"output_id,omitempty"`
	RunID     string                          `json:"run_id"`
	Data      map[string][]domain.OutputValue `json:"data"`
	NodeMeta  json.RawMessage                 `json:"node_meta,omitempty"`
	CreatedAt time.Time                       `json:"created_at"`
	UpdatedAt time.Time                       `json:"updated_at"`
}

type webhookPayload struct {
	RunID      string           `json:"run_id"`
	Status     domain.RunStatus `json:"status"`
	LiveStatus string           `json:"live_status,omitempty"`
	Progress   float64          `json:"progress"`
	Outputs    []webhookOutput  `json:"outputs"`
}

type webhookNotifier struct {
	runs    repository.RunRepository
	outputs repository.OutputRepository
	client  *http.Client
	secret  string
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewWebhookNotifier(runs repository.RunRepository, outputs repository.OutputRepository, logger *slog.Logger, secret string, timeoutSeconds int) WebhookNotifier {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookNotifier{
		runs:    runs,
		outputs: outputs,
		client:  &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		secret:  secret,
		logger:  logger,
		now:     time.Now,
	}
}

func (n *webhookNotifier) Notify(ctx context.Context, run domain.Run, kind EventKind) {
	if strings.TrimSpace(run.Webhook) == "" {
		return
	}
	if kind == EventProgressUpdate && !run.WebhookIntermediateStatus {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(context.WithoutCancel(ctx), run, kind)
	}()
}

func (n *webhookNotifier) Wait() { n.wg.Wait() }

func (n *webhookNotifier) deliver(ctx context.Context, run domain.Run, kind EventKind) {
	ctx = tracing.ContextWithRemoteParent(ctx, run.TraceParent, run.TraceState)
	ctx, span := tracing.Start(ctx, "runplane.webhook.deliver", run.ID,
		attribute.String("runplane.webhook.kind", string(kind)),
		attribute.String("runplane.run.status", string(run.Status)),
	)
	defer span.End()

	payload := webhookPayload{
		RunID:      run.ID,
		Status:     run.Status,
		LiveStatus: run.LiveStatus,
		Progress:   run.Progress,
		Outputs:    []webhookOutput{},
	}
	if n.outputs != nil {
		outs, err := n.outputs.List(ctx, run.ID)
		if err != nil {
			n.logger.Warn("webhook outputs load failed", "run_id", run.ID, "err", err)
		}
		for _, o := range outs {
			payload.Outputs = append(payload.Outputs, webhookOutput{
				ID:        o.ID,
				OutputID:  o.OutputID,
				RunID:     o.RunID,
				Data:      o.Data,
				NodeMeta:  o.NodeMeta,
				CreatedAt: o.CreatedAt,
				UpdatedAt: o.UpdatedAt,
			})
		}
	}
	body, _ := json.Marshal(payload)

	status := domain.WebhookSuccess
	if err := n.post(ctx, run.Webhook, body); err != nil {
		status = domain.WebhookFailed
		tracing.Fail(span, err)
		n.logger.Warn("webhook delivery failed", "run_id", run.ID, "kind", kind, "err", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(kind), string(status)).Inc()
	n.record(ctx, run.ID, status)
}

func (n *webhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	n.addSignature(req, body)
	tracing.InjectHeaders(ctx, req.Header)
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// record stores the last delivery outcome. It does not go through the state
// machine and never touches status, progress or updated_at.
func (n *webhookNotifier) record(ctx context.Context, runID string, status domain.WebhookStatus) {
	if n.runs == nil {
		return
	}
	for attempt := 0; attempt < 5; attempt++ {
		run, err := n.runs.Get(ctx, runID)
		if err != nil {
			n.logger.Warn("webhook status load failed", "run_id", runID, "err", err)
			return
		}
		if run.WebhookStatus == status {
			return
		}
		run.WebhookStatus = status
		err = n.runs.CompareAndSwap(ctx, run)
		if err == nil {
			return
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			n.logger.Warn("webhook status write failed", "run_id", runID, "err", err)
			return
		}
	}
}

func (n *webhookNotifier) addSignature(req *http.Request, body []byte) {
	if strings.TrimSpace(n.secret) == "" {
		return
	}
	ts := n.now().UTC().Unix()
	mac := hmac.New(sha256.New, []byte(n.secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	_, _ = mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	req.Header.Set("X-Runplane-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Runplane-Signature", sig)
}
