package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/internal/tracing"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// OutputEvent is one output callback from a machine.
type OutputEvent struct {
	RunID     string
	OutputID  string
	NodeID    string
	Data      map[string]json.RawMessage
	NodeMeta  json.RawMessage
	Timestamp time.Time
}

type OutputService interface {
	// Record stores the valid part of the payload. When some slots were rejected
	// the stored output is returned together with a *domain.ValidationError naming them.
	// A nil output with a nil error means the run had already ended.
	Record(ctx context.Context, ev OutputEvent) (*domain.Output, error)
	List(ctx context.Context, identity *domain.TenantIdentity, runID string) ([]domain.Output, error)
}

type outputService struct {
	runs    repository.RunRepository
	outputs repository.OutputRepository
	writer  *runWriter
	logger  *slog.Logger
	now     func() time.Time
}

// NewOutputService shares the run writer of rs so output-driven transitions
// fire the same post-commit effects as status callbacks.
func NewOutputService(rs RunService, outputs repository.OutputRepository) OutputService {
	s := rs.(*runService)
	return &outputService{
		runs:    s.runs,
		outputs: outputs,
		writer:  s.writer,
		logger:  s.logger,
		now:     s.now,
	}
}

func (s *outputService) Record(ctx context.Context, ev OutputEvent) (*domain.Output, error) {
	ctx, span := tracing.Start(ctx, "runplane.output.record", ev.RunID,
		attribute.String("runplane.output.node_id", ev.NodeID),
	)
	defer span.End()

	if strings.TrimSpace(ev.RunID) == "" {
		return nil, &domain.ValidationError{Field: "run_id", Msg: "required"}
	}
	run, err := s.runs.Get(ctx, ev.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		metrics.OutputEventsTotal.WithLabelValues("late").Inc()
		s.logger.Debug("output for ended run dropped", "run_id", run.ID, "status", run.Status)
		return nil, nil
	}

	data, invalid := domain.DecodeOutputData(ev.Data)
	if len(data) == 0 {
		metrics.OutputEventsTotal.WithLabelValues("rejected").Inc()
		if len(invalid) == 0 {
			return nil, &domain.ValidationError{Field: "data", Msg: "no output values"}
		}
		return nil, &domain.ValidationError{Slots: invalid}
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	key := domain.MergeKey(ev.OutputID, ev.NodeID)
	if key == "" {
		key = uuid.NewString()
	}
	out, err := s.outputs.Upsert(ctx, run.ID, key, func(existing *domain.Output) *domain.Output {
		if existing == nil {
			existing = &domain.Output{
				ID:        uuid.NewString(),
				OutputID:  ev.OutputID,
				RunID:     run.ID,
				NodeID:    ev.NodeID,
				CreatedAt: at,
				UpdatedAt: at,
			}
		}
		existing.Merge(data, ev.NodeMeta, at)
		return existing
	})
	if errors.Is(err, repository.ErrRunEnded) {
		metrics.OutputEventsTotal.WithLabelValues("late").Inc()
		s.logger.Debug("output for ended run dropped", "run_id", run.ID)
		return nil, nil
	}
	if err != nil {
		tracing.Fail(span, err)
		return nil, &domain.UpstreamError{Detail: "store output", Err: err}
	}

	tr, err := s.writer.update(ctx, run.ID, func(r *domain.Run) (change, error) {
		switch r.Status {
		case domain.RunStarted, domain.RunRunning:
			moved, err := r.Apply(domain.RunUploading, at)
			return change{status: moved}, err
		}
		if r.Status.IsTerminal() {
			return change{}, nil
		}
		// queued runs keep waiting for admission
		return change{touched: r.Touch(at)}, nil
	})
	if err != nil {
		s.logger.Warn("run update after output failed", "run_id", run.ID, "err", err)
	} else if tr.status {
		s.logger.Debug("run moved to uploading", "run_id", run.ID)
	}

	if len(invalid) > 0 {
		metrics.OutputEventsTotal.WithLabelValues("partial").Inc()
		return out, &domain.ValidationError{Slots: invalid}
	}
	metrics.OutputEventsTotal.WithLabelValues("accepted").Inc()
	return out, nil
}

func (s *outputService) List(ctx context.Context, identity *domain.TenantIdentity, runID string) ([]domain.Output, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if identity != nil && !identity.Owns(run.UserID, run.OrgID) {
		return nil, &domain.NotFoundError{Resource: "run", ID: runID}
	}
	return s.outputs.List(ctx, runID)
}
