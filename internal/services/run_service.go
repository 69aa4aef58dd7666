package services

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/runplane/internal/events"
	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/internal/tracing"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type RunService interface {
	Submit(ctx context.Context, identity domain.TenantIdentity, req domain.DispatchRequest) (*domain.Run, error)
	// Get returns the client projection. A nil identity skips the tenant check.
	Get(ctx context.Context, identity *domain.TenantIdentity, id string) (*domain.RunView, error)
	Cancel(ctx context.Context, identity *domain.TenantIdentity, id string) (*domain.Run, error)
	Advance(ctx context.Context, id string, status domain.RunStatus, at time.Time) (*domain.Run, error)
	ReportProgress(ctx context.Context, id string, value float64, at time.Time) (*domain.Run, error)
	// StatusUpdate applies a machine callback. ignored is true when the callback
	// targeted a run that had already ended.
	StatusUpdate(ctx context.Context, upd domain.StatusUpdate) (run *domain.Run, ignored bool, err error)
	AppendLog(ctx context.Context, runID string, line domain.LogLine) error
	Logs(ctx context.Context, identity *domain.TenantIdentity, runID string, limit int) ([]domain.LogLine, error)
	// ExpireOverdue moves runs past their time budget to timeout.
	ExpireOverdue(ctx context.Context) (int, error)
}

type runService struct {
	runs     repository.RunRepository
	outputs  repository.OutputRepository
	machines repository.MachineRepository
	catalog  repository.CatalogRepository
	writer   *runWriter
	dispatch DispatchService
	logger   *slog.Logger
	now      func() time.Time

	defaultTimeout time.Duration
	sweepBatch     int
}

type RunServiceDeps struct {
	Runs     repository.RunRepository
	Outputs  repository.OutputRepository
	Machines repository.MachineRepository
	Catalog  repository.CatalogRepository
	Lock     repository.MachineLock
	Notifier WebhookNotifier
	Bus      events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time

	DefaultRunTimeoutSeconds int
	DefaultConcurrencyLimit  int
	SweepBatchSize           int
}

// NewRunServices wires the run service and the dispatcher around one shared writer.
func NewRunServices(d RunServiceDeps) (RunService, DispatchService) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.DefaultRunTimeoutSeconds <= 0 {
		d.DefaultRunTimeoutSeconds = 300
	}
	if d.SweepBatchSize <= 0 {
		d.SweepBatchSize = 500
	}
	writer := newRunWriter(d.Runs, d.Notifier, d.Bus, d.Logger)
	dispatch := newDispatchService(d.Runs, d.Machines, d.Lock, writer, d.Logger, d.Now, d.DefaultConcurrencyLimit)
	svc := &runService{
		runs:           d.Runs,
		outputs:        d.Outputs,
		machines:       d.Machines,
		catalog:        d.Catalog,
		writer:         writer,
		dispatch:       dispatch,
		logger:         d.Logger,
		now:            d.Now,
		defaultTimeout: time.Duration(d.DefaultRunTimeoutSeconds) * time.Second,
		sweepBatch:     d.SweepBatchSize,
	}
	return svc, dispatch
}

func (s *runService) Submit(ctx context.Context, identity domain.TenantIdentity, req domain.DispatchRequest) (*domain.Run, error) {
	ctx, span := tracing.Start(ctx, "runplane.run.submit", "",
		attribute.String("runplane.dispatch.kind", string(req.Kind)),
		attribute.String("runplane.dispatch.ref", req.Ref),
	)
	defer span.End()

	if req.Webhook != "" {
		u, err := url.Parse(req.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &domain.ValidationError{Field: "webhook", Msg: "invalid webhook url"}
		}
	}
	target, err := s.resolveTarget(ctx, identity, req)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	now := s.now()
	run := domain.NewRun(uuid.NewString(), req.Origin, now)
	run.WorkflowID = target.Workflow.ID
	run.WorkflowVersionID = target.WorkflowVersionID
	run.DeploymentID = target.DeploymentID
	run.ModelID = target.ModelID
	run.MachineID = target.Machine.ID
	run.UserID = identity.UserID
	run.OrgID = identity.OrgID
	run.Inputs = req.Inputs
	run.GPU = req.GPU
	run.Webhook = req.Webhook
	run.WebhookIntermediateStatus = req.WebhookIntermediateStatus
	run.RunTimeoutSeconds = req.RunTimeoutSeconds
	if run.RunTimeoutSeconds == 0 {
		run.RunTimeoutSeconds = target.Machine.RunTimeoutSeconds
	}
	run.TraceParent, run.TraceState = tracing.TraceContextStrings(ctx)
	if _, err := run.Apply(domain.RunQueued, now); err != nil {
		return nil, err
	}

	if err := s.runs.Create(ctx, run); err != nil {
		tracing.Fail(span, err)
		return nil, &domain.UpstreamError{Detail: "store run", Err: err}
	}
	span.SetAttributes(attribute.String("runplane.run_id", run.ID))
	metrics.RunCreatedTotal.WithLabelValues(string(run.Origin), string(req.Kind)).Inc()
	s.writer.committed(ctx, transition{run: run, prev: domain.RunNotStarted, change: change{status: true}})

	if _, err := s.dispatch.Admit(ctx, run.MachineID); err != nil {
		s.logger.Warn("admission after submit failed", "run_id", run.ID, "machine_id", run.MachineID, "err", err)
	}
	if fresh, err := s.runs.Get(ctx, run.ID); err == nil {
		run = fresh
	}
	return run, nil
}

func invalidRef(err error) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return &domain.ValidationError{Msg: nf.Error()}
	}
	return err
}

func (s *runService) resolveTarget(ctx context.Context, identity domain.TenantIdentity, req domain.DispatchRequest) (domain.RunTarget, error) {
	var t domain.RunTarget
	machineID := req.MachineID
	workflowID := ""

	switch req.Kind {
	case domain.DispatchByWorkflow:
		workflowID = req.Ref
	case domain.DispatchByVersion:
		v, err := s.catalog.WorkflowVersion(ctx, req.Ref)
		if err != nil {
			return t, invalidRef(err)
		}
		t.WorkflowVersionID = v.ID
		workflowID = v.WorkflowID
	case domain.DispatchByModel, domain.DispatchByDeployment:
		depID := req.Ref
		if req.Kind == domain.DispatchByModel {
			m, err := s.catalog.Model(ctx, req.Ref)
			if err != nil {
				return t, invalidRef(err)
			}
			t.ModelID = m.ID
			depID = m.DeploymentID
		}
		dep, err := s.catalog.Deployment(ctx, depID)
		if err != nil {
			return t, invalidRef(err)
		}
		t.DeploymentID = dep.ID
		t.WorkflowVersionID = dep.WorkflowVersionID
		workflowID = dep.WorkflowID
		// deployments pin their machine
		machineID = dep.MachineID
	default:
		return t, &domain.ValidationError{Msg: "unknown run request kind"}
	}

	wf, err := s.catalog.Workflow(ctx, workflowID)
	if err != nil {
		return t, invalidRef(err)
	}
	if wf.Deleted {
		return t, &domain.ValidationError{Msg: "workflow " + wf.ID + " was deleted"}
	}
	if req.Origin != domain.OriginPublicShare && !identity.Owns(wf.UserID, wf.OrgID) {
		return t, &domain.ValidationError{Msg: "workflow " + wf.ID + " not found"}
	}
	t.Workflow = *wf

	if machineID == "" {
		machineID = wf.SelectedMachineID
	}
	if machineID == "" {
		return t, &domain.ValidationError{Field: "machine_id", Msg: "no machine selected for workflow " + wf.ID}
	}
	m, err := s.machines.Get(ctx, machineID)
	if err != nil {
		return t, invalidRef(err)
	}
	if m.Unavailable() {
		return t, &domain.ValidationError{Field: "machine_id", Msg: m.UnavailableReason()}
	}
	t.Machine = *m
	return t, nil
}

func (s *runService) load(ctx context.Context, identity *domain.TenantIdentity, id string) (*domain.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity != nil && !identity.Owns(run.UserID, run.OrgID) {
		return nil, &domain.NotFoundError{Resource: "run", ID: id}
	}
	return run, nil
}

func (s *runService) Get(ctx context.Context, identity *domain.TenantIdentity, id string) (*domain.RunView, error) {
	run, err := s.load(ctx, identity, id)
	if err != nil {
		return nil, err
	}
	view := &domain.RunView{Run: *run, Outputs: []domain.Output{}}
	if view.QueuePosition, err = s.dispatch.QueuePosition(ctx, run); err != nil {
		return nil, err
	}
	outs, err := s.outputs.List(ctx, id)
	if err != nil {
		return nil, err
	}
	view.Outputs = outs
	return view, nil
}

// afterTransition re-runs admission when a run left the active set.
func (s *runService) afterTransition(ctx context.Context, tr transition) {
	if !tr.status || !tr.run.Status.IsTerminal() {
		return
	}
	if _, err := s.dispatch.Admit(ctx, tr.run.MachineID); err != nil {
		s.logger.Warn("admission after transition failed", "run_id", tr.run.ID, "machine_id", tr.run.MachineID, "err", err)
	}
}

func (s *runService) Cancel(ctx context.Context, identity *domain.TenantIdentity, id string) (*domain.Run, error) {
	if _, err := s.load(ctx, identity, id); err != nil {
		return nil, err
	}
	tr, err := s.writer.update(ctx, id, func(r *domain.Run) (change, error) {
		moved, err := r.Apply(domain.RunCancelled, s.now())
		return change{status: moved}, err
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, tr)
	return tr.run, nil
}

func (s *runService) Advance(ctx context.Context, id string, status domain.RunStatus, at time.Time) (*domain.Run, error) {
	if at.IsZero() {
		at = s.now()
	}
	tr, err := s.writer.update(ctx, id, func(r *domain.Run) (change, error) {
		moved, err := applyReported(r, status, at)
		return change{status: moved}, err
	})
	if err != nil {
		return tr.run, err
	}
	s.afterTransition(ctx, tr)
	return tr.run, nil
}

// applyReported moves r to a status reported from outside the dispatcher. A run
// that has not been admitted cannot claim a machine slot this way.
func applyReported(r *domain.Run, status domain.RunStatus, at time.Time) (bool, error) {
	if status.IsActive() && r.Status.Rank() < domain.RunStarted.Rank() {
		return false, &domain.IllegalTransitionError{From: r.Status, To: status}
	}
	return r.Apply(status, at)
}

func (s *runService) ReportProgress(ctx context.Context, id string, value float64, at time.Time) (*domain.Run, error) {
	run, _, err := s.StatusUpdate(ctx, domain.StatusUpdate{RunID: id, Progress: &value, Timestamp: at})
	return run, err
}

func (s *runService) StatusUpdate(ctx context.Context, upd domain.StatusUpdate) (*domain.Run, bool, error) {
	if strings.TrimSpace(upd.RunID) == "" {
		return nil, false, &domain.ValidationError{Field: "run_id", Msg: "required"}
	}
	if upd.Status == "" && upd.Progress == nil && upd.LiveStatus == "" {
		return nil, false, &domain.ValidationError{Msg: "status, progress or live_status is required"}
	}
	if upd.Status != "" && !upd.Status.Valid() {
		return nil, false, &domain.ValidationError{Field: "status", Msg: "unknown run status " + string(upd.Status)}
	}
	at := upd.Timestamp
	if at.IsZero() {
		at = s.now()
	}

	tr, err := s.writer.update(ctx, upd.RunID, func(r *domain.Run) (change, error) {
		var ch change
		if r.Status.IsTerminal() && (upd.Status == "" || upd.Status == r.Status) {
			return ch, nil
		}
		if upd.LiveStatus != "" && !r.Status.IsTerminal() && upd.LiveStatus != r.LiveStatus {
			r.LiveStatus = upd.LiveStatus
			r.Touch(at)
			ch.progress = true
		}
		if upd.Status != "" {
			moved, err := applyReported(r, upd.Status, at)
			if err != nil {
				return change{}, err
			}
			ch.status = moved
		}
		if upd.Progress != nil && r.ReportProgress(*upd.Progress, at) {
			ch.progress = true
		}
		return ch, nil
	})
	var ite *domain.IllegalTransitionError
	if errors.As(err, &ite) && ite.Stale() {
		s.logger.Debug("stale status callback ignored", "run_id", upd.RunID, "from", ite.From, "to", ite.To)
		return tr.run, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.afterTransition(ctx, tr)
	ignored := tr.run.Status.IsTerminal() && !tr.dirty()
	return tr.run, ignored, nil
}

func (s *runService) AppendLog(ctx context.Context, runID string, line domain.LogLine) error {
	if strings.TrimSpace(runID) == "" {
		return &domain.ValidationError{Field: "run_id", Msg: "required"}
	}
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return err
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = s.now()
	}
	return s.runs.AppendLog(ctx, runID, line)
}

func (s *runService) Logs(ctx context.Context, identity *domain.TenantIdentity, runID string, limit int) ([]domain.LogLine, error) {
	if _, err := s.load(ctx, identity, runID); err != nil {
		return nil, err
	}
	return s.runs.Logs(ctx, runID, limit)
}

// ExpireOverdue walks every open run, one page of sweepBatch at a time.
func (s *runService) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	expired := 0
	var cursor uint64
	for {
		page, next, err := s.runs.ScanOpen(ctx, cursor, s.sweepBatch)
		if err != nil {
			return expired, err
		}
		expired += s.expirePage(ctx, page, now)
		if next == 0 {
			return expired, nil
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		cursor = next
	}
}

func (s *runService) expirePage(ctx context.Context, open []*domain.Run, now time.Time) int {
	expired := 0
	for _, candidate := range open {
		if deadline, ok := candidate.Deadline(s.defaultTimeout); !ok || !now.After(deadline) {
			continue
		}
		tr, err := s.writer.update(ctx, candidate.ID, func(r *domain.Run) (change, error) {
			deadline, ok := r.Deadline(s.defaultTimeout)
			if !ok || !now.After(deadline) {
				return change{}, nil
			}
			moved, err := r.Apply(domain.RunTimeout, now)
			if moved {
				r.FailReason = "run exceeded its time budget"
			}
			return change{status: moved}, err
		})
		if err != nil {
			s.logger.Warn("timeout transition failed", "run_id", candidate.ID, "err", err)
			continue
		}
		if tr.status {
			expired++
			metrics.RunTimeoutsTotal.Inc()
			s.afterTransition(ctx, tr)
		}
	}
	return expired
}
