package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

// MachineService keeps the dispatch view of machines. Every write re-runs
// admission so freed capacity or a disabled machine takes effect at once.
type MachineService interface {
	Upsert(ctx context.Context, m domain.Machine) (*domain.Machine, error)
	Disable(ctx context.Context, id string) (*domain.Machine, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Machine, error)
}

type machineService struct {
	machines repository.MachineRepository
	dispatch DispatchService
	logger   *slog.Logger
	now      func() time.Time
}

func NewMachineService(machines repository.MachineRepository, dispatch DispatchService, logger *slog.Logger) MachineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &machineService{machines: machines, dispatch: dispatch, logger: logger, now: time.Now}
}

func (s *machineService) Upsert(ctx context.Context, m domain.Machine) (*domain.Machine, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return nil, &domain.ValidationError{Field: "id", Msg: "required"}
	}
	if m.Status == "" {
		m.Status = domain.MachineReady
	}
	if !m.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Msg: "unknown machine status " + string(m.Status)}
	}
	if m.ConcurrencyLimit < 0 {
		return nil, &domain.ValidationError{Field: "concurrency_limit", Msg: "must be >= 0"}
	}
	if m.RunTimeoutSeconds < 0 {
		return nil, &domain.ValidationError{Field: "run_timeout_seconds", Msg: "must be >= 0"}
	}

	now := s.now()
	existing, err := s.machines.Get(ctx, m.ID)
	var nf *domain.NotFoundError
	switch {
	case err == nil && !existing.CreatedAt.IsZero():
		m.CreatedAt = existing.CreatedAt
	case err == nil, errors.As(err, &nf):
		m.CreatedAt = now
	default:
		return nil, err
	}
	m.UpdatedAt = now
	if err := s.machines.Put(ctx, m); err != nil {
		return nil, &domain.UpstreamError{Detail: "store machine", Err: err}
	}
	s.logger.Info("machine stored", "machine_id", m.ID, "status", m.Status, "concurrency_limit", m.ConcurrencyLimit, "disabled", m.Disabled)
	s.readmit(ctx, m.ID)
	return &m, nil
}

func (s *machineService) Disable(ctx context.Context, id string) (*domain.Machine, error) {
	m, err := s.machines.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Disabled {
		m.Disabled = true
		m.UpdatedAt = s.now()
		if err := s.machines.Put(ctx, *m); err != nil {
			return nil, &domain.UpstreamError{Detail: "store machine", Err: err}
		}
		s.logger.Info("machine disabled", "machine_id", id)
	}
	s.readmit(ctx, id)
	return m, nil
}

// Delete is soft: the record stays so runs pointing at it fail with a reason.
func (s *machineService) Delete(ctx context.Context, id string) error {
	m, err := s.machines.Get(ctx, id)
	if err != nil {
		return err
	}
	if !m.Deleted {
		m.Deleted = true
		m.UpdatedAt = s.now()
		if err := s.machines.Put(ctx, *m); err != nil {
			return &domain.UpstreamError{Detail: "store machine", Err: err}
		}
		s.logger.Info("machine deleted", "machine_id", id)
	}
	s.readmit(ctx, id)
	return nil
}

func (s *machineService) Get(ctx context.Context, id string) (*domain.Machine, error) {
	return s.machines.Get(ctx, id)
}

func (s *machineService) readmit(ctx context.Context, id string) {
	if s.dispatch == nil {
		return
	}
	if _, err := s.dispatch.Admit(ctx, id); err != nil {
		s.logger.Warn("admission after machine change failed", "machine_id", id, "err", err)
	}
}
