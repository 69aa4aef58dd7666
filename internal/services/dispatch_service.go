package services

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/osvaldoandrade/runplane/internal/backoff"
	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

type DispatchService interface {
	// Admit moves queued runs of machineID to started while the machine has free
	// slots. When the machine is gone or disabled its open runs are failed instead.
	Admit(ctx context.Context, machineID string) (int, error)
	// AdmitAll re-evaluates every machine that has queued runs.
	AdmitAll(ctx context.Context) (int, error)
	// QueuePosition is nil unless the run is queued.
	QueuePosition(ctx context.Context, run *domain.Run) (*int, error)
	Stats(ctx context.Context, machineID string) (*domain.QueueStats, error)
}

type dispatchService struct {
	runs         repository.RunRepository
	machines     repository.MachineRepository
	lock         repository.MachineLock
	writer       *runWriter
	logger       *slog.Logger
	now          func() time.Time
	defaultLimit int
	lockWait     time.Duration
}

func newDispatchService(runs repository.RunRepository, machines repository.MachineRepository, lock repository.MachineLock, writer *runWriter, logger *slog.Logger, now func() time.Time, defaultLimit int) *dispatchService {
	if defaultLimit <= 0 {
		defaultLimit = domain.DefaultConcurrencyLimit
	}
	return &dispatchService{
		runs:         runs,
		machines:     machines,
		lock:         lock,
		writer:       writer,
		logger:       logger,
		now:          now,
		defaultLimit: defaultLimit,
		lockWait:     5 * time.Second,
	}
}

// acquire waits for the machine lock. Giving up is safe: the holder or the next
// sweep will re-run admission.
func (d *dispatchService) acquire(ctx context.Context, machineID string) (func(), error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	deadline := time.Now().Add(d.lockWait)
	for attempt := 0; ; attempt++ {
		release, err := d.lock.TryAcquire(ctx, machineID)
		if err != nil || release != nil {
			return release, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		wait := backoff.Delay(backoff.ExpEqualJitter, 5*time.Millisecond, 200*time.Millisecond, attempt, rng)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (d *dispatchService) Admit(ctx context.Context, machineID string) (int, error) {
	if machineID == "" {
		return 0, nil
	}
	release, err := d.acquire(ctx, machineID)
	if err != nil {
		return 0, err
	}
	if release == nil {
		d.logger.Warn("admission lock busy; deferring", "machine_id", machineID)
		return 0, nil
	}
	defer release()

	machine, err := d.machines.Get(ctx, machineID)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return 0, d.failOpenRuns(ctx, machineID, "machine "+machineID+" was deleted")
	}
	if err != nil {
		return 0, err
	}
	if machine.Unavailable() {
		return 0, d.failOpenRuns(ctx, machineID, machine.UnavailableReason())
	}
	if !machine.Runnable() {
		return 0, nil
	}

	limit := machine.Limit(d.defaultLimit)
	active, err := d.runs.ActiveCount(ctx, machineID)
	if err != nil {
		return 0, err
	}
	free := limit - active
	if free <= 0 {
		return 0, nil
	}
	ids, err := d.runs.QueuedRunIDs(ctx, machineID, free)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, id := range ids {
		tr, err := d.writer.update(ctx, id, func(r *domain.Run) (change, error) {
			if r.Status != domain.RunQueued {
				return change{}, nil
			}
			moved, err := r.Apply(domain.RunStarted, d.now())
			return change{status: moved}, err
		})
		if err != nil {
			d.logger.Warn("admission failed", "machine_id", machineID, "run_id", id, "err", err)
			continue
		}
		if tr.status {
			admitted++
			metrics.RunAdmittedTotal.Inc()
		}
	}
	if admitted > 0 {
		d.logger.Info("runs admitted", "machine_id", machineID, "count", admitted, "active", active+admitted, "limit", limit)
	}
	return admitted, nil
}

func (d *dispatchService) failOpenRuns(ctx context.Context, machineID, reason string) error {
	open, err := d.runs.OpenRuns(ctx, machineID)
	if err != nil {
		return err
	}
	for _, r := range open {
		_, err := d.writer.update(ctx, r.ID, func(run *domain.Run) (change, error) {
			if run.Status.IsTerminal() {
				return change{}, nil
			}
			moved, err := run.Apply(domain.RunFailed, d.now())
			if moved {
				run.FailReason = reason
			}
			return change{status: moved}, err
		})
		if err != nil {
			d.logger.Warn("fail run on unavailable machine", "machine_id", machineID, "run_id", r.ID, "err", err)
		}
	}
	if len(open) > 0 {
		d.logger.Warn("machine unavailable; open runs failed", "machine_id", machineID, "count", len(open), "reason", reason)
	}
	return nil
}

func (d *dispatchService) AdmitAll(ctx context.Context) (int, error) {
	ids, err := d.machines.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		depth, err := d.runs.QueueDepth(ctx, id)
		if err != nil || depth == 0 {
			continue
		}
		n, err := d.Admit(ctx, id)
		if err != nil {
			d.logger.Warn("admission sweep failed", "machine_id", id, "err", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (d *dispatchService) QueuePosition(ctx context.Context, run *domain.Run) (*int, error) {
	if run.Status != domain.RunQueued {
		return nil, nil
	}
	pos, ok, err := d.runs.QueuePosition(ctx, run.MachineID, run.ID)
	if err != nil || !ok {
		return nil, err
	}
	return &pos, nil
}

func (d *dispatchService) Stats(ctx context.Context, machineID string) (*domain.QueueStats, error) {
	machine, err := d.machines.Get(ctx, machineID)
	if err != nil {
		return nil, err
	}
	active, err := d.runs.ActiveCount(ctx, machineID)
	if err != nil {
		return nil, err
	}
	queued, err := d.runs.QueueDepth(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return &domain.QueueStats{
		MachineID: machineID,
		Status:    machine.Status,
		Runnable:  machine.Runnable(),
		Limit:     machine.Limit(d.defaultLimit),
		Active:    active,
		Queued:    queued,
	}, nil
}
