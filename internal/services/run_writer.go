package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/osvaldoandrade/runplane/internal/backoff"
	"github.com/osvaldoandrade/runplane/internal/events"
	"github.com/osvaldoandrade/runplane/internal/metrics"
	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/pkg/domain"
)

// change reports what a mutation did to a run.
type change struct {
	status   bool
	progress bool // progress or live status moved
	touched  bool
}

func (c change) dirty() bool { return c.status || c.progress || c.touched }

type transition struct {
	run  *domain.Run
	prev domain.RunStatus
	change
}

// runWriter applies conditional updates to runs and fires the post-commit
// effects (metrics, bus event, webhook) once a write is durable.
type runWriter struct {
	runs     repository.RunRepository
	notifier WebhookNotifier
	bus      events.Publisher
	logger   *slog.Logger
	attempts int
}

func newRunWriter(runs repository.RunRepository, notifier WebhookNotifier, bus events.Publisher, logger *slog.Logger) *runWriter {
	if bus == nil {
		bus = events.NewNoopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &runWriter{runs: runs, notifier: notifier, bus: bus, logger: logger, attempts: 10}
}

// update re-reads the run and re-applies mutate until the conditional write
// lands, so every decision is taken against the latest stored state.
func (w *runWriter) update(ctx context.Context, id string, mutate func(r *domain.Run) (change, error)) (transition, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 0; attempt < w.attempts; attempt++ {
		run, err := w.runs.Get(ctx, id)
		if err != nil {
			return transition{}, err
		}
		prev := run.Status
		ch, err := mutate(run)
		if err != nil {
			return transition{run: run, prev: prev}, err
		}
		if !ch.dirty() {
			return transition{run: run, prev: prev}, nil
		}
		err = w.runs.CompareAndSwap(ctx, run)
		if errors.Is(err, repository.ErrVersionConflict) {
			time.Sleep(backoff.Delay(backoff.ExpFullJitter, 2*time.Millisecond, 50*time.Millisecond, attempt, rng))
			continue
		}
		if err != nil {
			return transition{}, err
		}
		tr := transition{run: run, prev: prev, change: ch}
		w.committed(ctx, tr)
		return tr, nil
	}
	return transition{}, fmt.Errorf("run %s: %w", id, repository.ErrVersionConflict)
}

func (w *runWriter) committed(ctx context.Context, tr transition) {
	run := *tr.run
	switch {
	case tr.status:
		metrics.RunTransitionsTotal.WithLabelValues(string(tr.prev), string(run.Status)).Inc()
		if run.Status.IsTerminal() {
			if d := run.UpdatedAt.Sub(run.CreatedAt).Seconds(); d >= 0 {
				metrics.RunDurationSeconds.WithLabelValues(string(run.Status)).Observe(d)
			}
		}
		w.logger.Info("run transition", "run_id", run.ID, "machine_id", run.MachineID, "from", tr.prev, "to", run.Status)
		ev := events.RunEvent{
			RunID:      run.ID,
			MachineID:  run.MachineID,
			WorkflowID: run.WorkflowID,
			Status:     run.Status,
			PrevStatus: tr.prev,
			Progress:   run.Progress,
			FailReason: run.FailReason,
			At:         run.UpdatedAt,
		}
		if err := w.bus.PublishRun(ctx, ev); err != nil {
			w.logger.Warn("run event publish failed", "run_id", run.ID, "err", err)
		}
		if w.notifier != nil {
			w.notifier.Notify(ctx, run, EventStatusChange)
		}
	case tr.progress:
		if w.notifier != nil {
			w.notifier.Notify(ctx, run, EventProgressUpdate)
		}
	}
}
