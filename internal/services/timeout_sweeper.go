package services

import (
	"context"
	"log/slog"
	"time"
)

// TimeoutSweeper periodically times out overdue runs and retries admissions
// that were deferred because the machine lock was busy.
type TimeoutSweeper interface {
	Start(ctx context.Context)
	SweepOnce(ctx context.Context)
}

type timeoutSweeper struct {
	runs     RunService
	dispatch DispatchService
	logger   *slog.Logger
	interval time.Duration
}

func NewTimeoutSweeper(runs RunService, dispatch DispatchService, logger *slog.Logger, intervalSeconds int) TimeoutSweeper {
	if intervalSeconds <= 0 {
		intervalSeconds = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &timeoutSweeper{
		runs:     runs,
		dispatch: dispatch,
		logger:   logger,
		interval: time.Duration(intervalSeconds) * time.Second,
	}
}

func (s *timeoutSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *timeoutSweeper) SweepOnce(ctx context.Context) {
	expired, err := s.runs.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Warn("timeout sweep failed", "err", err)
	} else if expired > 0 {
		s.logger.Info("timeout sweep expired runs", "count", expired)
	}
	admitted, err := s.dispatch.AdmitAll(ctx)
	if err != nil {
		s.logger.Warn("admission sweep failed", "err", err)
		return
	}
	if admitted > 0 {
		s.logger.Info("admission sweep admitted runs", "count", admitted)
	}
}
