package recon

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// SchedulerConfig configures the periodic reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	Logger     *slog.Logger
}

// Scheduler runs reconciliation on a fixed cadence and on demand. Triggers
// that arrive while a pass is running coalesce into one follow-up pass.
// Retryable failures back off exponentially and retry in the same mode; an
// integrity failure halts incremental passes until a resync succeeds.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	retryBase  time.Duration
	retryMax   time.Duration
	logger     *slog.Logger

	trigger chan struct{}
	resync  chan struct{}
	halted  atomic.Bool
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	maxDelay := cfg.RetryMax
	if maxDelay < base {
		maxDelay = base * 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		retryBase:  base,
		retryMax:   maxDelay,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		resync:     make(chan struct{}, 1),
	}
}

// Trigger queues an incremental pass. It reports false when a pass is already
// queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RequestResync queues a full resync. It reports false when one is already
// queued.
func (s *Scheduler) RequestResync() bool {
	select {
	case s.resync <- struct{}{}:
		return true
	default:
		return false
	}
}

// Halted reports whether passes are suspended after an integrity failure.
func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// Start runs the scheduling loop until the context is cancelled. The first
// pass starts immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	var failures int
	delay := time.Duration(0)
	// pending is the mode the next timer-driven pass runs in. A failed resync
	// stays pending until it succeeds.
	pending := ModeIncremental
	for {
		timer := time.NewTimer(delay)
		mode := pending
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		case <-s.resync:
			timer.Stop()
			mode = ModeResync
		}

		pending = ModeIncremental
		if mode == ModeIncremental && s.halted.Load() {
			delay = s.interval
			continue
		}
		err := s.pass(ctx, mode)
		switch {
		case err == nil:
			failures = 0
			s.halted.Store(false)
			delay = s.interval
		case errors.Is(err, ErrRunInProgress):
			pending = mode
			delay = s.retryBase
		case ctx.Err() != nil:
			return
		case IsRetryable(err):
			pending = mode
			failures++
			delay = backoff(s.retryBase, s.retryMax, failures)
			s.logger.Warn("recon pass failed, retrying", "mode", mode, "attempt", failures, "retry_in", delay.String(), "error", err)
		default:
			failures = 0
			var integrity *SyncIntegrityError
			if errors.As(err, &integrity) {
				s.halted.Store(true)
				s.logger.Error("recon halted on integrity failure", "error", err)
			} else {
				s.logger.Error("recon pass failed", "mode", mode, "error", err)
			}
			delay = s.interval
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, mode string) error {
	var err error
	if mode == ModeResync {
		_, err = s.reconciler.Resync(ctx)
	} else {
		_, err = s.reconciler.Run(ctx)
	}
	return err
}

// backoff returns base doubled once per prior failure, capped at ceiling.
func backoff(base, ceiling time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return base
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	return delay
}
