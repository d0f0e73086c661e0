package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vpnbot/internal/reconcile"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	RunCycle(ctx context.Context) (reconcile.Report, error)
}

// StatusCounter reports subscription counts per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Scheduler manages the background jobs.
type Scheduler struct {
	cron       *cron.Cron
	logger     *zap.Logger
	reconciler Reconciler
	counter    StatusCounter
	interval   time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new cron scheduler. A cycle that outlasts the interval makes
// the next tick skip instead of overlapping.
func New(interval time.Duration, reconciler Reconciler, counter StatusCounter, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	adapter := cronLogger{logger: logger.Named("cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:     logger,
		reconciler: reconciler,
		counter:    counter,
		interval:   interval,
	}
}

// Start registers and starts all cron jobs. The first reconciliation runs one
// interval after start.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...", zap.Duration("reconcile_interval", s.interval))

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.reconcilePayments); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	if s.counter != nil {
		if _, err := s.cron.AddFunc("@hourly", s.statusReport); err != nil {
			return fmt.Errorf("schedule status report: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started")
	return nil
}

// Stop cancels running jobs and stops the scheduler. The returned context is
// done once every running job has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return s.cron.Stop()
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// ── Payment reconciliation ───────────────────────────────────────────

func (s *Scheduler) reconcilePayments() {
	defer s.recoverFromPanic("reconcilePayments")

	start := time.Now()
	report, err := s.reconciler.RunCycle(s.jobContext())
	if err != nil {
		s.logger.Error("Reconciliation cycle failed", zap.Error(err))
		return
	}
	if report.Checked == 0 {
		return
	}

	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Duration("took", time.Since(start)),
	}
	for outcome, n := range report.Outcomes {
		fields = append(fields, zap.Int(string(outcome), n))
	}
	s.logger.Info("Reconciliation cycle completed", fields...)
}

// ── Hourly status report ─────────────────────────────────────────────

func (s *Scheduler) statusReport() {
	defer s.recoverFromPanic("statusReport")

	ctx, cancel := context.WithTimeout(s.jobContext(), 30*time.Second)
	defer cancel()

	counts, err := s.counter.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("Status report failed", zap.Error(err))
		return
	}
	fields := make([]zap.Field, 0, len(counts))
	for status, n := range counts {
		fields = append(fields, zap.Int64(status, n))
	}
	s.logger.Info("Subscription status report", fields...)
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
