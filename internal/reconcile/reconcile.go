// Package reconcile re-checks pending checkouts whose webhook never arrived.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule runs reconciliation every ten minutes.
	DefaultSchedule = "@every 10m"
	// DefaultGracePeriod leaves fresh checkouts to the webhook.
	DefaultGracePeriod = 15 * time.Minute
	// DefaultAbandonAfter closes checkouts the processor still cannot return
	// long after any session would have expired.
	DefaultAbandonAfter = 72 * time.Hour
	defaultBatchSize    = 100
	sourceReconcile     = "reconcile"

	outcomeGranted   = "granted"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeExpired   = "expired"
	outcomePending   = "pending"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"
)

var ErrInvalidDependency = errors.New("invalid reconciler dependency")

// SessionFetcher reads the processor's current view of a session.
type SessionFetcher interface {
	FetchSession(ctx context.Context, sessionID string) (payments.Session, error)
}

// CheckoutQueue lists pending checkouts, least recently visited first, and
// records what each visit found.
type CheckoutQueue interface {
	ListPendingCheckouts(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]payments.CheckoutRecord, error)
	TouchCheckout(ctx context.Context, sessionID string, atUnixUTC int64) error
	MarkCheckout(ctx context.Context, sessionID string, status payments.CheckoutStatus, atUnixUTC int64) error
}

// Config tunes the reconciliation job.
type Config struct {
	Schedule     string
	GracePeriod  time.Duration
	AbandonAfter time.Duration
	BatchSize    int
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked   int
	Granted   int
	Duplicate int
	Expired   int
	Ignored   int
	Pending   int
	Failed    int
	Abandoned int
}

// Reconciler grants paid sessions and closes expired ones.
type Reconciler struct {
	cfg       Config
	queue     CheckoutQueue
	sessions  SessionFetcher
	fulfiller *payments.Fulfiller
	recorder  *metrics.Recorder
	logger    *zap.Logger
	now       func() int64
	running   sync.Mutex
}

// New wires a Reconciler.
func New(cfg Config, queue CheckoutQueue, sessions SessionFetcher, fulfiller *payments.Fulfiller, recorder *metrics.Recorder, logger *zap.Logger, now func() int64) (*Reconciler, error) {
	if queue == nil || sessions == nil || fulfiller == nil || now == nil {
		return nil, fmt.Errorf("%w: reconciler requires checkout queue, session fetcher, fulfiller and clock", ErrInvalidDependency)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = DefaultAbandonAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:       cfg,
		queue:     queue,
		sessions:  sessions,
		fulfiller: fulfiller,
		recorder:  recorder,
		logger:    logger,
		now:       now,
	}, nil
}

// Run schedules passes until ctx is canceled.
func (reconciler *Reconciler) Run(ctx context.Context) error {
	cronLogger := zapCronLogger{logger: reconciler.logger}
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)), cron.WithLogger(cronLogger))
	if _, err := scheduler.AddFunc(reconciler.cfg.Schedule, func() {
		if _, err := reconciler.RunOnce(ctx); err != nil {
			reconciler.logger.Error("checkout reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", reconciler.cfg.Schedule, err)
	}
	reconciler.logger.Info("checkout reconciliation scheduled", zap.String("schedule", reconciler.cfg.Schedule))
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// RunOnce reconciles one batch of pending checkouts older than the grace period.
// Checkouts left pending by a visit go to the back of the queue, so checkouts
// that keep failing never starve newer ones.
func (reconciler *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	reconciler.running.Lock()
	defer reconciler.running.Unlock()

	cutoff := reconciler.now() - int64(reconciler.cfg.GracePeriod/time.Second)
	records, err := reconciler.queue.ListPendingCheckouts(ctx, cutoff, reconciler.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list pending checkouts: %w", err)
	}

	var report Report
	for _, record := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		outcome := reconciler.reconcileOne(ctx, record)
		reconciler.recorder.Reconciled(outcome)
		switch outcome {
		case outcomeGranted:
			report.Granted++
		case outcomeDuplicate:
			report.Duplicate++
		case outcomeExpired:
			report.Expired++
		case outcomeIgnored:
			report.Ignored++
		case outcomePending:
			report.Pending++
		case outcomeAbandoned:
			report.Abandoned++
		default:
			report.Failed++
		}
		if outcome == outcomePending || outcome == outcomeFailed {
			reconciler.touch(ctx, record.SessionID)
		}
	}
	if report.Checked > 0 {
		reconciler.logger.Info("checkout reconciliation pass",
			zap.Int("checked", report.Checked),
			zap.Int("granted", report.Granted),
			zap.Int("duplicate", report.Duplicate),
			zap.Int("expired", report.Expired),
			zap.Int("ignored", report.Ignored),
			zap.Int("failed", report.Failed),
			zap.Int("abandoned", report.Abandoned),
		)
	}
	return report, nil
}

func (reconciler *Reconciler) reconcileOne(ctx context.Context, record payments.CheckoutRecord) string {
	session, err := reconciler.sessions.FetchSession(ctx, record.SessionID)
	if err != nil {
		reconciler.logger.Warn("checkout session fetch failed", zap.String("session_id", record.SessionID), zap.Error(err))
		if record.CreatedUnixUTC <= reconciler.now()-int64(reconciler.cfg.AbandonAfter/time.Second) {
			return reconciler.abandon(ctx, record.SessionID)
		}
		return outcomeFailed
	}
	switch {
	case session.Paid:
		fulfillment, err := reconciler.fulfiller.Fulfill(ctx, session, sourceReconcile)
		if err != nil {
			reconciler.logger.Warn("checkout reconciliation grant failed", zap.String("session_id", record.SessionID), zap.Error(err))
			return outcomeFailed
		}
		switch fulfillment.Status {
		case payments.FulfillmentGranted:
			return outcomeGranted
		case payments.FulfillmentDuplicate:
			return outcomeDuplicate
		default:
			return outcomeIgnored
		}
	case session.Expired:
		reconciler.fulfiller.Expire(ctx, record.SessionID)
		return outcomeExpired
	default:
		return outcomePending
	}
}

func (reconciler *Reconciler) touch(ctx context.Context, sessionID string) {
	if err := reconciler.queue.TouchCheckout(ctx, sessionID, reconciler.now()); err != nil {
		reconciler.logger.Warn("checkout visit not recorded", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (reconciler *Reconciler) abandon(ctx context.Context, sessionID string) string {
	if err := reconciler.queue.MarkCheckout(ctx, sessionID, payments.CheckoutAbandoned, reconciler.now()); err != nil {
		reconciler.logger.Warn("checkout not abandoned", zap.String("session_id", sessionID), zap.Error(err))
		return outcomeFailed
	}
	reconciler.logger.Warn("checkout abandoned", zap.String("session_id", sessionID))
	return outcomeAbandoned
}

type zapCronLogger struct {
	logger *zap.Logger
}

func (cronLogger zapCronLogger) Info(message string, keysAndValues ...any) {
	cronLogger.logger.Sugar().Debugw(message, keysAndValues...)
}

func (cronLogger zapCronLogger) Error(err error, message string, keysAndValues ...any) {
	cronLogger.logger.Sugar().Errorw(message, append(keysAndValues, "error", err)...)
}
