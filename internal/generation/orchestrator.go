// Package generation charges credits for AI content and refunds failed attempts.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/events"
	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CostPerGeneration is charged to identified users for each generation.
const CostPerGeneration = 5

const (
	debitKeyPrefix   = "generation:"
	refundKeySuffix  = "refund"
	rateLimitScope   = "generate"
	refundSource     = "generation_failure"
	outcomeOK        = "ok"
	outcomeFailed    = "failed"
	outcomeRefused   = "insufficient_credits"
	outcomeThrottled = "rate_limited"
)

var (
	ErrInvalidBusinessType = errors.New("invalid business type")
	ErrUpstreamFailure     = errors.New("content generation failed")
	ErrRateLimited         = errors.New("generation rate limit exceeded")
	ErrInvalidDependency   = errors.New("invalid generation dependency")
)

// RateLimitedError carries the wait before the next allowed attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (rateLimitedError RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, rateLimitedError.RetryAfter)
}

func (rateLimitedError RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// Charger spends credits and returns them when the paid work fails.
type Charger interface {
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.Credits, error)
	Refund(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
}

// Limiter throttles generation per user.
type Limiter interface {
	Allow(ctx context.Context, scope string, subject string) (ratelimit.Decision, error)
}

// Request is one generation call. A zero UserID is an anonymous, free call.
type Request struct {
	UserID       ledger.UserID
	BusinessType string
	CustomPrompt string
}

// Response is the generated content and what it cost.
type Response struct {
	Content         map[string]any
	CreditsDeducted int64
	Balance         ledger.Credits
}

// Orchestrator runs debit, generate, parse and refund-on-failure.
type Orchestrator struct {
	charger   Charger
	generator Generator
	limiter   Limiter
	publisher events.Publisher
	recorder  *metrics.Recorder
	logger    *zap.Logger
	now       func() int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimiter throttles identified users before they are charged.
func WithLimiter(limiter Limiter) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.limiter = limiter
	}
}

// WithPublisher emits credits.refunded events.
func WithPublisher(publisher events.Publisher) Option {
	return func(orchestrator *Orchestrator) {
		if publisher != nil {
			orchestrator.publisher = publisher
		}
	}
}

// WithMetrics counts generation outcomes.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.recorder = recorder
	}
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(charger Charger, generator Generator, logger *zap.Logger, now func() int64, options ...Option) (*Orchestrator, error) {
	if charger == nil || generator == nil || now == nil {
		return nil, fmt.Errorf("%w: orchestrator requires charger, generator and clock", ErrInvalidDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		charger:   charger,
		generator: generator,
		publisher: events.NopPublisher{},
		logger:    logger,
		now:       now,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Generate charges identified users CostPerGeneration credits, then generates.
// ErrInsufficientCredits aborts before the generator runs. A failed generation is
// refunded, so a user is charged only when content is returned.
func (orchestrator *Orchestrator) Generate(ctx context.Context, request Request) (Response, error) {
	if strings.TrimSpace(request.BusinessType) == "" {
		return Response{}, fmt.Errorf("%w: business type is required", ErrInvalidBusinessType)
	}
	prompt := ResolvePrompt(request.BusinessType, request.CustomPrompt)

	if request.UserID.IsZero() {
		content, err := orchestrator.generate(ctx, prompt)
		if err != nil {
			orchestrator.recorder.Generation(outcomeFailed)
			return Response{}, err
		}
		orchestrator.recorder.Generation(outcomeOK)
		return Response{Content: content}, nil
	}

	if err := orchestrator.checkRateLimit(ctx, request.UserID); err != nil {
		orchestrator.recorder.Generation(outcomeThrottled)
		return Response{}, err
	}

	cost, err := ledger.NewPositiveCredits(CostPerGeneration)
	if err != nil {
		return Response{}, err
	}
	debitKey, err := ledger.NewIdempotencyKey(debitKeyPrefix + uuid.NewString())
	if err != nil {
		return Response{}, err
	}
	metadata, err := ledger.MarshalMetadata(map[string]string{"businessType": request.BusinessType})
	if err != nil {
		return Response{}, err
	}
	balance, err := orchestrator.charger.Debit(ctx, request.UserID, cost, debitKey, metadata)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			orchestrator.recorder.Generation(outcomeRefused)
		} else {
			orchestrator.recorder.Generation(outcomeFailed)
		}
		return Response{}, err
	}

	content, err := orchestrator.generate(ctx, prompt)
	if err != nil {
		orchestrator.recorder.Generation(outcomeFailed)
		orchestrator.refund(ctx, request.UserID, cost, debitKey, metadata)
		return Response{}, err
	}
	orchestrator.recorder.Generation(outcomeOK)
	return Response{Content: content, CreditsDeducted: cost.Int64(), Balance: balance}, nil
}

func (orchestrator *Orchestrator) generate(ctx context.Context, prompt string) (map[string]any, error) {
	result, err := orchestrator.generator.Generate(ctx, prompt)
	if err != nil {
		orchestrator.logger.Warn("content generation failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	return Normalize(result), nil
}

func (orchestrator *Orchestrator) checkRateLimit(ctx context.Context, userID ledger.UserID) error {
	if orchestrator.limiter == nil {
		return nil
	}
	decision, err := orchestrator.limiter.Allow(ctx, rateLimitScope, userID.String())
	if err != nil {
		orchestrator.logger.Warn("rate limiter unavailable; allowing request", zap.String("user_id", userID.String()), zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		return RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

// refund runs detached from request cancellation so a dropped client still gets its credits back.
func (orchestrator *Orchestrator) refund(ctx context.Context, userID ledger.UserID, cost ledger.PositiveCredits, debitKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) {
	refundKey, err := debitKey.Derive(refundKeySuffix)
	if err != nil {
		orchestrator.logger.Error("refund key invalid", zap.String("debit_key", debitKey.String()), zap.Error(err))
		return
	}
	detached := context.WithoutCancel(ctx)
	result, err := orchestrator.charger.Refund(detached, userID, cost, refundKey, metadata)
	if err != nil {
		orchestrator.logger.Error("generation refund failed",
			zap.String("user_id", userID.String()),
			zap.String("idempotency_key", refundKey.String()),
			zap.Error(err),
		)
		return
	}
	if !result.Applied {
		return
	}
	publishErr := orchestrator.publisher.Publish(detached, events.CreditEvent{
		Type:           events.TypeCreditsRefunded,
		UserID:         userID.String(),
		Credits:        cost.Int64(),
		Balance:        result.Balance.Int64(),
		IdempotencyKey: refundKey.String(),
		Source:         refundSource,
		OccurredAt:     time.Unix(orchestrator.now(), 0).UTC(),
	})
	if publishErr != nil {
		orchestrator.logger.Warn("credit event not published", zap.String("idempotency_key", refundKey.String()), zap.Error(publishErr))
	}
}
