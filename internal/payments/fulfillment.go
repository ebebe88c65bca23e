package payments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/events"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"go.uber.org/zap"
)

// GrantKeyPrefix scopes purchase idempotency keys to checkout sessions.
const GrantKeyPrefix = "checkout:"

// FulfillmentStatus reports what a fulfillment attempt did.
type FulfillmentStatus string

const (
	FulfillmentGranted   FulfillmentStatus = "granted"
	FulfillmentDuplicate FulfillmentStatus = "duplicate"
	FulfillmentIgnored   FulfillmentStatus = "ignored"
)

// Fulfillment is the outcome of crediting one paid session.
type Fulfillment struct {
	Status  FulfillmentStatus
	UserID  ledger.UserID
	Credits int64
	Balance ledger.Credits
	Reason  string
}

// Crediter applies an idempotent credit grant.
type Crediter interface {
	Grant(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.CreditResult, error)
}

// Fulfiller turns a paid checkout session into credits exactly once.
type Fulfiller struct {
	crediter  Crediter
	checkouts CheckoutRepository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() int64
}

// NewFulfiller wires a Fulfiller. checkouts and publisher are optional.
func NewFulfiller(crediter Crediter, checkouts CheckoutRepository, publisher events.Publisher, logger *zap.Logger, now func() int64) (*Fulfiller, error) {
	if crediter == nil || now == nil {
		return nil, fmt.Errorf("%w: fulfiller requires crediter and clock", ErrInvalidDependency)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fulfiller{crediter: crediter, checkouts: checkouts, publisher: publisher, logger: logger, now: now}, nil
}

// Fulfill grants the credits recorded in the session metadata, keyed by the session id.
// Sessions without a usable user id or credit amount are ignored, not failed,
// and their checkout record is closed as CheckoutIgnored.
func (fulfiller *Fulfiller) Fulfill(ctx context.Context, session Session, source string) (Fulfillment, error) {
	if strings.TrimSpace(session.ID) == "" {
		return fulfiller.ignore(ctx, session, "missing session id"), nil
	}
	userID, err := ledger.NewUserID(session.Metadata[MetadataUserID])
	if err != nil {
		return fulfiller.ignore(ctx, session, "missing user id"), nil
	}
	creditsValue, err := strconv.ParseInt(strings.TrimSpace(session.Metadata[MetadataCredits]), 10, 64)
	if err != nil {
		return fulfiller.ignore(ctx, session, "unparseable credits"), nil
	}
	amount, err := ledger.NewPositiveCredits(creditsValue)
	if err != nil {
		return fulfiller.ignore(ctx, session, "non-positive credits"), nil
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(GrantKeyPrefix + session.ID)
	if err != nil {
		return Fulfillment{}, err
	}
	metadata, err := ledger.MarshalMetadata(map[string]string{
		"sessionId": session.ID,
		"packageId": session.Metadata[MetadataPackageID],
		"source":    source,
	})
	if err != nil {
		return Fulfillment{}, err
	}

	result, err := fulfiller.crediter.Grant(ctx, userID, amount, idempotencyKey, metadata)
	if err != nil {
		return Fulfillment{}, err
	}
	fulfillment := Fulfillment{Status: FulfillmentDuplicate, UserID: userID, Credits: creditsValue, Balance: result.Balance}
	if result.Applied {
		fulfillment.Status = FulfillmentGranted
		fulfiller.publish(ctx, userID, creditsValue, result.Balance, idempotencyKey, source)
	}
	fulfiller.markCheckout(ctx, session.ID, CheckoutCompleted)
	return fulfillment, nil
}

// Expire marks the local checkout record of an abandoned session.
func (fulfiller *Fulfiller) Expire(ctx context.Context, sessionID string) {
	fulfiller.markCheckout(ctx, sessionID, CheckoutExpired)
}

func (fulfiller *Fulfiller) ignore(ctx context.Context, session Session, reason string) Fulfillment {
	fulfiller.logger.Warn("checkout session ignored", zap.String("session_id", session.ID), zap.String("reason", reason))
	fulfiller.markCheckout(ctx, session.ID, CheckoutIgnored)
	return Fulfillment{Status: FulfillmentIgnored, Reason: reason}
}

func (fulfiller *Fulfiller) markCheckout(ctx context.Context, sessionID string, status CheckoutStatus) {
	if fulfiller.checkouts == nil || sessionID == "" {
		return
	}
	if err := fulfiller.checkouts.MarkCheckout(ctx, sessionID, status, fulfiller.now()); err != nil {
		fulfiller.logger.Warn("checkout record not updated", zap.String("session_id", sessionID), zap.String("status", status.String()), zap.Error(err))
	}
}

func (fulfiller *Fulfiller) publish(ctx context.Context, userID ledger.UserID, credits int64, balance ledger.Credits, idempotencyKey ledger.IdempotencyKey, source string) {
	err := fulfiller.publisher.Publish(ctx, events.CreditEvent{
		Type:           events.TypeCreditsGranted,
		UserID:         userID.String(),
		Credits:        credits,
		Balance:        balance.Int64(),
		IdempotencyKey: idempotencyKey.String(),
		Source:         source,
		OccurredAt:     time.Unix(fulfiller.now(), 0).UTC(),
	})
	if err != nil {
		fulfiller.logger.Warn("credit event not published", zap.String("idempotency_key", idempotencyKey.String()), zap.Error(err))
	}
}
