package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/genesis/internal/catalog"
	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"go.uber.org/zap"
)

const (
	successQuery = "?success=true&session_id={CHECKOUT_SESSION_ID}"
	cancelQuery  = "?canceled=true"

	checkoutOutcomeCreated  = "created"
	checkoutOutcomeRejected = "rejected"
	checkoutOutcomeFailed   = "failed"
)

// CheckoutSession is what a caller needs to redirect the buyer.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// Initiator opens processor checkout sessions for catalog packages.
type Initiator struct {
	catalog   *catalog.Catalog
	gateway   Gateway
	checkouts CheckoutRepository
	recorder  *metrics.Recorder
	logger    *zap.Logger
	now       func() int64
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithCheckoutRepository records every created session as pending.
func WithCheckoutRepository(checkouts CheckoutRepository) InitiatorOption {
	return func(initiator *Initiator) {
		initiator.checkouts = checkouts
	}
}

// WithInitiatorMetrics counts session creation outcomes.
func WithInitiatorMetrics(recorder *metrics.Recorder) InitiatorOption {
	return func(initiator *Initiator) {
		initiator.recorder = recorder
	}
}

// NewInitiator wires an Initiator.
func NewInitiator(packages *catalog.Catalog, gateway Gateway, logger *zap.Logger, now func() int64, options ...InitiatorOption) (*Initiator, error) {
	if packages == nil || gateway == nil || now == nil {
		return nil, fmt.Errorf("%w: initiator requires catalog, gateway and clock", ErrInvalidDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	initiator := &Initiator{catalog: packages, gateway: gateway, logger: logger, now: now}
	for _, option := range options {
		if option != nil {
			option(initiator)
		}
	}
	return initiator, nil
}

// CreateSession validates the package and asks the processor for a checkout page.
// Unknown and subscription packages fail before the processor is contacted.
func (initiator *Initiator) CreateSession(ctx context.Context, packageID string, userID ledger.UserID, origin string) (CheckoutSession, error) {
	creditPackage, err := initiator.catalog.Lookup(packageID)
	if err != nil {
		initiator.recorder.Checkout(strings.TrimSpace(packageID), checkoutOutcomeRejected)
		return CheckoutSession{}, err
	}
	if userID.IsZero() {
		return CheckoutSession{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	trimmedOrigin := strings.TrimRight(strings.TrimSpace(origin), "/")
	if trimmedOrigin == "" {
		return CheckoutSession{}, fmt.Errorf("%w: origin is required", ErrInvalidInput)
	}

	session, err := initiator.gateway.CreateSession(ctx, SessionRequest{
		Package:    creditPackage,
		Currency:   catalog.Currency,
		SuccessURL: trimmedOrigin + successQuery,
		CancelURL:  trimmedOrigin + cancelQuery,
		Metadata: map[string]string{
			MetadataUserID:    userID.String(),
			MetadataPackageID: creditPackage.ID,
			MetadataCredits:   strconv.FormatInt(creditPackage.Credits, 10),
		},
	})
	if err != nil {
		initiator.recorder.Checkout(creditPackage.ID, checkoutOutcomeFailed)
		if !errors.Is(err, ErrUpstreamFailure) {
			err = fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
		}
		return CheckoutSession{}, err
	}
	initiator.recorder.Checkout(creditPackage.ID, checkoutOutcomeCreated)
	initiator.recordPending(ctx, session, creditPackage, userID)
	initiator.logger.Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID.String()),
		zap.String("package_id", creditPackage.ID),
	)
	return CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

func (initiator *Initiator) recordPending(ctx context.Context, session Session, creditPackage catalog.Package, userID ledger.UserID) {
	if initiator.checkouts == nil {
		return
	}
	err := initiator.checkouts.RecordCheckout(ctx, CheckoutRecord{
		SessionID:      session.ID,
		UserID:         userID,
		PackageID:      creditPackage.ID,
		Credits:        creditPackage.Credits,
		AmountMinor:    creditPackage.AmountMinor,
		Currency:       catalog.Currency,
		Status:         CheckoutPending,
		CreatedUnixUTC: initiator.now(),
	})
	if err != nil {
		initiator.logger.Warn("checkout record not stored", zap.String("session_id", session.ID), zap.Error(err))
	}
}
