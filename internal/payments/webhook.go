package payments

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"go.uber.org/zap"
)

const sourceWebhook = "webhook"

// AckStatus describes how a verified event was handled.
type AckStatus string

const (
	AckGranted   AckStatus = "granted"
	AckDuplicate AckStatus = "duplicate"
	AckIgnored   AckStatus = "ignored"
	AckExpired   AckStatus = "expired"
)

// Ack is returned for every verified event that needs no redelivery.
type Ack struct {
	EventID   string
	EventType string
	SessionID string
	Status    AckStatus
	Balance   ledger.Credits
}

// WebhookHandler verifies processor notifications and credits completed checkouts.
type WebhookHandler struct {
	verifier  Verifier
	fulfiller *Fulfiller
	logger    *zap.Logger
}

// NewWebhookHandler wires a WebhookHandler.
func NewWebhookHandler(verifier Verifier, fulfiller *Fulfiller, logger *zap.Logger) (*WebhookHandler, error) {
	if verifier == nil || fulfiller == nil {
		return nil, fmt.Errorf("%w: webhook handler requires verifier and fulfiller", ErrInvalidDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{verifier: verifier, fulfiller: fulfiller, logger: logger}, nil
}

// HandleEvent verifies the signature before reading anything from the payload.
// Errors other than ErrInvalidSignature and ErrInvalidPayload are retryable.
func (handler *WebhookHandler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (Ack, error) {
	event, err := handler.verifier.Verify(payload, signatureHeader)
	if err != nil {
		handler.logger.Warn("webhook rejected", zap.Error(err))
		return Ack{}, err
	}
	ack := Ack{EventID: event.ID, EventType: event.Type, SessionID: event.Session.ID, Status: AckIgnored}

	switch {
	case event.Type == EventCheckoutCompleted && event.HasSession:
		fulfillment, err := handler.fulfiller.Fulfill(ctx, event.Session, sourceWebhook)
		if err != nil {
			handler.logger.Error("webhook grant failed",
				zap.String("event_id", event.ID),
				zap.String("session_id", event.Session.ID),
				zap.Error(err),
			)
			return Ack{}, err
		}
		ack.Status = AckStatus(fulfillment.Status)
		ack.Balance = fulfillment.Balance
	case event.Type == EventCheckoutExpired && event.HasSession:
		handler.fulfiller.Expire(ctx, event.Session.ID)
		ack.Status = AckExpired
	}

	handler.logger.Info("webhook acknowledged",
		zap.String("event_id", ack.EventID),
		zap.String("event_type", ack.EventType),
		zap.String("session_id", ack.SessionID),
		zap.String("status", string(ack.Status)),
	)
	return ack, nil
}
