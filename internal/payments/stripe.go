package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	paymentMethodCard    = "card"
	checkoutEventPrefix  = "checkout.session."
	defaultLineItemCount = 1
)

// StripeGateway implements Gateway with Stripe Checkout.
type StripeGateway struct {
	sessions checkoutsession.Client
}

// NewStripeGateway returns a gateway using secretKey. A nil backend uses the live API backend.
func NewStripeGateway(secretKey string, backend stripe.Backend) *StripeGateway {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeGateway{sessions: checkoutsession.Client{B: backend, Key: secretKey}}
}

func (gateway *StripeGateway) CreateSession(ctx context.Context, request SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{paymentMethodCard}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(request.SuccessURL),
		CancelURL:          stripe.String(request.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(request.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(request.Package.Name),
						Description: stripe.String(request.Package.Description()),
					},
					UnitAmount: stripe.Int64(request.Package.AmountMinor),
				},
				Quantity: stripe.Int64(defaultLineItemCount),
			},
		},
	}
	params.Context = ctx
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}
	session, err := gateway.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: create checkout session: %w", ErrUpstreamFailure, err)
	}
	return mapStripeSession(session), nil
}

func (gateway *StripeGateway) FetchSession(ctx context.Context, sessionID string) (Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := gateway.sessions.Get(sessionID, params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: get checkout session: %w", ErrUpstreamFailure, err)
	}
	return mapStripeSession(session), nil
}

// StripeVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier returns a verifier for the given signing secret.
func NewStripeVerifier(secret string) StripeVerifier {
	return StripeVerifier{secret: secret}
}

func (verifier StripeVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if verifier.secret == "" {
		return Event{}, fmt.Errorf("%w: signing secret not configured", ErrInvalidSignature)
	}
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signatureHeader, verifier.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	event := Event{ID: stripeEvent.ID, Type: string(stripeEvent.Type)}
	if strings.HasPrefix(event.Type, checkoutEventPrefix) && stripeEvent.Data != nil {
		var session stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return Event{}, fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
		}
		event.Session = mapStripeSession(&session)
		event.HasSession = true
	}
	return event, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func mapStripeSession(session *stripe.CheckoutSession) Session {
	if session == nil {
		return Session{}
	}
	metadata := make(map[string]string, len(session.Metadata))
	for key, value := range session.Metadata {
		metadata[key] = value
	}
	return Session{
		ID:       session.ID,
		URL:      session.URL,
		Metadata: metadata,
		Paid:     session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Expired:  session.Status == stripe.CheckoutSessionStatusExpired,
	}
}
