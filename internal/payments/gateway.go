package payments

import (
	"context"

	"github.com/MarkoPoloResearchLab/genesis/internal/catalog"
)

// Metadata keys frozen on every checkout session.
const (
	MetadataUserID    = "userId"
	MetadataPackageID = "packageId"
	MetadataCredits   = "credits"
)

// Event types the webhook reacts to.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
)

// SessionRequest is everything the processor needs to open a checkout page.
type SessionRequest struct {
	Package    catalog.Package
	Currency   string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Session is the processor's view of a checkout session.
type Session struct {
	ID       string
	URL      string
	Metadata map[string]string
	Paid     bool
	Expired  bool
}

// Gateway talks to the payment processor.
type Gateway interface {
	CreateSession(ctx context.Context, request SessionRequest) (Session, error)
	FetchSession(ctx context.Context, sessionID string) (Session, error)
}

// Event is a verified webhook notification.
type Event struct {
	ID         string
	Type       string
	Session    Session
	HasSession bool
}

// Verifier authenticates and decodes raw webhook deliveries.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (Event, error)
}
