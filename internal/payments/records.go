package payments

import (
	"context"

	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
)

// CheckoutStatus tracks the local view of a processor checkout session.
type CheckoutStatus string

const (
	CheckoutPending   CheckoutStatus = "pending"
	CheckoutCompleted CheckoutStatus = "completed"
	CheckoutExpired   CheckoutStatus = "expired"
	// CheckoutIgnored is a paid session whose metadata can never be credited.
	CheckoutIgnored CheckoutStatus = "ignored"
	// CheckoutAbandoned is a session the processor stopped answering for.
	CheckoutAbandoned CheckoutStatus = "abandoned"
)

// String returns the stored representation.
func (status CheckoutStatus) String() string {
	return string(status)
}

// CheckoutRecord is the local trace of a session created by the Initiator.
// Crediting never depends on it; it only feeds reconciliation.
type CheckoutRecord struct {
	SessionID      string
	UserID         ledger.UserID
	PackageID      string
	Credits        int64
	AmountMinor    int64
	Currency       string
	Status         CheckoutStatus
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// CheckoutRepository persists checkout records.
//
// RecordCheckout ignores a session id that already exists. MarkCheckout only
// moves pending records and is a no-op for unknown or settled sessions.
// TouchCheckout stamps a visit on a pending record without changing its status.
// ListPendingCheckouts returns the least recently visited records first, so
// records that keep failing rotate behind the rest.
type CheckoutRepository interface {
	RecordCheckout(ctx context.Context, record CheckoutRecord) error
	MarkCheckout(ctx context.Context, sessionID string, status CheckoutStatus, atUnixUTC int64) error
	TouchCheckout(ctx context.Context, sessionID string, atUnixUTC int64) error
	ListPendingCheckouts(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]CheckoutRecord, error)
}
