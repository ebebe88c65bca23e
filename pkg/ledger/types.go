package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a signed credit quantity.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// PositiveCredits is a credit quantity strictly greater than zero.
type PositiveCredits struct {
	value int64
}

// NewPositiveCredits validates that raw is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits{value: raw}, nil
}

// Int64 returns the raw value.
func (credits PositiveCredits) Int64() int64 {
	return credits.value
}

// ToCredits converts to a signed quantity.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits.value)
}

// Negated returns the signed negative of the quantity.
func (credits PositiveCredits) Negated() Credits {
	return Credits(-credits.value)
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Derive appends a suffix segment to the key.
func (key IdempotencyKey) Derive(suffix string) (IdempotencyKey, error) {
	return NewIdempotencyKey(key.value + idempotencyKeyDelimiter + suffix)
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MarshalMetadata encodes a value into MetadataJSON.
func MarshalMetadata(value any) (MetadataJSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryOpening    EntryType = "opening"
	EntryAdjustment EntryType = "adjustment"
	EntryDebit      EntryType = "debit"
	EntryPurchase   EntryType = "purchase"
	EntryRefund     EntryType = "refund"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryOpening, EntryAdjustment, EntryDebit, EntryPurchase, EntryRefund:
		return EntryType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	UserID         UserID
	Type           EntryType
	Amount         Credits
	BalanceAfter   Credits
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Account is the balance record of a user.
type Account struct {
	UserID         UserID
	Credits        Credits
	UpdatedUnixUTC int64
}

// CreditResult reports the outcome of an idempotent credit.
type CreditResult struct {
	Applied bool
	Balance Credits
}

// Store is the persistence contract used by Service.
//
// AdjustBalance and DebitBalance must each be a single atomic statement at the
// storage layer. InsertEntry must report ErrDuplicateIdempotencyKey without
// aborting the surrounding transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error
	CreateAccount(ctx context.Context, userID UserID, credits Credits, atUnixUTC int64) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	AdjustBalance(ctx context.Context, userID UserID, delta Credits, atUnixUTC int64) (Credits, error)
	DebitBalance(ctx context.Context, userID UserID, amount PositiveCredits, atUnixUTC int64) (Credits, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
