package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectCheckout = "checkout"
	errorCodeMark        = "mark"
	errorCodeRecord      = "record"
	errorCodeTouch       = "touch"
)

// RecordCheckout stores a checkout session once; repeated session ids are ignored.
func (store *Store) RecordCheckout(ctx context.Context, record payments.CheckoutRecord) error {
	row := CheckoutSession{
		SessionID:   record.SessionID,
		UserID:      record.UserID.String(),
		PackageID:   record.PackageID,
		Credits:     record.Credits,
		AmountMinor: record.AmountMinor,
		Currency:    record.Currency,
		Status:      record.Status.String(),
		CreatedAt:   time.Unix(record.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:   time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if row.Status == "" {
		row.Status = payments.CheckoutPending.String()
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeRecord, err)
	}
	return nil
}

// MarkCheckout moves a pending checkout into status.
func (store *Store) MarkCheckout(ctx context.Context, sessionID string, status payments.CheckoutStatus, atUnixUTC int64) error {
	err := store.db.WithContext(ctx).
		Model(&CheckoutSession{}).
		Where("session_id = ? AND status = ?", sessionID, payments.CheckoutPending.String()).
		Updates(map[string]any{
			"status":     status.String(),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		}).Error
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeMark, err)
	}
	return nil
}

// TouchCheckout records a reconciliation visit on a pending checkout.
func (store *Store) TouchCheckout(ctx context.Context, sessionID string, atUnixUTC int64) error {
	err := store.db.WithContext(ctx).
		Model(&CheckoutSession{}).
		Where("session_id = ? AND status = ?", sessionID, payments.CheckoutPending.String()).
		Update("updated_at", time.Unix(atUnixUTC, 0).UTC()).Error
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeTouch, err)
	}
	return nil
}

// ListPendingCheckouts returns pending checkouts created before the cutoff,
// least recently visited first.
func (store *Store) ListPendingCheckouts(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]payments.CheckoutRecord, error) {
	var rows []CheckoutSession
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", payments.CheckoutPending.String(), time.Unix(createdBeforeUnixUTC, 0).UTC()).
		Order("updated_at ASC").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeList, err)
	}
	records := make([]payments.CheckoutRecord, 0, len(rows))
	for _, row := range rows {
		userID, err := ledger.NewUserID(row.UserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCheckout, errorCodeInvalid, err)
		}
		records = append(records, payments.CheckoutRecord{
			SessionID:      row.SessionID,
			UserID:         userID,
			PackageID:      row.PackageID,
			Credits:        row.Credits,
			AmountMinor:    row.AmountMinor,
			Currency:       row.Currency,
			Status:         payments.CheckoutStatus(row.Status),
			CreatedUnixUTC: row.CreatedAt.Unix(),
			UpdatedUnixUTC: row.UpdatedAt.Unix(),
		})
	}
	return records, nil
}
