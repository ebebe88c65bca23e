package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountPrimary = "accounts_pkey"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectTransaction  = "transaction"
	errorCodeAdjust          = "adjust"
	errorCodeCreate          = "create"
	errorCodeDebit           = "debit"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeRun             = "run"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table used by the store.
func (store *Store) AutoMigrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore ledger.Store) error) error {
	var callbackError error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		callbackError = fn(ctx, &Store{db: transaction})
		return callbackError
	})
	if err != nil && callbackError == nil {
		return ledger.StorageError(errorOperationStore, errorSubjectTransaction, errorCodeRun, err)
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, userID ledger.UserID, credits ledger.Credits, atUnixUTC int64) error {
	at := time.Unix(atUnixUTC, 0).UTC()
	account := Account{UserID: userID.String(), Credits: credits.Int64(), CreatedAt: at, UpdatedAt: at}
	err := store.db.WithContext(ctx).Create(&account).Error
	if isAccountConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUserNotFound)
	}
	if err != nil {
		return ledger.Account{}, ledger.StorageError(errorOperationStore, errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{
		UserID:         userID,
		Credits:        ledger.Credits(account.Credits),
		UpdatedUnixUTC: account.UpdatedAt.Unix(),
	}, nil
}

// AdjustBalance applies credits = credits + delta in one statement.
func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Credits, atUnixUTC int64) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", delta.Int64()),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return 0, ledger.StorageError(errorOperationStore, errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrUserNotFound)
	}
	return store.readCredits(ctx, userID, errorCodeAdjust)
}

// DebitBalance applies credits = credits - amount only when credits >= amount.
func (store *Store) DebitBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, atUnixUTC int64) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND credits >= ?", userID.String(), amount.Int64()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits - ?", amount.Int64()),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return 0, ledger.StorageError(errorOperationStore, errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetAccount(ctx, userID); err != nil {
			return 0, err
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientCredits)
	}
	return store.readCredits(ctx, userID, errorCodeDebit)
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := LedgerEntry{
		UserID:         entry.UserID.String(),
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		IdempotencyKey: entry.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectEntry, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if beforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(beforeUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, ledger.StorageError(errorOperationStore, errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) readCredits(ctx context.Context, userID ledger.UserID, code string) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).Select("credits").Where("user_id = ?", userID.String()).Take(&account).Error
	if err != nil {
		return 0, ledger.StorageError(errorOperationStore, errorSubjectBalance, code, err)
	}
	return ledger.Credits(account.Credits), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		UserID:         userID,
		Type:           entryType,
		Amount:         ledger.Credits(row.Amount),
		BalanceAfter:   ledger.Credits(row.BalanceAfter),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isAccountConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
