package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountPrimary = "accounts_pkey"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectCheckout     = "checkout"
	errorSubjectEntry        = "entry"
	errorSubjectSchema       = "schema"
	errorSubjectTransaction  = "transaction"
	errorCodeAdjust          = "adjust"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeDebit           = "debit"
	errorCodeDuplicate       = "duplicate"
	errorCodeEnsure          = "ensure"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeMark            = "mark"
	errorCodeRecord          = "record"
	errorCodeTouch           = "touch"

	sqlSchema = `
		create table if not exists accounts (
			user_id text primary key,
			credits bigint not null default 0,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists ledger_entries (
			entry_id uuid primary key default gen_random_uuid(),
			user_id text not null references accounts(user_id),
			type text not null,
			amount bigint not null,
			balance_after bigint not null,
			idempotency_key text not null unique,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_ledger_user_created on ledger_entries(user_id, created_at);
		create table if not exists checkout_sessions (
			session_id text primary key,
			user_id text not null,
			package_id text not null,
			credits bigint not null,
			amount_minor bigint not null,
			currency text not null,
			status text not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_checkout_status_updated on checkout_sessions(status, updated_at);
	`

	sqlInsertAccount = `
		insert into accounts(user_id, credits, created_at, updated_at)
		values ($1, $2, to_timestamp($3), to_timestamp($3))
	`

	sqlSelectAccount = `
		select credits, extract(epoch from updated_at)::bigint
		from accounts
		where user_id = $1
	`

	sqlAdjustBalance = `
		update accounts
		set credits = credits + $2, updated_at = to_timestamp($3)
		where user_id = $1
		returning credits
	`

	sqlDebitBalance = `
		update accounts
		set credits = credits - $2, updated_at = to_timestamp($3)
		where user_id = $1 and credits >= $2
		returning credits
	`

	sqlAccountExists = `select exists(select 1 from accounts where user_id = $1)`

	sqlInsertEntry = `
		insert into ledger_entries(
			user_id, type, amount, balance_after, idempotency_key, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
		on conflict (idempotency_key) do nothing
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			user_id,
			type,
			amount,
			balance_after,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where user_id = $1 and ($2 = 0 or created_at < to_timestamp($2))
		order by created_at desc
		limit $3
	`

	sqlInsertCheckout = `
		insert into checkout_sessions(
			session_id, user_id, package_id, credits, amount_minor, currency, status, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), to_timestamp($8))
		on conflict (session_id) do nothing
	`

	sqlMarkCheckout = `
		update checkout_sessions
		set status = $2, updated_at = to_timestamp($3)
		where session_id = $1 and status = 'pending'
	`

	sqlListPendingCheckouts = `
		select
			session_id, user_id, package_id, credits, amount_minor, currency, status,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from checkout_sessions
		where status = 'pending' and created_at < to_timestamp($1)
		order by updated_at asc, created_at asc
		limit $2
	`

	sqlTouchCheckout = `
		update checkout_sessions
		set updated_at = to_timestamp($2)
		where session_id = $1 and status = 'pending'
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store and payments.CheckoutRepository using pgx.
// A Store created by New autocommits; WithTx hands out a Store bound to a transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema creates the tables used by the store when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlSchema); err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, transactionStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, userID ledger.UserID, credits ledger.Credits, atUnixUTC int64) error {
	_, err := store.db.Exec(ctx, sqlInsertAccount, userID.String(), credits.Int64(), atUnixUTC)
	if isAccountConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var (
		credits        int64
		updatedUnixUTC int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(&credits, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUserNotFound)
	}
	if err != nil {
		return ledger.Account{}, ledger.StorageError(errorOperationStore, errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{UserID: userID, Credits: ledger.Credits(credits), UpdatedUnixUTC: updatedUnixUTC}, nil
}

func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Credits, atUnixUTC int64) (ledger.Credits, error) {
	var credits int64
	err := store.db.QueryRow(ctx, sqlAdjustBalance, userID.String(), delta.Int64(), atUnixUTC).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrUserNotFound)
	}
	if err != nil {
		return 0, ledger.StorageError(errorOperationStore, errorSubjectBalance, errorCodeAdjust, err)
	}
	return ledger.Credits(credits), nil
}

func (store *Store) DebitBalance(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, atUnixUTC int64) (ledger.Credits, error) {
	var credits int64
	err := store.db.QueryRow(ctx, sqlDebitBalance, userID.String(), amount.Int64(), atUnixUTC).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if lookupErr := store.db.QueryRow(ctx, sqlAccountExists, userID.String()).Scan(&exists); lookupErr != nil {
			return 0, ledger.StorageError(errorOperationStore, errorSubjectBalance, errorCodeDebit, lookupErr)
		}
		if !exists {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrUserNotFound)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientCredits)
	}
	if err != nil {
		return 0, ledger.StorageError(errorOperationStore, errorSubjectBalance, errorCodeDebit, err)
	}
	return ledger.Credits(credits), nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	tag, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.UserID.String(),
		entry.Type.String(),
		entry.Amount.Int64(),
		entry.BalanceAfter.Int64(),
		entry.IdempotencyKey.String(),
		entry.Metadata.String(),
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectEntry, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, ledger.StorageError(errorOperationStore, errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) RecordCheckout(ctx context.Context, record payments.CheckoutRecord) error {
	status := record.Status
	if status == "" {
		status = payments.CheckoutPending
	}
	_, err := store.db.Exec(ctx, sqlInsertCheckout,
		record.SessionID,
		record.UserID.String(),
		record.PackageID,
		record.Credits,
		record.AmountMinor,
		record.Currency,
		status.String(),
		record.CreatedUnixUTC,
	)
	if err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeRecord, err)
	}
	return nil
}

func (store *Store) MarkCheckout(ctx context.Context, sessionID string, status payments.CheckoutStatus, atUnixUTC int64) error {
	if _, err := store.db.Exec(ctx, sqlMarkCheckout, sessionID, status.String(), atUnixUTC); err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeMark, err)
	}
	return nil
}

func (store *Store) TouchCheckout(ctx context.Context, sessionID string, atUnixUTC int64) error {
	if _, err := store.db.Exec(ctx, sqlTouchCheckout, sessionID, atUnixUTC); err != nil {
		return ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeTouch, err)
	}
	return nil
}

func (store *Store) ListPendingCheckouts(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]payments.CheckoutRecord, error) {
	rows, err := store.db.Query(ctx, sqlListPendingCheckouts, createdBeforeUnixUTC, limit)
	if err != nil {
		return nil, ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]payments.CheckoutRecord, 0, limit)
	for rows.Next() {
		var (
			record      payments.CheckoutRecord
			userIDValue string
			statusValue string
		)
		if err := rows.Scan(
			&record.SessionID,
			&userIDValue,
			&record.PackageID,
			&record.Credits,
			&record.AmountMinor,
			&record.Currency,
			&statusValue,
			&record.CreatedUnixUTC,
			&record.UpdatedUnixUTC,
		); err != nil {
			return nil, ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeList, err)
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCheckout, errorCodeInvalid, err)
		}
		record.UserID = userID
		record.Status = payments.CheckoutStatus(statusValue)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.StorageError(errorOperationStore, errorSubjectCheckout, errorCodeList, err)
	}
	return records, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			userIDValue      string
			entryTypeValue   string
			amountValue      int64
			balanceValue     int64
			idempotencyValue string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userIDValue,
			&entryTypeValue,
			&amountValue,
			&balanceValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		entryType, err := ledger.ParseEntryType(entryTypeValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			EntryID:        entryIDValue,
			UserID:         userID,
			Type:           entryType,
			Amount:         ledger.Credits(amountValue),
			BalanceAfter:   ledger.Credits(balanceValue),
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: createdAtUnixUTC,
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isAccountConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountPrimary
	}
	return false
}
