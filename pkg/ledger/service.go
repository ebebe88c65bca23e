package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenAccount creates the balance record of a user with an opening entry.
func (service *Service) OpenAccount(ctx context.Context, userID UserID, openingCredits Credits, metadata MetadataJSON) error {
	if openingCredits < 0 {
		return fmt.Errorf("%w: opening balance must not be negative", ErrInvalidCredits)
	}
	openingKey, err := NewIdempotencyKey(operationOpen + idempotencyKeyDelimiter + userID.String())
	if err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if err := transactionStore.CreateAccount(ctx, userID, openingCredits, nowUnixUTC); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			UserID:         userID,
			Type:           EntryOpening,
			Amount:         openingCredits,
			BalanceAfter:   openingCredits,
			IdempotencyKey: openingKey,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationOpen,
		UserID:         userID,
		Amount:         openingCredits,
		Balance:        openingCredits,
		IdempotencyKey: openingKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Balance returns the current balance record.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID)
}

// Adjust applies a signed delta atomically. It does not enforce a floor; use Debit for spending.
func (service *Service) Adjust(ctx context.Context, userID UserID, delta Credits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Credits, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: delta must not be zero", ErrInvalidCredits)
	}
	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		adjusted, err := transactionStore.AdjustBalance(ctx, userID, delta, nowUnixUTC)
		if err != nil {
			return err
		}
		balance = adjusted
		return transactionStore.InsertEntry(ctx, Entry{
			UserID:         userID,
			Type:           EntryAdjustment,
			Amount:         delta,
			BalanceAfter:   adjusted,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		UserID:         userID,
		Amount:         delta,
		Balance:        balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// Debit spends credits only if the balance covers the amount; the check and the
// decrement are one storage statement.
func (service *Service) Debit(ctx context.Context, userID UserID, amount PositiveCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Credits, error) {
	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		debited, err := transactionStore.DebitBalance(ctx, userID, amount, nowUnixUTC)
		if err != nil {
			return err
		}
		balance = debited
		return transactionStore.InsertEntry(ctx, Entry{
			UserID:         userID,
			Type:           EntryDebit,
			Amount:         amount.Negated(),
			BalanceAfter:   debited,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		UserID:         userID,
		Amount:         amount.Negated(),
		Balance:        balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// Grant credits a purchase exactly once per idempotency key. A repeated key is
// reported as CreditResult{Applied: false} with a nil error.
func (service *Service) Grant(ctx context.Context, userID UserID, amount PositiveCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CreditResult, error) {
	return service.credit(ctx, operationGrant, EntryPurchase, userID, amount, idempotencyKey, metadata)
}

// Refund returns previously debited credits exactly once per idempotency key.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CreditResult, error) {
	return service.credit(ctx, operationRefund, EntryRefund, userID, amount, idempotencyKey, metadata)
}

// ListEntries lists ledger entries for a user before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit == 0 {
		limit = defaultListEntriesLimit
	}
	if limit < 0 || limit > maxListEntriesLimit {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidListLimit, maxListEntriesLimit)
	}
	if _, err := service.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

func (service *Service) credit(ctx context.Context, operation string, entryType EntryType, userID UserID, amount PositiveCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (CreditResult, error) {
	var balance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		credited, err := transactionStore.AdjustBalance(ctx, userID, amount.ToCredits(), nowUnixUTC)
		if err != nil {
			return err
		}
		balance = credited
		return transactionStore.InsertEntry(ctx, Entry{
			UserID:         userID,
			Type:           entryType,
			Amount:         amount.ToCredits(),
			BalanceAfter:   credited,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		account, err := service.store.GetAccount(ctx, userID)
		service.logOperation(ctx, OperationLog{
			Operation:      operation,
			UserID:         userID,
			Amount:         amount.ToCredits(),
			Balance:        account.Credits,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			Status:         operationStatusDuplicate,
			Error:          err,
		})
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{Applied: false, Balance: account.Credits}, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operation,
		UserID:         userID,
		Amount:         amount.ToCredits(),
		Balance:        balance,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return CreditResult{}, operationError
	}
	return CreditResult{Applied: true, Balance: balance}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
