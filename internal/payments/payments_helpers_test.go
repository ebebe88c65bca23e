package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/genesis/internal/events"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
)

const (
	testUserID         = "user-42"
	testSessionID      = "cs_test_a1b2c3"
	testWebhookSecret  = "whsec_test_secret"
	testOrigin         = "https://genesis.example.com"
	fixedClockUnixUTC  = 1700000000
	errorMismatchLabel = "expected %v, got %v"
)

var errGatewayDown = errors.New("gateway down")

type fakeGateway struct {
	mutex     sync.Mutex
	requests  []SessionRequest
	fetched   []string
	createErr error
	sessions  map[string]Session
}

func (gateway *fakeGateway) CreateSession(_ context.Context, request SessionRequest) (Session, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.requests = append(gateway.requests, request)
	if gateway.createErr != nil {
		return Session{}, gateway.createErr
	}
	return Session{ID: testSessionID, URL: "https://checkout.example.com/" + testSessionID, Metadata: request.Metadata}, nil
}

func (gateway *fakeGateway) FetchSession(_ context.Context, sessionID string) (Session, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.fetched = append(gateway.fetched, sessionID)
	session, ok := gateway.sessions[sessionID]
	if !ok {
		return Session{}, errGatewayDown
	}
	return session, nil
}

func (gateway *fakeGateway) requestCount() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return len(gateway.requests)
}

type fakeCheckoutRepository struct {
	mutex     sync.Mutex
	records   map[string]CheckoutRecord
	recordErr error
}

func newFakeCheckoutRepository() *fakeCheckoutRepository {
	return &fakeCheckoutRepository{records: make(map[string]CheckoutRecord)}
}

func (repository *fakeCheckoutRepository) RecordCheckout(_ context.Context, record CheckoutRecord) error {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	if repository.recordErr != nil {
		return repository.recordErr
	}
	if _, exists := repository.records[record.SessionID]; !exists {
		repository.records[record.SessionID] = record
	}
	return nil
}

func (repository *fakeCheckoutRepository) MarkCheckout(_ context.Context, sessionID string, status CheckoutStatus, atUnixUTC int64) error {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	record, ok := repository.records[sessionID]
	if !ok || record.Status != CheckoutPending {
		return nil
	}
	record.Status = status
	record.UpdatedUnixUTC = atUnixUTC
	repository.records[sessionID] = record
	return nil
}

func (repository *fakeCheckoutRepository) TouchCheckout(_ context.Context, sessionID string, atUnixUTC int64) error {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	record, ok := repository.records[sessionID]
	if !ok || record.Status != CheckoutPending {
		return nil
	}
	record.UpdatedUnixUTC = atUnixUTC
	repository.records[sessionID] = record
	return nil
}

func (repository *fakeCheckoutRepository) ListPendingCheckouts(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]CheckoutRecord, error) {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	var pending []CheckoutRecord
	for _, record := range repository.records {
		if record.Status == CheckoutPending && record.CreatedUnixUTC < createdBeforeUnixUTC && len(pending) < limit {
			pending = append(pending, record)
		}
	}
	return pending, nil
}

func (repository *fakeCheckoutRepository) status(sessionID string) CheckoutStatus {
	repository.mutex.Lock()
	defer repository.mutex.Unlock()
	return repository.records[sessionID].Status
}

// fakeCrediter mimics the ledger: one application per idempotency key.
type fakeCrediter struct {
	mutex    sync.Mutex
	balances map[string]ledger.Credits
	applied  map[string]struct{}
	grantErr error
	calls    int
}

func newFakeCrediter(balances map[string]ledger.Credits) *fakeCrediter {
	return &fakeCrediter{balances: balances, applied: make(map[string]struct{})}
}

func (crediter *fakeCrediter) Grant(_ context.Context, userID ledger.UserID, amount ledger.PositiveCredits, idempotencyKey ledger.IdempotencyKey, _ ledger.MetadataJSON) (ledger.CreditResult, error) {
	crediter.mutex.Lock()
	defer crediter.mutex.Unlock()
	crediter.calls++
	if crediter.grantErr != nil {
		return ledger.CreditResult{}, crediter.grantErr
	}
	balance, ok := crediter.balances[userID.String()]
	if !ok {
		return ledger.CreditResult{}, ledger.ErrUserNotFound
	}
	if _, seen := crediter.applied[idempotencyKey.String()]; seen {
		return ledger.CreditResult{Applied: false, Balance: balance}, nil
	}
	crediter.applied[idempotencyKey.String()] = struct{}{}
	balance += amount.ToCredits()
	crediter.balances[userID.String()] = balance
	return ledger.CreditResult{Applied: true, Balance: balance}, nil
}

func (crediter *fakeCrediter) balance(userID string) ledger.Credits {
	crediter.mutex.Lock()
	defer crediter.mutex.Unlock()
	return crediter.balances[userID]
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []events.CreditEvent
	err    error
}

func (publisher *recordingPublisher) Publish(_ context.Context, event events.CreditEvent) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, event)
	return publisher.err
}

func fixedClock() int64 { return fixedClockUnixUTC }

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
