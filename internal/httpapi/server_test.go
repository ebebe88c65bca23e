package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/catalog"
	"github.com/MarkoPoloResearchLab/genesis/internal/generation"
	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/MarkoPoloResearchLab/genesis/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testUserID         = "user-e2e"
	testWebhookSecret  = "whsec_e2e_secret"
	testOrigin         = "https://genesis.example"
	testSigningKey     = "session-signing-key"
	testSessionIssuer  = "tauth"
	testSessionCookie  = "app_session"
	fixedClockUnixUTC  = 1700000000
	errorMismatchLabel = "expected %v, got %v"
)

type harness struct {
	router    http.Handler
	service   *ledger.Service
	gateway   *fakeGateway
	generator *fakeGenerator
}

type fakeGateway struct {
	mutex    sync.Mutex
	requests []payments.SessionRequest
	err      error
}

func (gateway *fakeGateway) CreateSession(_ context.Context, request payments.SessionRequest) (payments.Session, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if gateway.err != nil {
		return payments.Session{}, gateway.err
	}
	gateway.requests = append(gateway.requests, request)
	return payments.Session{ID: "cs_test_e2e", URL: "https://checkout.stripe.test/c/cs_test_e2e", Metadata: request.Metadata}, nil
}

func (gateway *fakeGateway) FetchSession(context.Context, string) (payments.Session, error) {
	return payments.Session{}, errors.New("not used")
}

func (gateway *fakeGateway) calls() int {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	return len(gateway.requests)
}

type fakeGenerator struct {
	mutex sync.Mutex
	text  string
	err   error
	calls int
}

func (generator *fakeGenerator) Generate(context.Context, string) (generation.Result, error) {
	generator.mutex.Lock()
	defer generator.mutex.Unlock()
	generator.calls++
	if generator.err != nil {
		return nil, generator.err
	}
	return generation.RawText{Text: generator.text}, nil
}

func newHarness(test *testing.T, validator *sessionvalidator.Validator) *harness {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/httpapi.db?_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		test.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(database)
	if err := store.AutoMigrate(context.Background()); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}

	clock := func() int64 { return fixedClockUnixUTC }
	service, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	recorder, err := metrics.NewRecorder("", prometheus.NewRegistry())
	if err != nil {
		test.Fatalf("metrics: %v", err)
	}
	gateway := &fakeGateway{}
	initiator, err := payments.NewInitiator(catalog.Default(), gateway, zap.NewNop(), clock, payments.WithCheckoutRepository(store))
	if err != nil {
		test.Fatalf("initiator: %v", err)
	}
	fulfiller, err := payments.NewFulfiller(service, store, nil, zap.NewNop(), clock)
	if err != nil {
		test.Fatalf("fulfiller: %v", err)
	}
	webhookHandler, err := payments.NewWebhookHandler(payments.NewStripeVerifier(testWebhookSecret), fulfiller, zap.NewNop())
	if err != nil {
		test.Fatalf("webhook handler: %v", err)
	}
	generator := &fakeGenerator{text: `{"headline":"Genesis"}`}
	orchestrator, err := generation.NewOrchestrator(service, generator, zap.NewNop(), clock)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}

	server, err := NewServer(Config{PublicOrigin: testOrigin}, Dependencies{
		Checkouts: initiator,
		Generator: orchestrator,
		Webhooks:  webhookHandler,
		Balances:  service,
		Metrics:   recorder,
		Validator: validator,
	}, zap.NewNop())
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	return &harness{router: server.Handler(), service: service, gateway: gateway, generator: generator}
}

func (h *harness) openAccount(test *testing.T, credits ledger.Credits) {
	test.Helper()
	metadata, err := ledger.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if err := h.service.OpenAccount(context.Background(), mustUserID(test, testUserID), credits, metadata); err != nil {
		test.Fatalf("open account: %v", err)
	}
}

func (h *harness) balance(test *testing.T) int64 {
	test.Helper()
	account, err := h.service.Balance(context.Background(), mustUserID(test, testUserID))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return account.Credits.Int64()
}

func TestGenerateWithInsufficientCreditsReturns402(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.openAccount(test, 3)

	recorder := h.postJSON(test, "/generate", map[string]any{"businessType": "ebook", "userId": testUserID})
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf(errorMismatchLabel, http.StatusPaymentRequired, recorder.Code)
	}
	if h.balance(test) != 3 {
		test.Fatalf("expected balance 3, got %d", h.balance(test))
	}
	if h.generator.calls != 0 {
		test.Fatalf("expected generator untouched, got %d calls", h.generator.calls)
	}
}

func TestGenerateDeductsCredits(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.openAccount(test, 10)

	recorder := h.postJSON(test, "/generate", map[string]any{"businessType": "affiliate", "userId": testUserID})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Success         bool           `json:"success"`
		Content         map[string]any `json:"content"`
		CreditsDeducted int64          `json:"creditsDeducted"`
	}
	decodeBody(test, recorder, &body)
	if !body.Success || body.CreditsDeducted != 5 || body.Content["headline"] != "Genesis" {
		test.Fatalf("unexpected body %+v", body)
	}
	if h.balance(test) != 5 {
		test.Fatalf("expected balance 5, got %d", h.balance(test))
	}
}

func TestGenerateFailureRefundsAndHidesDetails(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.openAccount(test, 10)
	h.generator.err = errors.New("quota exceeded for project 1234")

	recorder := h.postJSON(test, "/generate", map[string]any{"businessType": "ebook", "userId": testUserID})
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf(errorMismatchLabel, http.StatusInternalServerError, recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "quota") || !strings.Contains(recorder.Body.String(), messageGenerationFailure) {
		test.Fatalf("expected generic error message, got %s", recorder.Body.String())
	}
	if h.balance(test) != 10 {
		test.Fatalf("expected refunded balance 10, got %d", h.balance(test))
	}
}

func TestGenerateRequiresBusinessType(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	recorder := h.postJSON(test, "/generate", map[string]any{"userId": testUserID})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf(errorMismatchLabel, http.StatusBadRequest, recorder.Code)
	}
}

func TestCheckoutThenWebhookGrantsOnce(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.openAccount(test, 0)

	recorder := h.postJSON(test, "/create-checkout", map[string]any{"packageId": "pro", "userId": testUserID})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var checkout struct {
		URL string `json:"url"`
	}
	decodeBody(test, recorder, &checkout)
	if checkout.URL == "" || h.gateway.calls() != 1 {
		test.Fatalf("expected checkout url and one processor call, got %q and %d", checkout.URL, h.gateway.calls())
	}
	request := h.gateway.requests[0]
	if request.SuccessURL != testOrigin+"?success=true&session_id={CHECKOUT_SESSION_ID}" || request.Metadata[payments.MetadataCredits] != "50" {
		test.Fatalf("unexpected session request %+v", request)
	}

	payload := completedEventPayload(test, "cs_test_e2e", request.Metadata)
	for delivery := 0; delivery < 2; delivery++ {
		webhookRecorder := h.postWebhook(test, payload, signPayload(payload, testWebhookSecret))
		if webhookRecorder.Code != http.StatusOK || !strings.Contains(webhookRecorder.Body.String(), `"received":true`) {
			test.Fatalf("delivery %d: unexpected response %d %s", delivery, webhookRecorder.Code, webhookRecorder.Body.String())
		}
	}
	if h.balance(test) != 50 {
		test.Fatalf("expected balance 50 after two deliveries, got %d", h.balance(test))
	}
}

func TestWebhookTamperedSignatureReturns400(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.openAccount(test, 7)

	payload := completedEventPayload(test, "cs_test_tampered", map[string]string{
		payments.MetadataUserID: testUserID, payments.MetadataPackageID: "pro", payments.MetadataCredits: "50",
	})
	signature := signPayload(payload, testWebhookSecret)
	tampered := bytes.Replace(payload, []byte(`"50"`), []byte(`"500"`), 1)

	recorder := h.postWebhook(test, tampered, signature)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf(errorMismatchLabel, http.StatusBadRequest, recorder.Code)
	}
	if h.balance(test) != 7 {
		test.Fatalf("expected unchanged balance 7, got %d", h.balance(test))
	}
}

func TestWebhookUnknownUserIsRetryable(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	payload := completedEventPayload(test, "cs_test_ghost", map[string]string{
		payments.MetadataUserID: "ghost", payments.MetadataCredits: "25",
	})
	recorder := h.postWebhook(test, payload, signPayload(payload, testWebhookSecret))
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf(errorMismatchLabel, http.StatusInternalServerError, recorder.Code)
	}
}

func TestCheckoutRejectsPackages(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		path string
		body map[string]any
		code int
	}{
		{name: "unknown product", path: "/checkout", body: map[string]any{"productId": "gold", "userId": testUserID}, code: http.StatusBadRequest},
		{name: "subscription tier", path: "/checkout", body: map[string]any{"productId": "tycoon", "userId": testUserID}, code: http.StatusBadRequest},
		{name: "missing user on checkout", path: "/checkout", body: map[string]any{"productId": "starter"}, code: http.StatusBadRequest},
		{name: "missing package", path: "/create-checkout", body: map[string]any{"userId": testUserID}, code: http.StatusBadRequest},
		{name: "missing user", path: "/create-checkout", body: map[string]any{"packageId": "pro"}, code: http.StatusBadRequest},
		{name: "tycoon on create-checkout", path: "/create-checkout", body: map[string]any{"packageId": "tycoon", "userId": testUserID}, code: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			h := newHarness(test, nil)
			recorder := h.postJSON(test, testCase.path, testCase.body)
			if recorder.Code != testCase.code {
				test.Fatalf(errorMismatchLabel, testCase.code, recorder.Code)
			}
			if h.gateway.calls() != 0 {
				test.Fatalf("expected no processor call, got %d", h.gateway.calls())
			}
		})
	}
}

func TestCheckoutProcessorFailureIsGeneric(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.gateway.err = errors.New("stripe: api key sk_live_abc is invalid")
	recorder := h.postJSON(test, "/checkout", map[string]any{"productId": "starter", "userId": testUserID})
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf(errorMismatchLabel, http.StatusInternalServerError, recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "sk_live") {
		test.Fatalf("expected processor detail hidden, got %s", recorder.Body.String())
	}
}

func TestBalanceEndpoint(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	h.openAccount(test, 12)

	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/balance/"+testUserID, nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body struct {
		Credits int64          `json:"credits"`
		Entries []entryPayload `json:"entries"`
	}
	decodeBody(test, recorder, &body)
	if body.Credits != 12 || len(body.Entries) != 1 || body.Entries[0].Type != ledger.EntryOpening.String() {
		test.Fatalf("unexpected balance body %+v", body)
	}

	missing := httptest.NewRecorder()
	h.router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/balance/ghost", nil))
	if missing.Code != http.StatusNotFound {
		test.Fatalf(errorMismatchLabel, http.StatusNotFound, missing.Code)
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"ok"`) {
		test.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestSessionAuthUsesSessionSubject(test *testing.T) {
	test.Parallel()
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testSessionIssuer,
		CookieName: testSessionCookie,
	})
	if err != nil {
		test.Fatalf("session validator: %v", err)
	}
	h := newHarness(test, validator)
	h.openAccount(test, 10)

	anonymous := h.postJSON(test, "/generate", map[string]any{"businessType": "ebook"})
	if anonymous.Code == http.StatusOK || h.generator.calls != 0 {
		test.Fatalf("expected request without a session to be rejected, got %d", anonymous.Code)
	}

	cookie := buildSessionCookie(test)
	recorder := h.postJSONWithCookie(test, "/generate", map[string]any{"businessType": "ebook"}, cookie)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if h.balance(test) != 5 {
		test.Fatalf("expected session user charged, got balance %d", h.balance(test))
	}

	mismatch := h.postJSONWithCookie(test, "/generate", map[string]any{"businessType": "ebook", "userId": "someone-else"}, cookie)
	if mismatch.Code != http.StatusForbidden {
		test.Fatalf(errorMismatchLabel, http.StatusForbidden, mismatch.Code)
	}
}

func (h *harness) postJSON(test *testing.T, path string, body map[string]any) *httptest.ResponseRecorder {
	test.Helper()
	return h.postJSONWithCookie(test, path, body, nil)
}

func (h *harness) postJSONWithCookie(test *testing.T, path string, body map[string]any, cookie *http.Cookie) *httptest.ResponseRecorder {
	test.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		test.Fatalf("marshal failed: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, request)
	return recorder
}

func (h *harness) postWebhook(test *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	test.Helper()
	request := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	request.Header.Set(stripeSignatureHeader, signature)
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, request)
	return recorder
}

func completedEventPayload(test *testing.T, sessionID string, metadata map[string]string) []byte {
	test.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + sessionID,
		"object":      "event",
		"type":        payments.EventCheckoutCompleted,
		"api_version": "2024-12-18.acacia",
		"created":     fixedClockUnixUTC,
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"object":         "checkout.session",
				"payment_status": "paid",
				"status":         "complete",
				"metadata":       metadata,
			},
		},
	})
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func signPayload(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func buildSessionCookie(test *testing.T) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          testUserID,
		UserEmail:       "buyer@example.com",
		UserDisplayName: "Buyer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testSessionCookie, Value: signed}
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder, target any) {
	test.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
