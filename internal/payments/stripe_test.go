package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarkoPoloResearchLab/genesis/internal/catalog"
	"github.com/stripe/stripe-go/v82"
)

const testStripeKey = "sk_test_genesis"

func TestStripeGatewayCreateSessionForm(test *testing.T) {
	test.Parallel()
	var form map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/v1/checkout/sessions" {
			http.Error(writer, "unexpected route", http.StatusNotFound)
			return
		}
		if err := request.ParseForm(); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		form = make(map[string]string, len(request.PostForm))
		for key := range request.PostForm {
			form[key] = request.PostForm.Get(key)
		}
		writeJSON(test, writer, map[string]any{
			"id":       testSessionID,
			"object":   "checkout.session",
			"url":      "https://checkout.stripe.com/c/pay/" + testSessionID,
			"metadata": map[string]string{MetadataUserID: testUserID},
		})
	}))
	defer server.Close()

	creditPackage, err := catalog.Default().Lookup(catalog.PackageStarter)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	gateway := NewStripeGateway(testStripeKey, newTestBackend(server))
	session, err := gateway.CreateSession(context.Background(), SessionRequest{
		Package:    creditPackage,
		Currency:   catalog.Currency,
		SuccessURL: testOrigin + successQuery,
		CancelURL:  testOrigin + cancelQuery,
		Metadata:   map[string]string{MetadataUserID: testUserID, MetadataPackageID: "starter", MetadataCredits: "25"},
	})
	if err != nil {
		test.Fatalf("create session: %v", err)
	}
	if session.ID != testSessionID || session.URL == "" {
		test.Fatalf("unexpected session %+v", session)
	}

	wantForm := map[string]string{
		"mode":                                                 "payment",
		"payment_method_types[0]":                              "card",
		"line_items[0][quantity]":                              "1",
		"line_items[0][price_data][currency]":                  "brl",
		"line_items[0][price_data][unit_amount]":               "1990",
		"line_items[0][price_data][product_data][name]":        "Pack Starter",
		"line_items[0][price_data][product_data][description]": "25 créditos para Genesis Automator",
		"metadata[userId]":                                     testUserID,
		"metadata[packageId]":                                  "starter",
		"metadata[credits]":                                    "25",
		"success_url":                                          testOrigin + successQuery,
		"cancel_url":                                           testOrigin + cancelQuery,
	}
	for key, want := range wantForm {
		if form[key] != want {
			test.Fatalf("form %s: expected %q, got %q", key, want, form[key])
		}
	}
}

func TestStripeGatewayFetchSession(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/checkout/sessions/"+testSessionID {
			writer.WriteHeader(http.StatusNotFound)
			writeJSON(test, writer, map[string]any{"error": map[string]any{"type": "invalid_request_error", "message": "No such checkout.session"}})
			return
		}
		writeJSON(test, writer, map[string]any{
			"id":             testSessionID,
			"object":         "checkout.session",
			"payment_status": "paid",
			"status":         "complete",
			"metadata":       map[string]string{MetadataUserID: testUserID, MetadataCredits: "25"},
		})
	}))
	defer server.Close()

	gateway := NewStripeGateway(testStripeKey, newTestBackend(server))
	session, err := gateway.FetchSession(context.Background(), testSessionID)
	if err != nil {
		test.Fatalf("fetch session: %v", err)
	}
	if !session.Paid || session.Expired || session.Metadata[MetadataCredits] != "25" {
		test.Fatalf("unexpected session %+v", session)
	}

	if _, err := gateway.FetchSession(context.Background(), "cs_missing"); !errors.Is(err, ErrUpstreamFailure) {
		test.Fatalf(errorMismatchLabel, ErrUpstreamFailure, err)
	}
}

func TestStripeVerifierDecodesCheckoutSession(test *testing.T) {
	test.Parallel()
	payload := checkoutEventPayload(test, "evt_decode", EventCheckoutExpired, map[string]string{MetadataUserID: testUserID})
	event, err := NewStripeVerifier(testWebhookSecret).Verify(payload, signPayload(test, payload, testWebhookSecret))
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if event.ID != "evt_decode" || event.Type != EventCheckoutExpired || !event.HasSession || event.Session.ID != testSessionID {
		test.Fatalf("unexpected event %+v", event)
	}
	if _, err := NewStripeVerifier("").Verify(payload, signPayload(test, payload, testWebhookSecret)); !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected missing secret to fail verification, got %v", err)
	}
}

func newTestBackend(server *httptest.Server) stripe.Backend {
	return stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		HTTPClient:        server.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
}

func writeJSON(test *testing.T, writer http.ResponseWriter, body any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		test.Errorf("encode response: %v", err)
	}
}
