// Package httpapi serves the checkout, generation and webhook endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/catalog"
	"github.com/MarkoPoloResearchLab/genesis/internal/generation"
	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	stripeSignatureHeader = "Stripe-Signature"

	messageInvalidPayload      = "expected JSON body"
	messageMissingFields       = "packageId and userId are required"
	messageMissingUserID       = "userId is required"
	messageInvalidPackage      = "invalid package"
	messageNotFulfillable      = "package is not available for one-time purchase"
	messageMissingBusinessType = "businessType is required"
	messageInsufficientCredits = "insufficient credits"
	messageRateLimited         = "too many requests"
	messagePaymentFailure      = "could not process payment"
	messageGenerationFailure   = "could not generate content"
	messageWebhookSignature    = "webhook signature verification failed"
	messageWebhookPayload      = "webhook payload is invalid"
	messageUserNotFound        = "user not found"
	messageLedgerFailure       = "ledger unavailable"
	messageUserMismatch        = "userId does not match the session"
)

// CheckoutCreator opens a processor checkout session.
type CheckoutCreator interface {
	CreateSession(ctx context.Context, packageID string, userID ledger.UserID, origin string) (payments.CheckoutSession, error)
}

// ContentGenerator produces paid content.
type ContentGenerator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Response, error)
}

// WebhookProcessor handles raw processor notifications.
type WebhookProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (payments.Ack, error)
}

// BalanceReader reads balances and history.
type BalanceReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
	ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// Dependencies are the collaborators behind the HTTP surface.
type Dependencies struct {
	Checkouts  CheckoutCreator
	Generator  ContentGenerator
	Webhooks   WebhookProcessor
	Balances   BalanceReader
	Metrics    *metrics.Recorder
	Validator  *sessionvalidator.Validator
	HealthPing func(ctx context.Context) error
}

// Server owns the gin router.
type Server struct {
	cfg          Config
	dependencies Dependencies
	logger       *zap.Logger
	router       *gin.Engine
}

// NewServer validates dependencies and builds the router.
func NewServer(cfg Config, dependencies Dependencies, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dependencies.Checkouts == nil || dependencies.Generator == nil || dependencies.Webhooks == nil || dependencies.Balances == nil {
		return nil, errors.New("httpapi: checkouts, generator, webhooks and balances are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg, dependencies: dependencies, logger: logger}
	server.router = server.setupRouter()
	return server, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", server.handleHealth)
	router.GET("/metrics", gin.WrapH(server.dependencies.Metrics.Handler()))
	router.POST("/webhook", server.handleWebhook)

	api := router.Group("/")
	if server.dependencies.Validator != nil {
		api.Use(server.dependencies.Validator.GinMiddleware(claimsContextKey))
	}
	api.POST("/checkout", server.handleCheckout)
	api.POST("/create-checkout", server.handleCreateCheckout)
	api.POST("/generate", server.handleGenerate)
	api.GET("/balance/:userId", server.handleBalance)

	return router
}

func (server *Server) handleHealth(ctx *gin.Context) {
	if server.dependencies.HealthPing != nil {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
		defer cancel()
		if err := server.dependencies.HealthPing(requestCtx); err != nil {
			server.logger.Warn("health check failed", zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type checkoutRequest struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

type createCheckoutRequest struct {
	PackageID string `json:"packageId"`
	UserID    string `json:"userId"`
}

func (server *Server) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidPayload))
		return
	}
	userID, ok := server.resolveUserID(ctx, request.UserID, false)
	if !ok {
		return
	}
	server.createCheckout(ctx, request.ProductID, userID)
}

func (server *Server) handleCreateCheckout(ctx *gin.Context) {
	var request createCheckoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidPayload))
		return
	}
	if strings.TrimSpace(request.PackageID) == "" || (strings.TrimSpace(request.UserID) == "" && getClaims(ctx) == nil) {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageMissingFields))
		return
	}
	userID, ok := server.resolveUserID(ctx, request.UserID, true)
	if !ok {
		return
	}
	server.createCheckout(ctx, request.PackageID, userID)
}

func (server *Server) createCheckout(ctx *gin.Context, packageID string, userID ledger.UserID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	session, err := server.dependencies.Checkouts.CreateSession(requestCtx, packageID, userID, server.resolveOrigin(ctx))
	if err != nil {
		server.respondCheckoutError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"url": session.URL, "sessionId": session.SessionID})
}

func (server *Server) respondCheckoutError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, catalog.ErrInvalidPackage):
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidPackage))
	case errors.Is(err, catalog.ErrPackageNotFulfillable):
		ctx.JSON(http.StatusBadRequest, errorResponse(messageNotFulfillable))
	case errors.Is(err, payments.ErrInvalidInput):
		ctx.JSON(http.StatusBadRequest, errorResponse(messageMissingUserID))
	default:
		server.logger.Error("checkout failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(messagePaymentFailure))
	}
}

type generateRequest struct {
	BusinessType string `json:"businessType"`
	CustomPrompt string `json:"customPrompt"`
	UserID       string `json:"userId"`
}

func (server *Server) handleGenerate(ctx *gin.Context) {
	var request generateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidPayload))
		return
	}
	if strings.TrimSpace(request.BusinessType) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageMissingBusinessType))
		return
	}
	userID, ok := server.resolveUserID(ctx, request.UserID, false)
	if !ok {
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.GenerationTimeout)
	defer cancel()
	response, err := server.dependencies.Generator.Generate(requestCtx, generation.Request{
		UserID:       userID,
		BusinessType: request.BusinessType,
		CustomPrompt: request.CustomPrompt,
	})
	if err != nil {
		server.respondGenerateError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"content":         response.Content,
		"creditsDeducted": response.CreditsDeducted,
	})
}

func (server *Server) respondGenerateError(ctx *gin.Context, err error) {
	var rateLimited generation.RateLimitedError
	switch {
	case errors.Is(err, generation.ErrInvalidBusinessType):
		ctx.JSON(http.StatusBadRequest, errorResponse(messageMissingBusinessType))
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse(messageInsufficientCredits))
	case errors.Is(err, ledger.ErrUserNotFound):
		ctx.JSON(http.StatusPaymentRequired, errorResponse(messageInsufficientCredits))
	case errors.As(err, &rateLimited):
		ctx.Header("Retry-After", fmt.Sprintf("%d", int64(rateLimited.RetryAfter.Round(time.Second)/time.Second)))
		ctx.JSON(http.StatusTooManyRequests, errorResponse(messageRateLimited))
	default:
		server.logger.Error("generation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(messageGenerationFailure))
	}
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, server.cfg.MaxWebhookBytes+1))
	if err != nil || int64(len(payload)) > server.cfg.MaxWebhookBytes {
		server.respondWebhook(ctx, http.StatusBadRequest, errorResponse(messageWebhookPayload))
		return
	}

	ack, err := server.dependencies.Webhooks.HandleEvent(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHeader))
	switch {
	case err == nil:
		server.logger.Info("webhook acknowledged",
			zap.String("event_id", ack.EventID),
			zap.String("event_type", ack.EventType),
			zap.String("status", string(ack.Status)),
		)
		server.respondWebhook(ctx, http.StatusOK, gin.H{"received": true})
	case errors.Is(err, payments.ErrInvalidSignature):
		server.respondWebhook(ctx, http.StatusBadRequest, errorResponse(messageWebhookSignature))
	case errors.Is(err, payments.ErrInvalidPayload):
		server.respondWebhook(ctx, http.StatusBadRequest, errorResponse(messageWebhookPayload))
	default:
		server.logger.Error("webhook processing failed", zap.Error(err))
		server.respondWebhook(ctx, http.StatusInternalServerError, errorResponse(messagePaymentFailure))
	}
}

func (server *Server) respondWebhook(ctx *gin.Context, code int, body gin.H) {
	server.dependencies.Metrics.WebhookResponse(code)
	ctx.JSON(code, body)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.resolveUserID(ctx, ctx.Param("userId"), true)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	account, err := server.dependencies.Balances.Balance(requestCtx, userID)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	entries, err := server.dependencies.Balances.ListEntries(requestCtx, userID, 0, server.cfg.HistoryLimit)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:        entry.EntryID,
			Type:           entry.Type.String(),
			Amount:         entry.Amount.Int64(),
			BalanceAfter:   entry.BalanceAfter.Int64(),
			IdempotencyKey: entry.IdempotencyKey.String(),
			Metadata:       json.RawMessage(entry.Metadata.String()),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"userId":  userID.String(),
		"credits": account.Credits.Int64(),
		"entries": payload,
	})
}

func (server *Server) respondLedgerError(ctx *gin.Context, err error) {
	if errors.Is(err, ledger.ErrUserNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse(messageUserNotFound))
		return
	}
	server.logger.Error("ledger read failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse(messageLedgerFailure))
}

// resolveUserID prefers the session subject when session auth is enabled.
// A body userId that disagrees with the session is rejected.
func (server *Server) resolveUserID(ctx *gin.Context, raw string, required bool) (ledger.UserID, bool) {
	trimmed := strings.TrimSpace(raw)
	if claims := getClaims(ctx); claims != nil {
		if trimmed != "" && trimmed != claims.GetUserID() {
			ctx.JSON(http.StatusForbidden, errorResponse(messageUserMismatch))
			return ledger.UserID{}, false
		}
		trimmed = claims.GetUserID()
	}
	if trimmed == "" {
		if required {
			ctx.JSON(http.StatusBadRequest, errorResponse(messageMissingUserID))
			return ledger.UserID{}, false
		}
		return ledger.UserID{}, true
	}
	userID, err := ledger.NewUserID(trimmed)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageMissingUserID))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (server *Server) resolveOrigin(ctx *gin.Context) string {
	if server.cfg.PublicOrigin != "" {
		return server.cfg.PublicOrigin
	}
	if origin := strings.TrimSpace(ctx.GetHeader("Origin")); origin != "" {
		return origin
	}
	scheme := "http"
	if ctx.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + ctx.Request.Host
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}

type entryPayload struct {
	EntryID        string          `json:"entryId"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balanceAfter"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"createdUnixUtc"`
}
