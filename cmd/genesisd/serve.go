package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/genesis/internal/catalog"
	"github.com/MarkoPoloResearchLab/genesis/internal/config"
	"github.com/MarkoPoloResearchLab/genesis/internal/events"
	"github.com/MarkoPoloResearchLab/genesis/internal/generation"
	"github.com/MarkoPoloResearchLab/genesis/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/genesis/internal/httpapi"
	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/internal/oplog"
	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/MarkoPoloResearchLab/genesis/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/genesis/internal/reconcile"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	metricsNamespace = "genesis"
	rateLimitPrefix  = "genesis:ratelimit"
	rateLimitWindow  = time.Minute
)

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	recorder, err := metrics.NewRecorder(metricsNamespace, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(backend.store, clock, ledger.WithOperationLogger(oplog.New(logger, recorder)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	publisher, closePublisher := openPublisher(cfg, logger)
	defer closePublisher()

	gateway := payments.NewStripeGateway(cfg.StripeSecretKey, nil)
	initiator, err := payments.NewInitiator(catalog.Default(), gateway, logger, clock,
		payments.WithCheckoutRepository(backend.store),
		payments.WithInitiatorMetrics(recorder),
	)
	if err != nil {
		return err
	}
	fulfiller, err := payments.NewFulfiller(ledgerService, backend.store, publisher, logger, clock)
	if err != nil {
		return err
	}
	webhookHandler, err := payments.NewWebhookHandler(payments.NewStripeVerifier(cfg.StripeWebhookSecret), fulfiller, logger)
	if err != nil {
		return err
	}

	generator, err := generation.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return fmt.Errorf("generator init: %w", err)
	}
	defer func() { _ = generator.Close() }()
	orchestratorOptions := []generation.Option{generation.WithPublisher(publisher), generation.WithMetrics(recorder)}
	limiter, closeLimiter, err := openLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()
	if limiter != nil {
		orchestratorOptions = append(orchestratorOptions, generation.WithLimiter(limiter))
	}
	orchestrator, err := generation.NewOrchestrator(ledgerService, generator, logger, clock, orchestratorOptions...)
	if err != nil {
		return err
	}

	var validator *sessionvalidator.Validator
	if cfg.SessionAuthEnabled() {
		validator, err = sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator: %w", err)
		}
	}
	httpServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.HTTPListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		PublicOrigin:   cfg.PublicOrigin,
	}, httpapi.Dependencies{
		Checkouts:  initiator,
		Generator:  orchestrator,
		Webhooks:   webhookHandler,
		Balances:   ledgerService,
		Metrics:    recorder,
		Validator:  validator,
		HealthPing: backend.ping,
	}, logger)
	if err != nil {
		return err
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Schedule:    cfg.ReconcileSchedule,
		GracePeriod: cfg.ReconcileGracePeriod,
	}, backend.store, gateway, fulfiller, recorder, logger, clock)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return httpServer.Run(groupCtx) })
	group.Go(func() error { return runGRPC(groupCtx, cfg, ledgerService, logger) })
	group.Go(func() error { return reconciler.Run(groupCtx) })
	return group.Wait()
}

func runGRPC(ctx context.Context, cfg config.Config, ledgerService *ledger.Service, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if cfg.AdminToken == "" {
		logger.Warn("admin gRPC listener has no token; accepting loopback clients only", zap.String("listen_addr", cfg.GRPCListenAddr))
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.TokenInterceptor(cfg.AdminToken)))
	grpcserver.Register(grpcServer, grpcserver.NewAdminServer(ledgerService, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// openPublisher falls back to a no-op publisher when RabbitMQ is absent or unreachable.
func openPublisher(cfg config.Config, logger *zap.Logger) (events.Publisher, func()) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, func() {}
	}
	publisher, err := events.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		logger.Warn("credit events disabled", zap.Error(err))
		return events.NopPublisher{}, func() {}
	}
	return publisher, func() { _ = publisher.Close() }
}

func openLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (generation.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		return nil, func() {}, nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup; rate limiter fails open until it recovers", zap.Error(err))
	}
	limiter := ratelimit.New(client, rateLimitPrefix, cfg.GenerationRateLimit, rateLimitWindow)
	return limiter, func() { _ = client.Close() }, nil
}
