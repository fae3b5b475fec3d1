package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/admission"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/bot"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/gateway/yookassa"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/imageapi"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/telegram"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/users"
)

const (
	shutdownTimeout          = 10 * time.Second
	logFlushTimeout          = 2 * time.Second
	reservationSweepInterval = time.Minute
	defaultReservationMaxAge = 30 * time.Minute
	transientSubdir          = "tmp"
)

// settlementNotifier forwards webhook and reconcile settlements to the chat
// once the bot exists; the payment service is built first.
type settlementNotifier struct {
	bot *bot.Bot
}

func (n *settlementNotifier) PaymentSettled(ctx context.Context, record payments.Record) {
	if n.bot != nil {
		n.bot.PaymentSettled(ctx, record)
	}
}

func runBot(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	processLogger, err := logging.NewLogger(logging.Options{
		Level:     appConfig.LogLevel,
		SentryDSN: appConfig.SentryDSN,
		Tags:      map[string]string{"service": "pixelmage-bot"},
	})
	if err != nil {
		return err
	}
	defer processLogger.Close(logFlushTimeout)
	logger := processLogger.Logger

	cacheDB, err := database.OpenCacheStore(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseCacheDSN}, logger)
	if err != nil {
		return err
	}
	defer database.Close(cacheDB) //nolint:errcheck
	paymentsDB, err := database.OpenPaymentsStore(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabasePaymentsDSN}, appConfig.PaymentsCurrency, logger)
	if err != nil {
		return err
	}
	defer database.Close(paymentsDB) //nolint:errcheck

	recorder := metrics.NewRecorder()

	fileStore, err := artifacts.NewFileStore(artifacts.FileStoreConfig{
		DurableDir:   appConfig.ArtifactsDir,
		TransientDir: filepath.Join(appConfig.ArtifactsDir, transientSubdir),
	})
	if err != nil {
		return err
	}
	cache, err := artifacts.NewCache(artifacts.CacheConfig{Database: cacheDB, Files: fileStore, Logger: logger})
	if err != nil {
		return err
	}
	usage, err := artifacts.NewUsage(artifacts.UsageConfig{Database: cacheDB, Logger: logger})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: cacheDB})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: paymentsDB, Logger: logger})
	if err != nil {
		return err
	}

	var gateway payments.Gateway
	if !appConfig.PaymentsTestMode() {
		client, err := yookassa.NewClient(yookassa.Config{
			BaseURL:   appConfig.PaymentsAPIURL,
			ShopID:    appConfig.PaymentsShopID,
			SecretKey: appConfig.PaymentsSecretKey,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		gateway = payments.NewYooKassaGateway(client)
	} else {
		logger.Warn("payment gateway credentials missing, running payments in test mode")
	}
	notifier := &settlementNotifier{}
	paymentService, err := payments.NewService(payments.ServiceConfig{
		Database:   paymentsDB,
		Ledger:     ledgerService,
		Gateway:    gateway,
		Currency:   appConfig.PaymentsCurrency,
		ReturnURL:  appConfig.PaymentsReturnURL,
		IDProvider: payments.NewUUIDProvider(),
		Logger:     logger,
		Observer:   recorder,
		Notifier:   notifier,
	})
	if err != nil {
		return err
	}

	imageClient, err := imageapi.NewClient(imageapi.Config{
		BaseURL: appConfig.ImageAPIBaseURL,
		APIKey:  appConfig.ImageAPIKey,
		Model:   appConfig.ImageAPIModel,
		Size:    appConfig.ImageAPISize,
		Timeout: appConfig.ImageAPITimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	queue := admission.NewQueue(appConfig.QueueCapacity, recorder)
	orchestrator, err := generation.NewService(generation.ServiceConfig{
		Ledger:          ledgerService,
		Cache:           cache,
		Files:           fileStore,
		Usage:           usage,
		Admission:       queue,
		Generator:       imageClient,
		Observer:        recorder,
		Logger:          logger,
		ItemTimeout:     appConfig.ImageAPITimeout,
		BatchLimit:      appConfig.BatchLimit,
		MaxPromptLength: appConfig.MaxPromptLength,
		Workers:         appConfig.GenerationWorkers,
	})
	if err != nil {
		return err
	}

	collector, err := stats.NewCollector(stats.CollectorConfig{
		Users:        userService,
		Ledger:       ledgerService,
		Payments:     paymentService,
		Usage:        usage,
		Cache:        cache,
		Queue:        queue,
		Reservations: orchestrator,
	})
	if err != nil {
		return err
	}

	sessionStore, closeSessions, err := openSessionStore(appConfig)
	if err != nil {
		return err
	}
	defer closeSessions()

	botAPI, err := telegram.NewBotAPI(appConfig.TelegramToken)
	if err != nil {
		return err
	}
	adapter, err := telegram.NewAdapter(telegram.Config{
		API:         botAPI,
		PollTimeout: appConfig.TelegramPollTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	chatBot, err := bot.New(bot.Config{
		Messenger:    adapter,
		Ledger:       ledgerService,
		Orchestrator: orchestrator,
		Payments:     paymentService,
		Usage:        usage,
		Cache:        cache,
		Users:        userService,
		Sessions:     sessionStore,
		Uploads:      fileStore,
		Reports:      collector,
		AdminUserID:  appConfig.TelegramAdminUserID,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	notifier.bot = chatBot

	tokenValidator, err := newTokenValidator(appConfig)
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Payments:     paymentService,
		Reports:      collector,
		TokenManager: tokenValidator,
		Metrics:      recorder.Handler(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ops server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		logger.Info("telegram polling started", zap.String("bot", botAPI.Self.UserName))
		if err := adapter.Run(signalCtx, chatBot); err != nil {
			errCh <- fmt.Errorf("telegram poller: %w", err)
		}
	}()

	go sweepReservations(signalCtx, orchestrator, appConfig.SessionsTTL, logger)
	if !appConfig.PaymentsTestMode() {
		go reconcilePayments(signalCtx, paymentService, appConfig.PaymentsReconcileInterval, logger)
	}

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", zap.Error(runErr))
		stop()
	}

	<-pollerDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if refunded := orchestrator.ExpireReservations(shutdownCtx, 0); refunded > 0 {
		logger.Info("refunded open reservations at shutdown", zap.Int("reservations", refunded))
	}
	return runErr
}

func openSessionStore(appConfig config.AppConfig) (sessions.Store, func(), error) {
	if appConfig.SessionsBackend != "redis" {
		return sessions.NewMemoryStore(appConfig.SessionsTTL, nil), func() {}, nil
	}
	client := sessions.NewRedisClient(appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB)
	store, err := sessions.NewRedisStore(client, appConfig.SessionsTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

// newTokenValidator falls back to a validator that rejects everything when no
// signing secret is configured, which keeps /admin/stats closed.
func newTokenValidator(appConfig config.AppConfig) (server.TokenValidator, error) {
	if appConfig.AdminSigningSecret == "" {
		return rejectingValidator{}, nil
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        auth.AdminIssuer,
		Audience:      auth.OpsAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateToken(string) (string, error) {
	return "", auth.ErrInvalidToken
}

func sweepReservations(ctx context.Context, orchestrator *generation.Service, maxAge time.Duration, logger *zap.Logger) {
	if maxAge <= 0 {
		maxAge = defaultReservationMaxAge
	}
	ticker := time.NewTicker(reservationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if refunded := orchestrator.ExpireReservations(ctx, maxAge); refunded > 0 {
				logger.Info("refunded abandoned reservations", zap.Int("reservations", refunded))
			}
		}
	}
}

func reconcilePayments(ctx context.Context, service *payments.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := service.Reconcile(ctx)
			if err != nil {
				logger.Warn("payment reconciliation failed", zap.Error(err))
				continue
			}
			if result.Completed > 0 || result.Failed > 0 {
				logger.Info("payments reconciled",
					zap.Int("checked", result.Checked),
					zap.Int("completed", result.Completed),
					zap.Int("failed", result.Failed),
				)
			}
		}
	}
}
