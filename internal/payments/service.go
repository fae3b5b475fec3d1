package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnknownTariff reports a tariff code outside the catalog.
	ErrUnknownTariff = errors.New("payments: unknown tariff")
	// ErrGatewayFailed reports a failed call to the payment provider.
	ErrGatewayFailed = errors.New("payments: gateway request failed")
	// ErrPaymentNotFound reports an unknown provider payment id.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrInvalidUser reports a missing user identifier.
	ErrInvalidUser = errors.New("payments: user identifier is required")

	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("ledger is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew      = "payments.service.new"
	opInitiate        = "payments.initiate"
	opConfirmLatest   = "payments.confirm_latest"
	opSettleProvider  = "payments.settle_provider_payment"
	opSettle          = "payments.settle"
	opReconcile       = "payments.reconcile"
	opStats           = "payments.stats"
	defaultCurrency   = "RUB"
	defaultWorkers    = 4
	defaultMinAge     = time.Minute
	reconcileBatch    = 100
	testDescriptionOf = "test payment: %s"
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Ledger is the part of the balance ledger payments settle into.
type Ledger interface {
	CreditInTx(tx *gorm.DB, request ledger.CreditRequest) error
}

// Observer receives payment status transitions.
type Observer interface {
	PaymentObserved(status string)
}

// Notifier is told about payments settled outside a user interaction.
type Notifier interface {
	PaymentSettled(ctx context.Context, record Record)
}

// ServiceConfig describes the dependencies of the payment service. A nil
// Gateway selects test mode, where checkouts credit the ledger immediately.
type ServiceConfig struct {
	Database         *gorm.DB
	Ledger           Ledger
	Gateway          Gateway
	Currency         string
	ReturnURL        string
	IDProvider       IDProvider
	Clock            func() time.Time
	Logger           *zap.Logger
	Observer         Observer
	Notifier         Notifier
	ReconcileWorkers int
	ReconcileMinAge  time.Duration
}

// Service initiates checkouts and settles them into the ledger.
type Service struct {
	db         *gorm.DB
	ledger     Ledger
	gateway    Gateway
	currency   string
	returnURL  string
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	observer   Observer
	notifier   Notifier
	workers    int
	minAge     time.Duration
}

// Outcome summarizes a confirmation attempt.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeCompleted Outcome = "completed"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
)

// Checkout is the result of initiating a payment.
type Checkout struct {
	Payment         Record
	Tariff          Tariff
	TestMode        bool
	ConfirmationURL string
}

// Confirmation is the result of checking a payment. Credited is true only
// for the call that moved the units onto the balance.
type Confirmation struct {
	Outcome  Outcome
	Payment  Record
	Credited bool
}

// ReconcileResult counts what one sweep did.
type ReconcileResult struct {
	Checked   int
	Completed int
	Failed    int
}

// Stats aggregates payment records.
type Stats struct {
	PayingUsers       int64
	CompletedPayments int64
	PendingPayments   int64
	IncomeMinor       int64
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	workers := cfg.ReconcileWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	minAge := cfg.ReconcileMinAge
	if minAge <= 0 {
		minAge = defaultMinAge
	}
	return &Service{
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		gateway:    cfg.Gateway,
		currency:   currency,
		returnURL:  cfg.ReturnURL,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		observer:   cfg.Observer,
		notifier:   cfg.Notifier,
		workers:    workers,
		minAge:     minAge,
	}, nil
}

// TestMode reports whether checkouts bypass the gateway.
func (s *Service) TestMode() bool {
	return s.gateway == nil
}

// Initiate starts a checkout for a tariff. Gateway failures mark the record
// failed and are returned; they never fall back to test mode.
func (s *Service) Initiate(ctx context.Context, userID int64, tariffCode string) (Checkout, error) {
	if userID == 0 {
		return Checkout{}, newServiceError(opInitiate, "invalid_user", ErrInvalidUser)
	}
	tariff, ok := LookupTariff(tariffCode)
	if !ok {
		return Checkout{}, newServiceError(opInitiate, "unknown_tariff", ErrUnknownTariff)
	}
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInitiate, "id_failed", err)
		return Checkout{}, newServiceError(opInitiate, "id_failed", err)
	}
	nowSeconds := s.clock().UTC().Unix()
	record := Record{
		ID:               recordID,
		UserID:           userID,
		TariffCode:       tariff.Code,
		AmountMinor:      tariff.PriceMinor,
		Currency:         s.currency,
		Units:            tariff.Units,
		Description:      tariff.Title,
		Status:           StatusPending,
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}

	if s.gateway == nil {
		return s.completeTestCheckout(ctx, record, tariff)
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInitiate, "insert_failed", err, zap.Int64("user_id", userID))
		return Checkout{}, newServiceError(opInitiate, "insert_failed", err)
	}

	payment, err := s.gateway.CreatePayment(ctx, CheckoutRequest{
		IdempotenceKey: record.ID,
		UserID:         userID,
		AmountMinor:    record.AmountMinor,
		Currency:       record.Currency,
		Units:          record.Units,
		Description:    record.Description,
		ReturnURL:      s.returnURL,
	})
	if err == nil && strings.TrimSpace(payment.ProviderPaymentID) == "" {
		err = errors.New("gateway returned no payment id")
	}
	if err != nil {
		s.logError(opInitiate, "gateway_failed", err, zap.Int64("user_id", userID), zap.String("payment_id", record.ID))
		if markErr := s.transition(ctx, record.ID, StatusFailed); markErr != nil {
			s.logError(opInitiate, "mark_failed_failed", markErr, zap.String("payment_id", record.ID))
		}
		return Checkout{}, newServiceError(opInitiate, "gateway_failed", fmt.Errorf("%w: %w", ErrGatewayFailed, err))
	}

	record.ProviderPaymentID = payment.ProviderPaymentID
	record.ConfirmationURL = payment.ConfirmationURL
	record.UpdatedAtSeconds = s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"provider_payment_id": record.ProviderPaymentID,
			"confirmation_url":    record.ConfirmationURL,
			"updated_at_s":        record.UpdatedAtSeconds,
		}).Error
	if err != nil {
		s.logError(opInitiate, "update_failed", err, zap.String("payment_id", record.ID))
		if markErr := s.transition(ctx, record.ID, StatusFailed); markErr != nil {
			s.logError(opInitiate, "mark_failed_failed", markErr, zap.String("payment_id", record.ID))
		}
		return Checkout{}, newServiceError(opInitiate, "update_failed", err)
	}
	s.observe(StatusPending)
	s.logger.Info("payment initiated",
		zap.Int64("user_id", userID),
		zap.String("payment_id", record.ID),
		zap.String("provider_payment_id", record.ProviderPaymentID),
		zap.String("tariff", tariff.Code))

	return Checkout{Payment: record, Tariff: tariff, ConfirmationURL: record.ConfirmationURL}, nil
}

func (s *Service) completeTestCheckout(ctx context.Context, record Record, tariff Tariff) (Checkout, error) {
	record.Status = StatusCompleted
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return s.ledger.CreditInTx(tx, ledger.CreditRequest{
			UserID:          record.UserID,
			Units:           record.Units,
			AmountPaidMinor: record.AmountMinor,
			Reason:          ledger.ReasonTestTopUp,
			Description:     fmt.Sprintf(testDescriptionOf, tariff.Title),
		})
	})
	if err != nil {
		s.logError(opInitiate, "test_checkout_failed", err, zap.Int64("user_id", record.UserID))
		return Checkout{}, newServiceError(opInitiate, "test_checkout_failed", err)
	}
	s.observe(StatusCompleted)
	s.logger.Info("test payment credited",
		zap.Int64("user_id", record.UserID),
		zap.String("payment_id", record.ID),
		zap.Int64("units", record.Units))
	return Checkout{Payment: record, Tariff: tariff, TestMode: true}, nil
}

// ConfirmLatest checks the most recent pending payment of a user with the
// gateway. Records the gateway never acknowledged are skipped.
func (s *Service) ConfirmLatest(ctx context.Context, userID int64) (Confirmation, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND provider_payment_id <> ''", userID, StatusPending).
		Order("created_at_s DESC").
		Order("id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Confirmation{Outcome: OutcomeNone}, nil
	}
	if err != nil {
		s.logError(opConfirmLatest, "select_failed", err, zap.Int64("user_id", userID))
		return Confirmation{}, newServiceError(opConfirmLatest, "select_failed", err)
	}
	return s.confirm(ctx, opConfirmLatest, record)
}

// SettleProviderPayment settles a payment named by a provider notification.
// The status is always re-read from the gateway, never taken from the caller.
func (s *Service) SettleProviderPayment(ctx context.Context, providerPaymentID string) (Confirmation, error) {
	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if providerPaymentID == "" {
		return Confirmation{}, newServiceError(opSettleProvider, "not_found", ErrPaymentNotFound)
	}
	var record Record
	err := s.db.WithContext(ctx).Where("provider_payment_id = ?", providerPaymentID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Confirmation{}, newServiceError(opSettleProvider, "not_found", ErrPaymentNotFound)
	}
	if err != nil {
		s.logError(opSettleProvider, "select_failed", err, zap.String("provider_payment_id", providerPaymentID))
		return Confirmation{}, newServiceError(opSettleProvider, "select_failed", err)
	}
	if record.Status != StatusPending {
		return Confirmation{Outcome: outcomeOf(record.Status), Payment: record}, nil
	}
	confirmation, err := s.confirm(ctx, opSettleProvider, record)
	if err != nil {
		return Confirmation{}, err
	}
	if confirmation.Credited {
		s.notify(ctx, confirmation.Payment)
	}
	return confirmation, nil
}

// Reconcile settles pending payments the payer never confirmed from the chat.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if s.gateway == nil {
		return ReconcileResult{}, nil
	}
	cutoff := s.clock().Add(-s.minAge).UTC().Unix()
	var pending []Record
	err := s.db.WithContext(ctx).
		Where("status = ? AND provider_payment_id <> '' AND created_at_s <= ?", StatusPending, cutoff).
		Order("created_at_s ASC").
		Limit(reconcileBatch).
		Find(&pending).Error
	if err != nil {
		s.logError(opReconcile, "select_failed", err)
		return ReconcileResult{}, newServiceError(opReconcile, "select_failed", err)
	}
	if len(pending) == 0 {
		return ReconcileResult{}, nil
	}

	var completed, failed atomic.Int32
	pool := pond.NewPool(s.workers, pond.WithContext(ctx))
	for _, record := range pending {
		pool.Submit(func() {
			confirmation, err := s.confirm(ctx, opReconcile, record)
			if err != nil {
				return
			}
			switch confirmation.Outcome {
			case OutcomeCompleted:
				if confirmation.Credited {
					completed.Add(1)
					s.notify(ctx, confirmation.Payment)
				}
			case OutcomeFailed:
				failed.Add(1)
			}
		})
	}
	pool.StopAndWait()

	result := ReconcileResult{Checked: len(pending), Completed: int(completed.Load()), Failed: int(failed.Load())}
	s.logger.Info("pending payments reconciled",
		zap.Int("checked", result.Checked),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Stats summarizes payment records.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)
	completed := db.Model(&Record{}).Where("status = ?", StatusCompleted)

	if err := completed.Session(&gorm.Session{}).Distinct("user_id").Count(&stats.PayingUsers).Error; err != nil {
		s.logError(opStats, "paying_users_failed", err)
		return Stats{}, newServiceError(opStats, "paying_users_failed", err)
	}
	if err := completed.Session(&gorm.Session{}).Count(&stats.CompletedPayments).Error; err != nil {
		s.logError(opStats, "completed_count_failed", err)
		return Stats{}, newServiceError(opStats, "completed_count_failed", err)
	}
	if err := completed.Session(&gorm.Session{}).Select("COALESCE(SUM(amount_minor), 0)").Scan(&stats.IncomeMinor).Error; err != nil {
		s.logError(opStats, "income_failed", err)
		return Stats{}, newServiceError(opStats, "income_failed", err)
	}
	if err := db.Model(&Record{}).Where("status = ?", StatusPending).Count(&stats.PendingPayments).Error; err != nil {
		s.logError(opStats, "pending_count_failed", err)
		return Stats{}, newServiceError(opStats, "pending_count_failed", err)
	}
	return stats, nil
}

func (s *Service) confirm(ctx context.Context, operation string, record Record) (Confirmation, error) {
	if s.gateway == nil || record.ProviderPaymentID == "" {
		return Confirmation{Outcome: OutcomePending, Payment: record}, nil
	}
	payment, err := s.gateway.PaymentStatus(ctx, record.ProviderPaymentID)
	if err != nil {
		s.logError(operation, "gateway_failed", err, zap.String("payment_id", record.ID))
		return Confirmation{}, newServiceError(operation, "gateway_failed", fmt.Errorf("%w: %w", ErrGatewayFailed, err))
	}

	switch payment.Status {
	case GatewayStatusSucceeded:
		return s.settle(ctx, record)
	case GatewayStatusPending, GatewayStatusWaitingForCapture:
		return Confirmation{Outcome: OutcomePending, Payment: record}, nil
	default:
		if err := s.transition(ctx, record.ID, StatusFailed); err != nil {
			s.logError(operation, "mark_failed_failed", err, zap.String("payment_id", record.ID))
			return Confirmation{}, newServiceError(operation, "mark_failed_failed", err)
		}
		return s.reload(ctx, operation, record.ID, false)
	}
}

// settle completes a pending payment and credits the ledger in one
// transaction; the pending guard makes repeated settlement credit once.
func (s *Service) settle(ctx context.Context, record Record) (Confirmation, error) {
	credited := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Record{}).
			Where("id = ? AND status = ?", record.ID, StatusPending).
			Updates(map[string]any{
				"status":       StatusCompleted,
				"updated_at_s": s.clock().UTC().Unix(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		credited = true
		return s.ledger.CreditInTx(tx, ledger.CreditRequest{
			UserID:          record.UserID,
			Units:           record.Units,
			AmountPaidMinor: record.AmountMinor,
			Reason:          ledger.ReasonTopUp,
			Description:     record.Description,
		})
	})
	if err != nil {
		s.logError(opSettle, "transaction_failed", err, zap.String("payment_id", record.ID))
		return Confirmation{}, newServiceError(opSettle, "transaction_failed", err)
	}
	if credited {
		s.observe(StatusCompleted)
		s.logger.Info("payment settled",
			zap.Int64("user_id", record.UserID),
			zap.String("payment_id", record.ID),
			zap.Int64("units", record.Units))
	}
	return s.reload(ctx, opSettle, record.ID, credited)
}

func (s *Service) transition(ctx context.Context, recordID string, status Status) error {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND status = ?", recordID, StatusPending).
		Updates(map[string]any{
			"status":       status,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && status == StatusFailed {
		s.observe(StatusFailed)
	}
	return nil
}

func (s *Service) reload(ctx context.Context, operation string, recordID string, credited bool) (Confirmation, error) {
	var record Record
	if err := s.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error; err != nil {
		s.logError(operation, "reload_failed", err, zap.String("payment_id", recordID))
		return Confirmation{}, newServiceError(operation, "reload_failed", err)
	}
	return Confirmation{Outcome: outcomeOf(record.Status), Payment: record, Credited: credited}, nil
}

func outcomeOf(status Status) Outcome {
	switch status {
	case StatusCompleted:
		return OutcomeCompleted
	case StatusFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

func (s *Service) observe(status Status) {
	if s.observer != nil {
		s.observer.PaymentObserved(string(status))
	}
}

func (s *Service) notify(ctx context.Context, record Record) {
	if s.notifier != nil {
		s.notifier.PaymentSettled(ctx, record)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("payments service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
