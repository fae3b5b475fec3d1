package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds reports a debit larger than the remaining balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidUnits reports a non-positive unit count.
	ErrInvalidUnits = errors.New("ledger: units must be positive")
	// ErrInvalidUser reports a missing user identifier.
	ErrInvalidUser = errors.New("ledger: user identifier is required")
	// ErrInvalidReason reports a credit without a known reason.
	ErrInvalidReason = errors.New("ledger: unknown credit reason")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "ledger.service.new"
	opBalanceOf  = "ledger.balance_of"
	opDebit      = "ledger.debit"
	opCredit     = "ledger.credit"
	opAccount    = "ledger.account"
	opStats      = "ledger.stats"

	defaultHistoryLimit = 10
	maxDescriptionRunes = 255
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

// ServiceConfig describes the dependencies of the ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns balances and their credit history.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// CreditRequest describes units added to a balance.
type CreditRequest struct {
	UserID          int64
	Units           int64
	AmountPaidMinor int64
	Reason          Reason
	Description     string
}

// Account is a balance with its most recent history entries, newest first.
type Account struct {
	Balance Balance
	History []HistoryEntry
}

// Stats aggregates balances across all users.
type Stats struct {
	UsersWithBalance int64
	OutstandingUnits int64
	RefundedUnits    int64
}

// NewService validates dependencies and constructs a ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// BalanceOf returns the remaining units of a user; unknown users have zero.
func (s *Service) BalanceOf(ctx context.Context, userID int64) (int64, error) {
	var balance Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opBalanceOf, "select_failed", err, zap.Int64("user_id", userID))
		return 0, newServiceError(opBalanceOf, "select_failed", err)
	}
	return balance.UnitsRemaining, nil
}

// Debit removes units from a balance in a single conditional update, so
// concurrent debits can never overdraw it. It returns ErrInsufficientFunds
// and leaves the balance untouched when fewer units remain.
func (s *Service) Debit(ctx context.Context, userID int64, units int64) error {
	if userID == 0 {
		return newServiceError(opDebit, "invalid_user", ErrInvalidUser)
	}
	if units <= 0 {
		return newServiceError(opDebit, "invalid_units", ErrInvalidUnits)
	}
	result := s.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ? AND units_remaining >= ?", userID, units).
		Updates(map[string]any{
			"units_remaining": gorm.Expr("units_remaining - ?", units),
			"updated_at_s":    s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opDebit, "update_failed", result.Error, zap.Int64("user_id", userID), zap.Int64("units", units))
		return newServiceError(opDebit, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Credit adds units to a balance and appends a completed history entry atomically.
func (s *Service) Credit(ctx context.Context, request CreditRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreditInTx(tx, request)
	})
}

// Refund returns units consumed by a job that did not deliver. Refunds never
// count as paid money and are recorded under their own reason.
func (s *Service) Refund(ctx context.Context, userID int64, units int64, description string) error {
	return s.Credit(ctx, CreditRequest{
		UserID:      userID,
		Units:       units,
		Reason:      ReasonRefund,
		Description: description,
	})
}

// CreditInTx applies a credit inside a caller-owned transaction.
func (s *Service) CreditInTx(tx *gorm.DB, request CreditRequest) error {
	if err := validateCredit(request); err != nil {
		return newServiceError(opCredit, "invalid_request", err)
	}
	nowSeconds := s.clock().UTC().Unix()

	seed := Balance{UserID: request.UserID, UpdatedAtSeconds: nowSeconds}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		s.logError(opCredit, "balance_seed_failed", err, zap.Int64("user_id", request.UserID))
		return newServiceError(opCredit, "balance_seed_failed", err)
	}

	update := tx.Model(&Balance{}).
		Where("user_id = ?", request.UserID).
		Updates(map[string]any{
			"units_remaining":  gorm.Expr("units_remaining + ?", request.Units),
			"total_paid_minor": gorm.Expr("total_paid_minor + ?", request.AmountPaidMinor),
			"updated_at_s":     nowSeconds,
		})
	if update.Error != nil {
		s.logError(opCredit, "balance_update_failed", update.Error, zap.Int64("user_id", request.UserID))
		return newServiceError(opCredit, "balance_update_failed", update.Error)
	}

	entry := HistoryEntry{
		UserID:           request.UserID,
		AmountMinor:      request.AmountPaidMinor,
		Units:            request.Units,
		Reason:           request.Reason,
		Description:      truncateRunes(strings.TrimSpace(request.Description), maxDescriptionRunes),
		Status:           StatusCompleted,
		CreatedAtSeconds: nowSeconds,
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logError(opCredit, "history_insert_failed", err, zap.Int64("user_id", request.UserID))
		return newServiceError(opCredit, "history_insert_failed", err)
	}
	return nil
}

// Account returns the balance of a user together with the latest history entries.
func (s *Service) Account(ctx context.Context, userID int64, historyLimit int) (Account, error) {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	account := Account{Balance: Balance{UserID: userID}}
	db := s.db.WithContext(ctx)

	err := db.Where("user_id = ?", userID).Take(&account.Balance).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opAccount, "balance_select_failed", err, zap.Int64("user_id", userID))
		return Account{}, newServiceError(opAccount, "balance_select_failed", err)
	}

	if err := db.Where("user_id = ?", userID).
		Order("created_at_s DESC").
		Order("id DESC").
		Limit(historyLimit).
		Find(&account.History).Error; err != nil {
		s.logError(opAccount, "history_select_failed", err, zap.Int64("user_id", userID))
		return Account{}, newServiceError(opAccount, "history_select_failed", err)
	}
	return account, nil
}

// Stats summarizes outstanding balances and refunded units.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&Balance{}).Where("units_remaining > 0").Count(&stats.UsersWithBalance).Error; err != nil {
		s.logError(opStats, "count_failed", err)
		return Stats{}, newServiceError(opStats, "count_failed", err)
	}
	if err := db.Model(&Balance{}).Select("COALESCE(SUM(units_remaining), 0)").Scan(&stats.OutstandingUnits).Error; err != nil {
		s.logError(opStats, "sum_failed", err)
		return Stats{}, newServiceError(opStats, "sum_failed", err)
	}
	if err := db.Model(&HistoryEntry{}).
		Where("reason = ?", ReasonRefund).
		Select("COALESCE(SUM(units), 0)").
		Scan(&stats.RefundedUnits).Error; err != nil {
		s.logError(opStats, "refund_sum_failed", err)
		return Stats{}, newServiceError(opStats, "refund_sum_failed", err)
	}
	return stats, nil
}

func validateCredit(request CreditRequest) error {
	if request.UserID == 0 {
		return ErrInvalidUser
	}
	if request.Units <= 0 {
		return ErrInvalidUnits
	}
	if request.AmountPaidMinor < 0 {
		return fmt.Errorf("ledger: negative paid amount %d", request.AmountPaidMinor)
	}
	switch request.Reason {
	case ReasonTopUp, ReasonTestTopUp:
	case ReasonRefund:
		if request.AmountPaidMinor != 0 {
			return fmt.Errorf("ledger: refunds cannot carry a paid amount")
		}
	default:
		return ErrInvalidReason
	}
	return nil
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
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
	s.loggerOrDefault().Error("ledger service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
