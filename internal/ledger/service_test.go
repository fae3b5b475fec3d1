package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Balance{}, &HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	return service, db
}

func mustCredit(t *testing.T, service *Service, userID int64, units int64) {
	t.Helper()
	err := service.Credit(context.Background(), CreditRequest{
		UserID:          userID,
		Units:           units,
		AmountPaidMinor: units * 1000,
		Reason:          ReasonTopUp,
		Description:     "test top-up",
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
}

func mustBalance(t *testing.T, service *Service, userID int64) int64 {
	t.Helper()
	units, err := service.BalanceOf(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	return units
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "ledger.service.new.missing_database" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	service, _ := newTestService(t)
	if units := mustBalance(t, service, 42); units != 0 {
		t.Fatalf("expected zero balance, got %d", units)
	}
}

func TestDebitWithoutFundsLeavesBalanceUnchanged(t *testing.T) {
	service, db := newTestService(t)

	err := service.Debit(context.Background(), 7, 1)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	var count int64
	if err := db.Model(&Balance{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no balance row to be created, got %d", count)
	}

	mustCredit(t, service, 7, 2)
	if err := service.Debit(context.Background(), 7, 3); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds for overdraft, got %v", err)
	}
	if units := mustBalance(t, service, 7); units != 2 {
		t.Fatalf("expected balance to stay at 2, got %d", units)
	}
}

func TestDebitAndCreditSequenceNeverGoesNegative(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	mustCredit(t, service, 9, 3)

	operations := []struct {
		debit     int64
		credit    int64
		expectErr bool
		expected  int64
	}{
		{debit: 2, expected: 1},
		{debit: 2, expectErr: true, expected: 1},
		{debit: 1, expected: 0},
		{debit: 1, expectErr: true, expected: 0},
		{credit: 4, expected: 4},
		{debit: 4, expected: 0},
	}

	for index, operation := range operations {
		if operation.debit > 0 {
			err := service.Debit(ctx, 9, operation.debit)
			if operation.expectErr != (err != nil) {
				t.Fatalf("step %d: unexpected debit result %v", index, err)
			}
		}
		if operation.credit > 0 {
			if err := service.Refund(ctx, 9, operation.credit, "refund"); err != nil {
				t.Fatalf("step %d: refund failed: %v", index, err)
			}
		}
		if units := mustBalance(t, service, 9); units != operation.expected {
			t.Fatalf("step %d: expected balance %d, got %d", index, operation.expected, units)
		}
	}
}

func TestConcurrentDebitsCannotOverdraw(t *testing.T) {
	service, _ := newTestService(t)
	mustCredit(t, service, 11, 3)

	const attempts = 10
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
	)
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			err := service.Debit(context.Background(), 11, 1)
			if err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 debits to succeed, got %d", succeeded)
	}
	if units := mustBalance(t, service, 11); units != 0 {
		t.Fatalf("expected empty balance, got %d", units)
	}
}

func TestRefundIsRecordedSeparatelyFromTopUp(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	mustCredit(t, service, 5, 5)
	if err := service.Debit(ctx, 5, 2); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if err := service.Refund(ctx, 5, 2, "generation failed"); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	account, err := service.Account(ctx, 5, 10)
	if err != nil {
		t.Fatalf("account failed: %v", err)
	}
	if account.Balance.UnitsRemaining != 5 {
		t.Fatalf("expected 5 units, got %d", account.Balance.UnitsRemaining)
	}
	if account.Balance.TotalPaidMinor != 5000 {
		t.Fatalf("expected refunds to leave paid total untouched, got %d", account.Balance.TotalPaidMinor)
	}
	if len(account.History) != 2 {
		t.Fatalf("expected two history entries, got %d", len(account.History))
	}
	if account.History[0].Reason != ReasonRefund || account.History[0].AmountMinor != 0 {
		t.Fatalf("expected newest entry to be a zero-amount refund, got %+v", account.History[0])
	}
	if account.History[1].Reason != ReasonTopUp || account.History[1].Status != StatusCompleted {
		t.Fatalf("expected oldest entry to be a completed top-up, got %+v", account.History[1])
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.UsersWithBalance != 1 || stats.OutstandingUnits != 5 || stats.RefundedUnits != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreditRejectsInvalidRequests(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	testCases := []struct {
		name    string
		request CreditRequest
	}{
		{name: "missing user", request: CreditRequest{Units: 1, Reason: ReasonTopUp}},
		{name: "zero units", request: CreditRequest{UserID: 1, Reason: ReasonTopUp}},
		{name: "unknown reason", request: CreditRequest{UserID: 1, Units: 1, Reason: "gift"}},
		{name: "paid refund", request: CreditRequest{UserID: 1, Units: 1, AmountPaidMinor: 100, Reason: ReasonRefund}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := service.Credit(ctx, testCase.request); err == nil {
				t.Fatalf("expected credit to be rejected")
			}
		})
	}
	if units := mustBalance(t, service, 1); units != 0 {
		t.Fatalf("expected rejected credits to leave no balance, got %d", units)
	}
}

func TestDebitRejectsNonPositiveUnits(t *testing.T) {
	service, _ := newTestService(t)
	if err := service.Debit(context.Background(), 1, 0); !errors.Is(err, ErrInvalidUnits) {
		t.Fatalf("expected invalid units, got %v", err)
	}
}
