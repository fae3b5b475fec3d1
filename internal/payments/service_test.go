package payments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mutex     sync.Mutex
	created   []CheckoutRequest
	createErr error
	statuses  map[string]string
	statusErr error
	nextID    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]string{}}
}

func (g *fakeGateway) CreatePayment(ctx context.Context, request CheckoutRequest) (GatewayPayment, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.created = append(g.created, request)
	if g.createErr != nil {
		return GatewayPayment{}, g.createErr
	}
	g.nextID++
	providerID := fmt.Sprintf("provider-%d", g.nextID)
	g.statuses[providerID] = GatewayStatusPending
	return GatewayPayment{
		ProviderPaymentID: providerID,
		Status:            GatewayStatusPending,
		ConfirmationURL:   "https://pay.example/" + providerID,
	}, nil
}

func (g *fakeGateway) PaymentStatus(ctx context.Context, providerPaymentID string) (GatewayPayment, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.statusErr != nil {
		return GatewayPayment{}, g.statusErr
	}
	return GatewayPayment{ProviderPaymentID: providerPaymentID, Status: g.statuses[providerPaymentID]}, nil
}

func (g *fakeGateway) setStatus(providerID, status string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.statuses[providerID] = status
}

type recordingNotifier struct {
	mutex   sync.Mutex
	settled []Record
}

func (n *recordingNotifier) PaymentSettled(ctx context.Context, record Record) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.settled = append(n.settled, record)
}

type testHarness struct {
	service  *Service
	ledger   *ledger.Service
	db       *gorm.DB
	gateway  *fakeGateway
	notifier *recordingNotifier
	now      time.Time
}

func newHarness(t *testing.T, gateway Gateway) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "payments.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Record{}, &ledger.Balance{}, &ledger.HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	harness := &testHarness{db: db, notifier: &recordingNotifier{}, now: time.Unix(1700000000, 0).UTC()}
	clock := func() time.Time { return harness.now }

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	harness.ledger = ledgerService
	if fake, ok := gateway.(*fakeGateway); ok {
		harness.gateway = fake
	}

	service, err := NewService(ServiceConfig{
		Database:  db,
		Ledger:    ledgerService,
		Gateway:   gateway,
		Currency:  "rub",
		ReturnURL: "https://t.me/pixelmage_bot",
		Clock:     clock,
		Notifier:  harness.notifier,
	})
	if err != nil {
		t.Fatalf("failed to create payments service: %v", err)
	}
	harness.service = service
	return harness
}

func (h *testHarness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	units, err := h.ledger.BalanceOf(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	return units
}

func TestInitiateInTestModeCreditsImmediately(t *testing.T) {
	harness := newHarness(t, nil)

	checkout, err := harness.service.Initiate(context.Background(), 42, TariffPack5)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if !checkout.TestMode || checkout.Payment.Status != StatusCompleted {
		t.Fatalf("expected completed test checkout, got %+v", checkout)
	}
	if checkout.Payment.Currency != "RUB" || checkout.Payment.AmountMinor != 9900 {
		t.Fatalf("unexpected amount %d %s", checkout.Payment.AmountMinor, checkout.Payment.Currency)
	}
	if units := harness.balance(t, 42); units != 5 {
		t.Fatalf("expected 5 units, got %d", units)
	}

	account, err := harness.ledger.Account(context.Background(), 42, 5)
	if err != nil {
		t.Fatalf("account failed: %v", err)
	}
	if len(account.History) != 1 || account.History[0].Reason != ledger.ReasonTestTopUp {
		t.Fatalf("expected a single test top-up entry, got %+v", account.History)
	}
}

func TestInitiateRejectsUnknownTariff(t *testing.T) {
	harness := newHarness(t, nil)
	if _, err := harness.service.Initiate(context.Background(), 42, "pack_1000"); !errors.Is(err, ErrUnknownTariff) {
		t.Fatalf("expected unknown tariff, got %v", err)
	}
}

func TestInitiateWithGatewayLeavesPendingRecord(t *testing.T) {
	harness := newHarness(t, newFakeGateway())

	checkout, err := harness.service.Initiate(context.Background(), 7, TariffGenerate)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if checkout.TestMode {
		t.Fatalf("expected live checkout")
	}
	if checkout.ConfirmationURL != "https://pay.example/provider-1" {
		t.Fatalf("unexpected confirmation url %q", checkout.ConfirmationURL)
	}
	if len(harness.gateway.created) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(harness.gateway.created))
	}
	request := harness.gateway.created[0]
	if request.IdempotenceKey != checkout.Payment.ID || request.AmountMinor != 2900 || request.Units != 1 {
		t.Fatalf("unexpected gateway request %+v", request)
	}
	if request.ReturnURL != "https://t.me/pixelmage_bot" {
		t.Fatalf("unexpected return url %q", request.ReturnURL)
	}

	var stored Record
	if err := harness.db.Where("id = ?", checkout.Payment.ID).Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Status != StatusPending || stored.ProviderPaymentID != "provider-1" {
		t.Fatalf("unexpected stored record %+v", stored)
	}
	if units := harness.balance(t, 7); units != 0 {
		t.Fatalf("expected no units before confirmation, got %d", units)
	}
}

func TestInitiateGatewayFailureMarksRecordFailed(t *testing.T) {
	gateway := newFakeGateway()
	gateway.createErr = errors.New("connection refused")
	harness := newHarness(t, gateway)

	_, err := harness.service.Initiate(context.Background(), 7, TariffPack15)
	if !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	var stored Record
	if err := harness.db.Where("user_id = ?", 7).Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed record, got %s", stored.Status)
	}
	if units := harness.balance(t, 7); units != 0 {
		t.Fatalf("expected no silent test-mode credit, got %d units", units)
	}
}

func TestConfirmLatestOutcomes(t *testing.T) {
	harness := newHarness(t, newFakeGateway())
	ctx := context.Background()

	confirmation, err := harness.service.ConfirmLatest(ctx, 3)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmation.Outcome != OutcomeNone {
		t.Fatalf("expected no pending payment, got %s", confirmation.Outcome)
	}

	checkout, err := harness.service.Initiate(ctx, 3, TariffPack5)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	confirmation, err = harness.service.ConfirmLatest(ctx, 3)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmation.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", confirmation.Outcome)
	}

	harness.gateway.setStatus(checkout.Payment.ProviderPaymentID, GatewayStatusSucceeded)
	confirmation, err = harness.service.ConfirmLatest(ctx, 3)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmation.Outcome != OutcomeCompleted || !confirmation.Credited {
		t.Fatalf("expected credited completion, got %+v", confirmation)
	}
	if units := harness.balance(t, 3); units != 5 {
		t.Fatalf("expected 5 units, got %d", units)
	}

	confirmation, err = harness.service.ConfirmLatest(ctx, 3)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmation.Outcome != OutcomeNone {
		t.Fatalf("expected no pending payment after settlement, got %s", confirmation.Outcome)
	}
}

func TestConfirmLatestSkipsRecordsWithoutProviderID(t *testing.T) {
	harness := newHarness(t, newFakeGateway())
	ctx := context.Background()

	checkout, err := harness.service.Initiate(ctx, 8, TariffPack5)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	errStoreDown := errors.New("disk full")
	failProviderUpdate := func(tx *gorm.DB) {
		if values, ok := tx.Statement.Dest.(map[string]any); ok {
			if _, has := values["provider_payment_id"]; has {
				_ = tx.AddError(errStoreDown)
			}
		}
	}
	if err := harness.db.Callback().Update().Before("gorm:update").Register("test:fail_provider_update", failProviderUpdate); err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}
	harness.now = harness.now.Add(time.Minute)
	if _, err := harness.service.Initiate(ctx, 8, TariffPack15); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected provider id update failure, got %v", err)
	}
	if err := harness.db.Callback().Update().Remove("test:fail_provider_update"); err != nil {
		t.Fatalf("failed to remove callback: %v", err)
	}

	var stranded Record
	if err := harness.db.Where("user_id = ? AND tariff_code = ?", 8, TariffPack15).Take(&stranded).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stranded.Status != StatusFailed {
		t.Fatalf("expected unacknowledged record to be failed, got %s", stranded.Status)
	}

	harness.now = harness.now.Add(time.Minute)
	legacy := Record{
		ID:               "legacy-without-provider",
		UserID:           8,
		TariffCode:       TariffPack15,
		AmountMinor:      19900,
		Units:            15,
		Status:           StatusPending,
		CreatedAtSeconds: harness.now.Unix(),
		UpdatedAtSeconds: harness.now.Unix(),
	}
	if err := harness.db.Create(&legacy).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	harness.gateway.setStatus(checkout.Payment.ProviderPaymentID, GatewayStatusSucceeded)
	confirmation, err := harness.service.ConfirmLatest(ctx, 8)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmation.Outcome != OutcomeCompleted || confirmation.Payment.ID != checkout.Payment.ID {
		t.Fatalf("expected the acknowledged payment to settle, got %+v", confirmation)
	}
	if units := harness.balance(t, 8); units != 5 {
		t.Fatalf("expected 5 units, got %d", units)
	}
}

func TestDoubleSettlementCreditsOnce(t *testing.T) {
	harness := newHarness(t, newFakeGateway())
	ctx := context.Background()

	checkout, err := harness.service.Initiate(ctx, 8, TariffPack5)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	harness.gateway.setStatus(checkout.Payment.ProviderPaymentID, GatewayStatusSucceeded)

	first, err := harness.service.settle(ctx, checkout.Payment)
	if err != nil {
		t.Fatalf("first settle failed: %v", err)
	}
	second, err := harness.service.settle(ctx, checkout.Payment)
	if err != nil {
		t.Fatalf("second settle failed: %v", err)
	}
	if !first.Credited || second.Credited {
		t.Fatalf("expected only the first settlement to credit: %v %v", first.Credited, second.Credited)
	}
	if second.Outcome != OutcomeCompleted {
		t.Fatalf("expected second settlement to report completion, got %s", second.Outcome)
	}
	if units := harness.balance(t, 8); units != 5 {
		t.Fatalf("expected 5 units, got %d", units)
	}

	webhook, err := harness.service.SettleProviderPayment(ctx, checkout.Payment.ProviderPaymentID)
	if err != nil {
		t.Fatalf("webhook settle failed: %v", err)
	}
	if webhook.Credited || webhook.Outcome != OutcomeCompleted {
		t.Fatalf("expected webhook after settlement to be a no-op, got %+v", webhook)
	}
	if len(harness.notifier.settled) != 0 {
		t.Fatalf("expected no notification for an already settled payment")
	}
}

func TestCanceledPaymentIsMarkedFailed(t *testing.T) {
	harness := newHarness(t, newFakeGateway())
	ctx := context.Background()

	checkout, err := harness.service.Initiate(ctx, 4, TariffEdit)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	harness.gateway.setStatus(checkout.Payment.ProviderPaymentID, "canceled")

	confirmation, err := harness.service.ConfirmLatest(ctx, 4)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmation.Outcome != OutcomeFailed || confirmation.Payment.Status != StatusFailed {
		t.Fatalf("expected failed payment, got %+v", confirmation)
	}
	if units := harness.balance(t, 4); units != 0 {
		t.Fatalf("expected no units, got %d", units)
	}
}

func TestSettleProviderPaymentNotifies(t *testing.T) {
	harness := newHarness(t, newFakeGateway())
	ctx := context.Background()

	checkout, err := harness.service.Initiate(ctx, 5, TariffPack15)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	harness.gateway.setStatus(checkout.Payment.ProviderPaymentID, GatewayStatusSucceeded)

	confirmation, err := harness.service.SettleProviderPayment(ctx, checkout.Payment.ProviderPaymentID)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !confirmation.Credited {
		t.Fatalf("expected webhook settlement to credit")
	}
	if len(harness.notifier.settled) != 1 || harness.notifier.settled[0].UserID != 5 {
		t.Fatalf("expected one notification for user 5, got %+v", harness.notifier.settled)
	}
	if units := harness.balance(t, 5); units != 15 {
		t.Fatalf("expected 15 units, got %d", units)
	}

	if _, err := harness.service.SettleProviderPayment(ctx, "unknown"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReconcileSettlesAgedPendingPayments(t *testing.T) {
	harness := newHarness(t, newFakeGateway())
	ctx := context.Background()

	paid, err := harness.service.Initiate(ctx, 1, TariffPack5)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	canceled, err := harness.service.Initiate(ctx, 2, TariffGenerate)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	waiting, err := harness.service.Initiate(ctx, 3, TariffGenerate)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	harness.gateway.setStatus(paid.Payment.ProviderPaymentID, GatewayStatusSucceeded)
	harness.gateway.setStatus(canceled.Payment.ProviderPaymentID, "canceled")
	harness.gateway.setStatus(waiting.Payment.ProviderPaymentID, GatewayStatusWaitingForCapture)

	result, err := harness.service.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.Checked != 0 {
		t.Fatalf("expected fresh payments to be skipped, got %+v", result)
	}

	harness.now = harness.now.Add(2 * time.Minute)
	result, err = harness.service.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.Checked != 3 || result.Completed != 1 || result.Failed != 1 {
		t.Fatalf("unexpected reconcile result %+v", result)
	}
	if units := harness.balance(t, 1); units != 5 {
		t.Fatalf("expected settled units, got %d", units)
	}
	if len(harness.notifier.settled) != 1 {
		t.Fatalf("expected one settlement notification, got %d", len(harness.notifier.settled))
	}

	stats, err := harness.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PayingUsers != 1 || stats.CompletedPayments != 1 || stats.PendingPayments != 1 || stats.IncomeMinor != 9900 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestGatewayStatusErrorsSurface(t *testing.T) {
	gateway := newFakeGateway()
	harness := newHarness(t, gateway)
	ctx := context.Background()

	if _, err := harness.service.Initiate(ctx, 6, TariffGenerate); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	gateway.statusErr = errors.New("timeout")
	if _, err := harness.service.ConfirmLatest(ctx, 6); !errors.Is(err, ErrGatewayFailed) {
		t.Fatalf("expected gateway failure, got %v", err)
	}
}

func TestFormatAmount(t *testing.T) {
	testCases := map[int64]string{0: "0.00", 2900: "29.00", 9905: "99.05", -150: "-1.50"}
	for amount, expected := range testCases {
		if got := FormatAmount(amount); got != expected {
			t.Fatalf("FormatAmount(%d) = %q, expected %q", amount, got, expected)
		}
	}
}
