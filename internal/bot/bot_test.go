package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/imageapi"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/users"
)

const (
	testUserID  = int64(42)
	testAdminID = int64(7)
)

type sentText struct {
	chatID int64
	text   string
	markup Markup
}

type sentPhoto struct {
	chatID  int64
	path    string
	caption string
}

type fakeMessenger struct {
	mu          sync.Mutex
	texts       []sentText
	photos      []sentPhoto
	download    []byte
	downloadErr error
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string, markup Markup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, sentText{chatID: chatID, text: text, markup: markup})
	return nil
}

func (m *fakeMessenger) SendPhoto(_ context.Context, chatID int64, path string, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos = append(m.photos, sentPhoto{chatID: chatID, path: path, caption: caption})
	return nil
}

func (m *fakeMessenger) DownloadFile(context.Context, string) ([]byte, error) {
	return m.download, m.downloadErr
}

func (m *fakeMessenger) last(t *testing.T) sentText {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		t.Fatalf("expected a message to be sent")
	}
	return m.texts[len(m.texts)-1]
}

type fakeLedger struct {
	balance int64
	account ledger.Account
}

func (l *fakeLedger) BalanceOf(context.Context, int64) (int64, error) { return l.balance, nil }
func (l *fakeLedger) Account(context.Context, int64, int) (ledger.Account, error) {
	return l.account, nil
}

type fakeOrchestrator struct {
	ledger       *fakeLedger
	generateReqs []generation.GenerateRequest
	editReqs     []generation.EditRequest
	generateErr  error
	editErr      error
	reserveErr   error
	cancelled    []generation.Reservation
	open         map[string]generation.Reservation
}

func newFakeOrchestrator(ledger *fakeLedger) *fakeOrchestrator {
	return &fakeOrchestrator{ledger: ledger, open: make(map[string]generation.Reservation)}
}

func (o *fakeOrchestrator) Generate(ctx context.Context, request generation.GenerateRequest) (generation.Result, error) {
	o.generateReqs = append(o.generateReqs, request)
	if o.generateErr != nil {
		return generation.Result{}, o.generateErr
	}
	items := make([]generation.ItemResult, 0, len(request.Prompts))
	for index, prompt := range request.Prompts {
		path := "/tmp/generated_" + prompt + ".png"
		items = append(items, generation.ItemResult{Index: index, Prompt: prompt, Files: []generation.File{{Path: path}}})
		_ = request.Delivery.DeliverArtifact(ctx, generation.Artifact{Path: path, Caption: generation.Caption(prompt, false, 1, 1)})
	}
	o.ledger.balance -= int64(len(items))
	return generation.Result{Items: items, Produced: len(items)}, nil
}

func (o *fakeOrchestrator) Edit(_ context.Context, request generation.EditRequest) (generation.Result, error) {
	o.editReqs = append(o.editReqs, request)
	delete(o.open, request.Reservation.ID)
	if o.editErr != nil {
		o.ledger.balance += request.Reservation.Units
		return generation.Result{}, o.editErr
	}
	item := generation.ItemResult{Prompt: request.Prompt, Files: []generation.File{{Path: "/tmp/edited.png", Transient: true}}}
	return generation.Result{Items: []generation.ItemResult{item}, Produced: 1}, nil
}

func (o *fakeOrchestrator) Reserve(_ context.Context, userID int64, units int64) (generation.Reservation, error) {
	if o.reserveErr != nil {
		return generation.Reservation{}, o.reserveErr
	}
	o.ledger.balance -= units
	reservation := generation.Reservation{ID: "res-1", UserID: userID, Units: units}
	o.open[reservation.ID] = reservation
	return reservation, nil
}

func (o *fakeOrchestrator) Cancel(_ context.Context, reservation generation.Reservation) (int64, error) {
	held, ok := o.open[reservation.ID]
	if !ok {
		return 0, &generation.Failure{Kind: generation.FailureValidation, Err: generation.ErrUnknownReservation}
	}
	delete(o.open, reservation.ID)
	o.cancelled = append(o.cancelled, held)
	o.ledger.balance += held.Units
	return held.Units, nil
}

func (o *fakeOrchestrator) BatchLimit() int      { return 3 }
func (o *fakeOrchestrator) MaxPromptLength() int { return 50 }

type fakePayments struct {
	checkout     payments.Checkout
	initiateErr  error
	confirmation payments.Confirmation
}

func (p *fakePayments) Initiate(_ context.Context, _ int64, tariffCode string) (payments.Checkout, error) {
	if p.initiateErr != nil {
		return payments.Checkout{}, p.initiateErr
	}
	checkout := p.checkout
	checkout.Tariff, _ = payments.LookupTariff(tariffCode)
	return checkout, nil
}

func (p *fakePayments) ConfirmLatest(context.Context, int64) (payments.Confirmation, error) {
	return p.confirmation, nil
}

type fakeUsage struct{}

func (fakeUsage) Get(context.Context, int64) (artifacts.UsageCounter, error) {
	return artifacts.UsageCounter{RequestsCount: 2, TotalImages: 5, LastRequestSeconds: 1700000000}, nil
}

type fakeCache struct{}

func (fakeCache) Count(context.Context) (int64, error) { return 11, nil }

type fakeUsers struct {
	touched []users.Profile
}

func (u *fakeUsers) Touch(_ context.Context, profile users.Profile) error {
	u.touched = append(u.touched, profile)
	return nil
}

type fakeUploads struct {
	saved   [][]byte
	removed []string
	saveErr error
}

func (u *fakeUploads) SaveTransient(_ artifacts.Kind, payload []byte) (string, error) {
	if u.saveErr != nil {
		return "", u.saveErr
	}
	u.saved = append(u.saved, payload)
	return "/tmp/upload.png", nil
}

func (u *fakeUploads) Remove(path string) error {
	u.removed = append(u.removed, path)
	return nil
}

type fakeReports struct{}

func (fakeReports) Collect(context.Context) (stats.Report, error) {
	return stats.Report{KnownUsers: 9, Requests: 4, Images: 4, QueueCapacity: 3, IncomeMinor: 9900}, nil
}

type harness struct {
	bot          *Bot
	messenger    *fakeMessenger
	ledger       *fakeLedger
	orchestrator *fakeOrchestrator
	payments     *fakePayments
	users        *fakeUsers
	uploads      *fakeUploads
	sessions     *sessions.MemoryStore
}

func newHarness(t *testing.T, balance int64) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{},
		ledger:    &fakeLedger{balance: balance},
		payments:  &fakePayments{},
		users:     &fakeUsers{},
		uploads:   &fakeUploads{},
		sessions:  sessions.NewMemoryStore(time.Hour, nil),
	}
	h.orchestrator = newFakeOrchestrator(h.ledger)
	bot, err := New(Config{
		Messenger:    h.messenger,
		Ledger:       h.ledger,
		Orchestrator: h.orchestrator,
		Payments:     h.payments,
		Usage:        fakeUsage{},
		Cache:        fakeCache{},
		Users:        h.users,
		Sessions:     h.sessions,
		Uploads:      h.uploads,
		Reports:      fakeReports{},
		AdminUserID:  testAdminID,
	})
	if err != nil {
		t.Fatalf("failed to construct bot: %v", err)
	}
	h.bot = bot
	return h
}

func (h *harness) send(t *testing.T, text string) {
	t.Helper()
	if err := h.bot.HandleUpdate(context.Background(), Update{UserID: testUserID, ChatID: testUserID, FirstName: "Ada", Text: text}); err != nil {
		t.Fatalf("handle %q failed: %v", text, err)
	}
}

func (h *harness) state(t *testing.T) sessions.Session {
	t.Helper()
	session, err := h.sessions.Load(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	return session
}

func hasButton(markup Markup, label string) bool {
	for _, row := range markup.Rows {
		for _, button := range row {
			if button == label {
				return true
			}
		}
	}
	return false
}

func TestStartShowsMenuAndRecordsUser(t *testing.T) {
	h := newHarness(t, 0)
	h.send(t, "/start")

	message := h.messenger.last(t)
	if !strings.Contains(message.text, "PixelMage Pro") || !hasButton(message.markup, ButtonCreate) {
		t.Fatalf("unexpected welcome: %+v", message)
	}
	if hasButton(message.markup, ButtonAdmin) {
		t.Fatalf("admin button shown to a regular user")
	}
	if len(h.users.touched) != 1 || h.users.touched[0].FirstName != "Ada" {
		t.Fatalf("expected profile to be recorded, got %+v", h.users.touched)
	}

	if err := h.bot.HandleUpdate(context.Background(), Update{UserID: testAdminID, Text: "/start"}); err != nil {
		t.Fatalf("admin start failed: %v", err)
	}
	if !hasButton(h.messenger.last(t).markup, ButtonAdmin) {
		t.Fatalf("expected admin button for the admin")
	}
}

func TestCreateRequiresBalance(t *testing.T) {
	h := newHarness(t, 0)
	h.send(t, ButtonCreate)

	if !strings.Contains(h.messenger.last(t).text, "Not enough images") {
		t.Fatalf("expected insufficient funds message, got %q", h.messenger.last(t).text)
	}
	if h.state(t).Current() != sessions.StateIdle {
		t.Fatalf("expected idle state")
	}
}

func TestSinglePromptGeneratesAndDelivers(t *testing.T) {
	h := newHarness(t, 4)
	h.send(t, ButtonCreate)
	if h.state(t).Current() != sessions.StateAwaitingPrompt {
		t.Fatalf("expected awaiting prompt state")
	}
	h.send(t, "cosmic cat")

	if len(h.orchestrator.generateReqs) != 1 || h.orchestrator.generateReqs[0].Prompts[0] != "cosmic cat" {
		t.Fatalf("unexpected generate requests: %+v", h.orchestrator.generateReqs)
	}
	if len(h.messenger.photos) != 1 || h.messenger.photos[0].caption != "✅ cosmic cat" {
		t.Fatalf("unexpected photos: %+v", h.messenger.photos)
	}
	summary := h.messenger.last(t)
	if !strings.Contains(summary.text, "Your balance:</b> 3 images") {
		t.Fatalf("unexpected summary: %q", summary.text)
	}
	if h.state(t).Current() != sessions.StateIdle {
		t.Fatalf("expected idle state after generation")
	}
}

func TestTooLongPromptKeepsState(t *testing.T) {
	h := newHarness(t, 4)
	h.send(t, ButtonCreate)
	h.send(t, strings.Repeat("x", 51))

	if len(h.orchestrator.generateReqs) != 0 {
		t.Fatalf("expected no generation for an invalid prompt")
	}
	if !strings.Contains(h.messenger.last(t).text, "too long") {
		t.Fatalf("unexpected reply: %q", h.messenger.last(t).text)
	}
	if h.state(t).Current() != sessions.StateAwaitingPrompt {
		t.Fatalf("expected the prompt state to be kept")
	}
}

func TestBatchIsTruncatedToLimit(t *testing.T) {
	h := newHarness(t, 10)
	h.send(t, ButtonBatch)
	h.send(t, "a; b; ; c; d; e")

	if len(h.orchestrator.generateReqs) != 1 {
		t.Fatalf("expected one generate call")
	}
	if got := h.orchestrator.generateReqs[0].Prompts; len(got) != 3 || got[2] != "c" {
		t.Fatalf("unexpected batch: %v", got)
	}
	found := false
	for _, message := range h.messenger.texts {
		if strings.Contains(message.text, "Only the first 3 prompts") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a truncation notice")
	}
	if !strings.Contains(h.messenger.last(t).text, "3/3 succeeded") {
		t.Fatalf("unexpected summary: %q", h.messenger.last(t).text)
	}
}

func TestGenerationFailureReportsRefund(t *testing.T) {
	h := newHarness(t, 4)
	h.orchestrator.generateErr = &generation.Failure{
		Kind:     generation.FailureExternal,
		Refunded: 1,
		Err:      &imageapi.APIError{Kind: imageapi.KindRateLimited, StatusCode: 429},
	}
	h.send(t, ButtonCreate)
	h.send(t, "cosmic cat")

	text := h.messenger.last(t).text
	if !strings.Contains(text, "Too many requests") || !strings.Contains(text, "1 images returned") {
		t.Fatalf("unexpected failure reply: %q", text)
	}
}

func TestQueueFullSaysNothingCharged(t *testing.T) {
	h := newHarness(t, 4)
	h.orchestrator.generateErr = &generation.Failure{Kind: generation.FailureQueueFull, Err: generation.ErrQueueFull}
	h.send(t, ButtonCreate)
	h.send(t, "cosmic cat")

	text := h.messenger.last(t).text
	if !strings.Contains(text, "queue is full") || !strings.Contains(text, "No images were charged") {
		t.Fatalf("unexpected reply: %q", text)
	}
}

func TestEditFlowReservesAndSpends(t *testing.T) {
	h := newHarness(t, 2)
	h.messenger.download = []byte("photo")
	h.send(t, ButtonEdit)
	if err := h.bot.HandleUpdate(context.Background(), Update{UserID: testUserID, ChatID: testUserID, PhotoFileID: "file-1"}); err != nil {
		t.Fatalf("photo failed: %v", err)
	}
	session := h.state(t)
	if session.Current() != sessions.StateAwaitingEditPrompt || session.Reservation == nil || session.PhotoPath != "/tmp/upload.png" {
		t.Fatalf("unexpected session after photo: %+v", session)
	}
	if h.ledger.balance != 1 {
		t.Fatalf("expected one unit reserved, balance %d", h.ledger.balance)
	}

	h.send(t, "change the background to a beach")
	if len(h.orchestrator.editReqs) != 1 || h.orchestrator.editReqs[0].SourcePath != "/tmp/upload.png" {
		t.Fatalf("unexpected edit requests: %+v", h.orchestrator.editReqs)
	}
	if len(h.uploads.removed) != 1 {
		t.Fatalf("expected the upload to be removed, got %v", h.uploads.removed)
	}
	if h.state(t).Current() != sessions.StateIdle {
		t.Fatalf("expected idle after edit")
	}
}

func TestBackDuringEditRefundsReservation(t *testing.T) {
	h := newHarness(t, 1)
	h.messenger.download = []byte("photo")
	h.send(t, ButtonEdit)
	if err := h.bot.HandleUpdate(context.Background(), Update{UserID: testUserID, PhotoFileID: "file-1"}); err != nil {
		t.Fatalf("photo failed: %v", err)
	}
	h.send(t, ButtonBack)

	if len(h.orchestrator.cancelled) != 1 || h.ledger.balance != 1 {
		t.Fatalf("expected the reservation to be refunded, cancelled=%v balance=%d", h.orchestrator.cancelled, h.ledger.balance)
	}
	if !strings.Contains(h.messenger.last(t).text, "1 images returned") {
		t.Fatalf("unexpected reply: %q", h.messenger.last(t).text)
	}
	if h.state(t).Current() != sessions.StateIdle || len(h.uploads.removed) != 1 {
		t.Fatalf("expected idle state and removed upload")
	}
}

func TestPhotoWithoutBalanceIsRejected(t *testing.T) {
	h := newHarness(t, 1)
	h.messenger.download = []byte("photo")
	h.send(t, ButtonEdit)
	h.orchestrator.reserveErr = &generation.Failure{Kind: generation.FailureInsufficientFunds, Err: ledger.ErrInsufficientFunds}
	if err := h.bot.HandleUpdate(context.Background(), Update{UserID: testUserID, PhotoFileID: "file-1"}); err != nil {
		t.Fatalf("photo failed: %v", err)
	}
	if !strings.Contains(h.messenger.last(t).text, "Not enough images") {
		t.Fatalf("unexpected reply: %q", h.messenger.last(t).text)
	}
	if len(h.uploads.removed) != 1 || h.state(t).Current() != sessions.StateIdle {
		t.Fatalf("expected upload removal and idle state")
	}
}

func TestTariffButtonStartsCheckout(t *testing.T) {
	h := newHarness(t, 0)
	h.payments.checkout = payments.Checkout{ConfirmationURL: "https://pay.example/1"}
	h.send(t, tariffButtonFor(payments.TariffPack5))

	message := h.messenger.last(t)
	if !strings.Contains(message.text, "https://pay.example/1") || !hasButton(message.markup, ButtonPaid) {
		t.Fatalf("unexpected checkout reply: %+v", message)
	}
	if session := h.state(t); session.Current() != sessions.StateAwaitingPayment || session.TariffCode != payments.TariffPack5 {
		t.Fatalf("unexpected session: %+v", session)
	}

	h.payments.confirmation = payments.Confirmation{Outcome: payments.OutcomePending}
	h.send(t, ButtonPaid)
	if h.state(t).Current() != sessions.StateAwaitingPayment {
		t.Fatalf("pending payment should keep the payment state")
	}

	h.ledger.balance = 5
	h.payments.confirmation = payments.Confirmation{Outcome: payments.OutcomeCompleted, Payment: payments.Record{Units: 5}, Credited: true}
	h.send(t, ButtonPaid)
	if !strings.Contains(h.messenger.last(t).text, "Payment confirmed") {
		t.Fatalf("unexpected reply: %q", h.messenger.last(t).text)
	}
	if h.state(t).Current() != sessions.StateIdle {
		t.Fatalf("expected idle after a completed payment")
	}
}

func TestTestModeCheckoutReturnsToMenu(t *testing.T) {
	h := newHarness(t, 0)
	h.payments.checkout = payments.Checkout{TestMode: true}
	h.send(t, tariffButtonFor(payments.TariffGenerate))

	message := h.messenger.last(t)
	if !strings.Contains(message.text, "TEST MODE") || !hasButton(message.markup, ButtonCreate) {
		t.Fatalf("unexpected reply: %+v", message)
	}
	if h.state(t).Current() != sessions.StateIdle {
		t.Fatalf("test checkout should not wait for payment")
	}
}

func TestAdminReportIsRestricted(t *testing.T) {
	h := newHarness(t, 0)
	h.send(t, "/admin")
	if !strings.Contains(h.messenger.last(t).text, "Access denied") {
		t.Fatalf("expected access denied, got %q", h.messenger.last(t).text)
	}
	if err := h.bot.HandleUpdate(context.Background(), Update{UserID: testAdminID, Text: ButtonAdmin}); err != nil {
		t.Fatalf("admin failed: %v", err)
	}
	if text := h.messenger.last(t).text; !strings.Contains(text, "ADMIN PANEL") || !strings.Contains(text, "Income: 99.00 RUB") {
		t.Fatalf("unexpected admin report: %q", text)
	}
}

func TestUnknownTextShowsHint(t *testing.T) {
	h := newHarness(t, 0)
	h.send(t, "hello there")
	if !strings.Contains(h.messenger.last(t).text, "did not understand") {
		t.Fatalf("unexpected reply: %q", h.messenger.last(t).text)
	}
}

func TestPaymentSettledNotifiesPayer(t *testing.T) {
	h := newHarness(t, 15)
	h.bot.PaymentSettled(context.Background(), payments.Record{ID: "p1", UserID: testUserID, Units: 15})
	message := h.messenger.last(t)
	if message.chatID != testUserID || !strings.Contains(message.text, "Credited:</b> 15 images") {
		t.Fatalf("unexpected notification: %+v", message)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingDependency) {
		t.Fatalf("expected missing dependency error, got %v", err)
	}
}

func TestUserLocksSerializeAndForget(t *testing.T) {
	locks := newUserLocks()
	unlock := locks.lock(1)
	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		release := locks.lock(1)
		close(acquired)
		release()
		close(released)
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired the lock early")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-released

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Fatalf("expected lock entries to be forgotten, got %d", len(locks.locks))
	}
}
