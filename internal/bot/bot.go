// Package bot implements the chat conversation: menus, per-user state and
// the hand-off to the generation and payment services.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/users"
)

const (
	opHandle   = "bot.handle"
	opReset    = "bot.reset"
	opNotify   = "bot.notify"
	opGenerate = "bot.generate"
	opEdit     = "bot.edit"
	opPhoto    = "bot.photo"
	opPayment  = "bot.payment"
)

var errMissingDependency = errors.New("bot: missing dependency")

// Ledger reads balances.
type Ledger interface {
	BalanceOf(ctx context.Context, userID int64) (int64, error)
	Account(ctx context.Context, userID int64, historyLimit int) (ledger.Account, error)
}

// Orchestrator runs paid generation jobs.
type Orchestrator interface {
	Generate(ctx context.Context, request generation.GenerateRequest) (generation.Result, error)
	Edit(ctx context.Context, request generation.EditRequest) (generation.Result, error)
	Reserve(ctx context.Context, userID int64, units int64) (generation.Reservation, error)
	Cancel(ctx context.Context, reservation generation.Reservation) (int64, error)
	BatchLimit() int
	MaxPromptLength() int
}

// Payments starts and confirms checkouts.
type Payments interface {
	Initiate(ctx context.Context, userID int64, tariffCode string) (payments.Checkout, error)
	ConfirmLatest(ctx context.Context, userID int64) (payments.Confirmation, error)
}

// Usage reads per-user counters.
type Usage interface {
	Get(ctx context.Context, userID int64) (artifacts.UsageCounter, error)
}

// Cache counts cached artifacts.
type Cache interface {
	Count(ctx context.Context) (int64, error)
}

// Users records who talked to the bot.
type Users interface {
	Touch(ctx context.Context, profile users.Profile) error
}

// Uploads stores photos sent for editing.
type Uploads interface {
	SaveTransient(kind artifacts.Kind, payload []byte) (string, error)
	Remove(path string) error
}

// Reports builds the operator summary.
type Reports interface {
	Collect(ctx context.Context) (stats.Report, error)
}

// Config wires the bot to its collaborators.
type Config struct {
	Messenger    Messenger
	Ledger       Ledger
	Orchestrator Orchestrator
	Payments     Payments
	Usage        Usage
	Cache        Cache
	Users        Users
	Sessions     sessions.Store
	Uploads      Uploads
	Reports      Reports
	AdminUserID  int64
	Logger       *zap.Logger
}

// Bot routes updates. Updates of one user are handled one at a time;
// different users proceed concurrently.
type Bot struct {
	messenger    Messenger
	ledger       Ledger
	orchestrator Orchestrator
	payments     Payments
	usage        Usage
	cache        Cache
	users        Users
	sessions     sessions.Store
	uploads      Uploads
	reports      Reports
	adminUserID  int64
	logger       *zap.Logger
	locks        *userLocks
}

// New validates the configuration.
func New(cfg Config) (*Bot, error) {
	switch {
	case cfg.Messenger == nil:
		return nil, fmt.Errorf("%w: messenger", errMissingDependency)
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", errMissingDependency)
	case cfg.Orchestrator == nil:
		return nil, fmt.Errorf("%w: orchestrator", errMissingDependency)
	case cfg.Payments == nil:
		return nil, fmt.Errorf("%w: payments", errMissingDependency)
	case cfg.Usage == nil:
		return nil, fmt.Errorf("%w: usage", errMissingDependency)
	case cfg.Cache == nil:
		return nil, fmt.Errorf("%w: cache", errMissingDependency)
	case cfg.Users == nil:
		return nil, fmt.Errorf("%w: users", errMissingDependency)
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("%w: sessions", errMissingDependency)
	case cfg.Uploads == nil:
		return nil, fmt.Errorf("%w: uploads", errMissingDependency)
	case cfg.Reports == nil:
		return nil, fmt.Errorf("%w: reports", errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		messenger:    cfg.Messenger,
		ledger:       cfg.Ledger,
		orchestrator: cfg.Orchestrator,
		payments:     cfg.Payments,
		usage:        cfg.Usage,
		cache:        cfg.Cache,
		users:        cfg.Users,
		sessions:     cfg.Sessions,
		uploads:      cfg.Uploads,
		reports:      cfg.Reports,
		adminUserID:  cfg.AdminUserID,
		logger:       logger,
		locks:        newUserLocks(),
	}, nil
}

// HandleUpdate processes one inbound message. The returned error reports
// infrastructure failures; the user has already been told something went wrong.
func (b *Bot) HandleUpdate(ctx context.Context, update Update) error {
	if update.UserID == 0 {
		return nil
	}
	if update.ChatID == 0 {
		update.ChatID = update.UserID
	}
	unlock := b.locks.lock(update.UserID)
	defer unlock()

	if err := b.users.Touch(ctx, users.Profile{
		UserID:    update.UserID,
		Username:  update.Username,
		FirstName: update.FirstName,
	}); err != nil {
		b.logError(opHandle, "touch_failed", err, zap.Int64("user_id", update.UserID))
	}

	session, err := b.sessions.Load(ctx, update.UserID)
	if err != nil {
		b.logError(opHandle, "session_load_failed", err, zap.Int64("user_id", update.UserID))
		b.reply(ctx, update.ChatID, "❌ <b>System error.</b> Please try again.", b.mainMenu(update.UserID))
		return err
	}
	if err := b.route(ctx, update, session); err != nil {
		b.logError(opHandle, "route_failed", err, zap.Int64("user_id", update.UserID), zap.String("state", string(session.Current())))
		b.reply(ctx, update.ChatID, "❌ <b>System error.</b> Please try again.", b.mainMenu(update.UserID))
		return err
	}
	return nil
}

// PaymentSettled tells the payer about units credited outside a chat interaction.
func (b *Bot) PaymentSettled(ctx context.Context, record payments.Record) {
	balance, err := b.ledger.BalanceOf(ctx, record.UserID)
	if err != nil {
		b.logError(opNotify, "balance_failed", err, zap.Int64("user_id", record.UserID))
		return
	}
	if err := b.messenger.SendText(ctx, record.UserID, settledText(record, balance), Markup{}); err != nil {
		b.logError(opNotify, "send_failed", err, zap.Int64("user_id", record.UserID), zap.String("payment_id", record.ID))
	}
}

func (b *Bot) route(ctx context.Context, update Update, session sessions.Session) error {
	if update.PhotoFileID != "" {
		if session.Current() == sessions.StateAwaitingPhoto {
			return b.handlePhoto(ctx, update, session)
		}
		b.reply(ctx, update.ChatID, textUseButtons, Markup{})
		return nil
	}

	text := strings.TrimSpace(update.Text)
	switch text {
	case "/start", ButtonStart:
		if _, err := b.reset(ctx, update.UserID, session); err != nil {
			return err
		}
		b.reply(ctx, update.ChatID, welcomeText(b.orchestrator.BatchLimit()), b.mainMenu(update.UserID))
		return nil
	case ButtonBack:
		refunded, err := b.reset(ctx, update.UserID, session)
		if err != nil {
			return err
		}
		message := textBackToMenu
		if refunded > 0 {
			message += "\n" + refundLine(refunded)
		}
		b.reply(ctx, update.ChatID, message, b.mainMenu(update.UserID))
		return nil
	case "/help", ButtonHelp:
		return b.navigate(ctx, update, session, func() error {
			b.reply(ctx, update.ChatID, helpText(b.orchestrator.BatchLimit(), b.orchestrator.MaxPromptLength()), b.mainMenu(update.UserID))
			return nil
		})
	case "/price", "/prices", ButtonPrices:
		return b.navigate(ctx, update, session, func() error { return b.showPrices(ctx, update) })
	case "/balance", ButtonMyBalance:
		return b.navigate(ctx, update, session, func() error { return b.showBalance(ctx, update) })
	case "/stats", ButtonStats:
		return b.navigate(ctx, update, session, func() error { return b.showStats(ctx, update) })
	case "/admin", ButtonAdmin:
		return b.navigate(ctx, update, session, func() error { return b.showAdmin(ctx, update) })
	case "/generate", ButtonCreate:
		return b.navigate(ctx, update, session, func() error {
			return b.enter(ctx, update, sessions.StateAwaitingPrompt, textPromptRequest)
		})
	case "/batch", ButtonBatch:
		return b.navigate(ctx, update, session, func() error {
			return b.enter(ctx, update, sessions.StateAwaitingBatch, batchRequestText(b.orchestrator.BatchLimit()))
		})
	case "/edit", ButtonEdit:
		return b.navigate(ctx, update, session, func() error {
			return b.enter(ctx, update, sessions.StateAwaitingPhoto, textPhotoRequest)
		})
	case ButtonPaid, ButtonCheckPayment:
		return b.confirmPayment(ctx, update, session)
	}
	if tariffCode, ok := tariffButtons[text]; ok {
		return b.navigate(ctx, update, session, func() error { return b.startPayment(ctx, update, tariffCode) })
	}

	switch session.Current() {
	case sessions.StateAwaitingPrompt:
		return b.generate(ctx, update, session, []string{text}, false)
	case sessions.StateAwaitingBatch:
		return b.generateBatch(ctx, update, session, text)
	case sessions.StateAwaitingPhoto:
		b.reply(ctx, update.ChatID, textPhotoExpected, cancelMenu())
		return nil
	case sessions.StateAwaitingEditPrompt:
		return b.edit(ctx, update, session, text)
	case sessions.StateAwaitingPayment:
		b.reply(ctx, update.ChatID, textPaymentHint, paymentMenu())
		return nil
	default:
		b.reply(ctx, update.ChatID, textUnknownCommand, b.mainMenu(update.UserID))
		return nil
	}
}

// navigate abandons the current step before running a menu action.
func (b *Bot) navigate(ctx context.Context, update Update, session sessions.Session, action func() error) error {
	if _, err := b.reset(ctx, update.UserID, session); err != nil {
		return err
	}
	return action()
}

// reset returns the user to idle, refunding an open reservation and removing
// an uploaded photo.
func (b *Bot) reset(ctx context.Context, userID int64, session sessions.Session) (int64, error) {
	var refunded int64
	if session.Reservation != nil {
		units, err := b.orchestrator.Cancel(ctx, *session.Reservation)
		switch {
		case err == nil:
			refunded = units
		case errors.Is(err, generation.ErrUnknownReservation):
			// already spent or expired
		default:
			b.logError(opReset, "cancel_failed", err, zap.Int64("user_id", userID), zap.String("reservation_id", session.Reservation.ID))
		}
	}
	b.removeUpload(session.PhotoPath)
	if session.Current() == sessions.StateIdle && session.Reservation == nil {
		return refunded, nil
	}
	if err := b.sessions.Clear(ctx, userID); err != nil {
		return refunded, fmt.Errorf("bot: clear session: %w", err)
	}
	return refunded, nil
}

func (b *Bot) enter(ctx context.Context, update Update, state sessions.State, prompt string) error {
	balance, err := b.ledger.BalanceOf(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: balance: %w", err)
	}
	if balance < 1 {
		b.reply(ctx, update.ChatID, insufficientText(balance, 1), b.mainMenu(update.UserID))
		return nil
	}
	if err := b.sessions.Save(ctx, update.UserID, sessions.Session{State: state}); err != nil {
		return fmt.Errorf("bot: save session: %w", err)
	}
	b.reply(ctx, update.ChatID, prompt, cancelMenu())
	return nil
}

func (b *Bot) removeUpload(path string) {
	if path == "" {
		return
	}
	if err := b.uploads.Remove(path); err != nil {
		b.logError(opReset, "remove_upload_failed", err, zap.String("path", path))
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.adminUserID != 0 && userID == b.adminUserID
}

// reply sends a message; a send failure is logged because there is nobody
// left to tell.
func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup Markup) {
	if err := b.messenger.SendText(ctx, chatID, text, markup); err != nil {
		b.logError(opHandle, "send_failed", err, zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	b.logger.Error("bot operation failed", allFields...)
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// userLocks hands out one mutex per user and forgets it when nobody holds it.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

func (l *userLocks) lock(userID int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &userLock{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
