// Package telegram connects the bot to the Telegram Bot API over long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/bot"
)

const (
	defaultSendsPerSecond = 25
	defaultSendBurst      = 5
	defaultHandlers       = 8
	defaultPollTimeout    = 30 * time.Second
	downloadLimitBytes    = 20 << 20
)

var errDownloadTooLarge = errors.New("telegram: file exceeds download limit")

// API is the subset of the Bot API client the adapter uses.
type API interface {
	Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handler consumes converted updates.
type Handler interface {
	HandleUpdate(ctx context.Context, update bot.Update) error
}

// Config describes the adapter.
type Config struct {
	API            API
	HTTPClient     *http.Client
	PollTimeout    time.Duration
	SendsPerSecond float64
	SendBurst      int
	Handlers       int
	PendingPerUser int
	Logger         *zap.Logger
}

// Adapter implements bot.Messenger and feeds polled updates to a Handler.
type Adapter struct {
	api         API
	httpClient  *http.Client
	pollTimeout time.Duration
	limiter     *rate.Limiter
	handlers    int
	pending     int
	logger      *zap.Logger
}

// NewBotAPI authenticates against the Bot API.
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	return api, nil
}

// NewAdapter validates the configuration and applies defaults.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("telegram: api client is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = defaultSendsPerSecond
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = defaultSendBurst
	}
	if cfg.Handlers <= 0 {
		cfg.Handlers = defaultHandlers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		api:         cfg.API,
		httpClient:  cfg.HTTPClient,
		pollTimeout: cfg.PollTimeout,
		limiter:     rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendBurst),
		handlers:    cfg.Handlers,
		pending:     cfg.PendingPerUser,
		logger:      cfg.Logger,
	}, nil
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
// Handlers keep running after cancellation so started jobs can settle.
// Updates of one user are handled in arrival order, one at a time.
func (a *Adapter) Run(ctx context.Context, handler Handler) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = int(a.pollTimeout / time.Second)
	updates := a.api.GetUpdatesChan(updateConfig)

	handlerCtx := context.WithoutCancel(ctx)
	pool := pond.NewPool(a.handlers)
	defer pool.StopAndWait()
	defer a.api.StopReceivingUpdates()

	dispatcher := newUserDispatcher(pool, a.pending, a.logger, func(update bot.Update) {
		if err := handler.HandleUpdate(handlerCtx, update); err != nil {
			a.logger.Warn("update handling failed", zap.Int64("user_id", update.UserID), zap.Error(err))
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-updates:
			if !ok {
				return nil
			}
			update, ok := convertUpdate(raw)
			if !ok {
				continue
			}
			dispatcher.dispatch(update)
		}
	}
}

// SendText sends an HTML message with an optional reply keyboard.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string, markup bot.Markup) error {
	message := tgbotapi.NewMessage(chatID, text)
	message.ParseMode = tgbotapi.ModeHTML
	message.DisableWebPagePreview = true
	if replyMarkup := convertMarkup(markup); replyMarkup != nil {
		message.ReplyMarkup = replyMarkup
	}
	return a.send(ctx, message)
}

// SendPhoto uploads a file from disk.
func (a *Adapter) SendPhoto(ctx context.Context, chatID int64, path string, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	photo.Caption = caption
	return a.send(ctx, photo)
}

// DownloadFile fetches a file sent by a user.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	fileURL, err := a.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve file: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build download request: %w", err)
	}
	response, err := a.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download: unexpected status %d", response.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(response.Body, downloadLimitBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: read download: %w", err)
	}
	if len(payload) > downloadLimitBytes {
		return nil, errDownloadTooLarge
	}
	return payload, nil
}

func (a *Adapter) send(ctx context.Context, chattable tgbotapi.Chattable) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: throttle: %w", err)
	}
	if _, err := a.api.Send(chattable); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func convertUpdate(raw tgbotapi.Update) (bot.Update, bool) {
	message := raw.Message
	if message == nil || message.From == nil || message.Chat == nil {
		return bot.Update{}, false
	}
	update := bot.Update{
		UserID:    message.From.ID,
		ChatID:    message.Chat.ID,
		Username:  message.From.UserName,
		FirstName: message.From.FirstName,
		Text:      message.Text,
	}
	if len(message.Photo) > 0 {
		// sizes are ordered smallest first
		update.PhotoFileID = message.Photo[len(message.Photo)-1].FileID
	}
	return update, true
}

func convertMarkup(markup bot.Markup) any {
	if markup.Remove {
		return tgbotapi.NewRemoveKeyboard(true)
	}
	if len(markup.Rows) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.KeyboardButton, 0, len(markup.Rows))
	for _, labels := range markup.Rows {
		buttons := make([]tgbotapi.KeyboardButton, 0, len(labels))
		for _, label := range labels {
			buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
	}
	keyboard := tgbotapi.NewReplyKeyboard(rows...)
	keyboard.ResizeKeyboard = true
	return keyboard
}
