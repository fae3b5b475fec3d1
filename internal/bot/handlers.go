package bot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/prompts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/sessions"
)

func (b *Bot) delivery(chatID int64) generation.Delivery {
	return generation.DeliveryFunc(func(ctx context.Context, artifact generation.Artifact) error {
		return b.messenger.SendPhoto(ctx, chatID, artifact.Path, artifact.Caption)
	})
}

func (b *Bot) generateBatch(ctx context.Context, update Update, session sessions.Session, text string) error {
	batch, err := prompts.ParseBatch(text, b.orchestrator.BatchLimit())
	if err != nil {
		b.reply(ctx, update.ChatID, "⚠️ Please enter at least one prompt", cancelMenu())
		return nil
	}
	if batch.Truncated {
		b.reply(ctx, update.ChatID, truncatedText(b.orchestrator.BatchLimit()), Markup{})
	}
	return b.generate(ctx, update, session, batch.Prompts, true)
}

func (b *Bot) generate(ctx context.Context, update Update, session sessions.Session, batch []string, isBatch bool) error {
	if err := prompts.ValidateAll(batch, b.orchestrator.MaxPromptLength()); err != nil {
		b.reply(ctx, update.ChatID, validationText(err), cancelMenu())
		return nil
	}
	if isBatch {
		b.reply(ctx, update.ChatID, batchProgressText(batch), removeKeyboard())
	} else {
		b.reply(ctx, update.ChatID, generatingText(batch[0]), removeKeyboard())
	}

	result, err := b.orchestrator.Generate(ctx, generation.GenerateRequest{
		UserID:   update.UserID,
		Prompts:  batch,
		Delivery: b.delivery(update.ChatID),
	})
	if clearErr := b.sessions.Clear(ctx, update.UserID); clearErr != nil {
		b.logError(opGenerate, "session_clear_failed", clearErr, zap.Int64("user_id", update.UserID))
	}
	if err != nil {
		return b.replyFailure(ctx, update, err, int64(len(batch)))
	}
	balance, err := b.ledger.BalanceOf(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: balance: %w", err)
	}
	b.reply(ctx, update.ChatID, summaryText(result, isBatch, balance), b.mainMenu(update.UserID))
	return nil
}

func (b *Bot) handlePhoto(ctx context.Context, update Update, session sessions.Session) error {
	payload, err := b.messenger.DownloadFile(ctx, update.PhotoFileID)
	if err != nil {
		b.logError(opPhoto, "download_failed", err, zap.Int64("user_id", update.UserID))
		b.reply(ctx, update.ChatID, "❌ Could not download the photo. Please send it again.", cancelMenu())
		return nil
	}
	path, err := b.uploads.SaveTransient(artifacts.KindUpload, payload)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotImage) || errors.Is(err, artifacts.ErrEmptyArtifact) {
			b.reply(ctx, update.ChatID, textPhotoExpected, cancelMenu())
			return nil
		}
		return fmt.Errorf("bot: save upload: %w", err)
	}

	reservation, err := b.orchestrator.Reserve(ctx, update.UserID, 1)
	if err != nil {
		b.removeUpload(path)
		if clearErr := b.sessions.Clear(ctx, update.UserID); clearErr != nil {
			b.logError(opPhoto, "session_clear_failed", clearErr, zap.Int64("user_id", update.UserID))
		}
		return b.replyFailure(ctx, update, err, 1)
	}
	session = sessions.Session{
		State:       sessions.StateAwaitingEditPrompt,
		Reservation: &reservation,
		PhotoPath:   path,
	}
	if err := b.sessions.Save(ctx, update.UserID, session); err != nil {
		if _, cancelErr := b.orchestrator.Cancel(ctx, reservation); cancelErr != nil {
			b.logError(opPhoto, "cancel_failed", cancelErr, zap.Int64("user_id", update.UserID))
		}
		b.removeUpload(path)
		return fmt.Errorf("bot: save session: %w", err)
	}
	b.reply(ctx, update.ChatID, textEditPrompt, cancelMenu())
	return nil
}

func (b *Bot) edit(ctx context.Context, update Update, session sessions.Session, instruction string) error {
	if session.Reservation == nil || session.PhotoPath == "" {
		if _, err := b.reset(ctx, update.UserID, session); err != nil {
			return err
		}
		b.reply(ctx, update.ChatID, validationText(generation.ErrUnknownReservation), b.mainMenu(update.UserID))
		return nil
	}
	if _, err := prompts.Validate(instruction, b.orchestrator.MaxPromptLength()); err != nil {
		b.reply(ctx, update.ChatID, validationText(err), cancelMenu())
		return nil
	}
	b.reply(ctx, update.ChatID, editingText(instruction), removeKeyboard())

	result, err := b.orchestrator.Edit(ctx, generation.EditRequest{
		Reservation: *session.Reservation,
		SourcePath:  session.PhotoPath,
		Prompt:      instruction,
		Delivery:    b.delivery(update.ChatID),
	})
	b.removeUpload(session.PhotoPath)
	if clearErr := b.sessions.Clear(ctx, update.UserID); clearErr != nil {
		b.logError(opEdit, "session_clear_failed", clearErr, zap.Int64("user_id", update.UserID))
	}
	if err != nil {
		return b.replyFailure(ctx, update, err, session.Reservation.Units)
	}
	balance, err := b.ledger.BalanceOf(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: balance: %w", err)
	}
	b.reply(ctx, update.ChatID, summaryText(result, false, balance), b.mainMenu(update.UserID))
	return nil
}

// replyFailure reports a failed job. Only internal failures surface as errors.
func (b *Bot) replyFailure(ctx context.Context, update Update, err error, needed int64) error {
	if generation.KindOf(err) == generation.FailureInsufficientFunds {
		balance, balanceErr := b.ledger.BalanceOf(ctx, update.UserID)
		if balanceErr != nil {
			return fmt.Errorf("bot: balance: %w", balanceErr)
		}
		b.reply(ctx, update.ChatID, insufficientText(balance, needed), b.mainMenu(update.UserID))
		return nil
	}
	if generation.KindOf(err) == generation.FailureInternal {
		b.logError(opGenerate, "job_failed", err, zap.Int64("user_id", update.UserID))
	}
	b.reply(ctx, update.ChatID, failureText(err), b.mainMenu(update.UserID))
	return nil
}

func (b *Bot) showPrices(ctx context.Context, update Update) error {
	balance, err := b.ledger.BalanceOf(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: balance: %w", err)
	}
	b.reply(ctx, update.ChatID, pricesText(balance), tariffMenu())
	return nil
}

func (b *Bot) showBalance(ctx context.Context, update Update) error {
	account, err := b.ledger.Account(ctx, update.UserID, historyEntries)
	if err != nil {
		return fmt.Errorf("bot: account: %w", err)
	}
	b.reply(ctx, update.ChatID, balanceText(account), tariffMenu())
	return nil
}

func (b *Bot) showStats(ctx context.Context, update Update) error {
	balance, err := b.ledger.BalanceOf(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: balance: %w", err)
	}
	counter, err := b.usage.Get(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: usage: %w", err)
	}
	cached, err := b.cache.Count(ctx)
	if err != nil {
		return fmt.Errorf("bot: cache count: %w", err)
	}
	b.reply(ctx, update.ChatID, userStatsText(balance, counter, cached), b.mainMenu(update.UserID))
	return nil
}

func (b *Bot) showAdmin(ctx context.Context, update Update) error {
	if !b.isAdmin(update.UserID) {
		b.reply(ctx, update.ChatID, "⛔ Access denied", b.mainMenu(update.UserID))
		return nil
	}
	report, err := b.reports.Collect(ctx)
	if err != nil {
		return fmt.Errorf("bot: admin report: %w", err)
	}
	b.reply(ctx, update.ChatID, adminText(report), b.mainMenu(update.UserID))
	return nil
}

func (b *Bot) startPayment(ctx context.Context, update Update, tariffCode string) error {
	checkout, err := b.payments.Initiate(ctx, update.UserID, tariffCode)
	if err != nil {
		b.logError(opPayment, "initiate_failed", err, zap.Int64("user_id", update.UserID), zap.String("tariff", tariffCode))
		b.reply(ctx, update.ChatID, "❌ Could not create the payment. Please try again later.", tariffMenu())
		return nil
	}
	if checkout.TestMode {
		b.reply(ctx, update.ChatID, checkoutText(checkout), b.mainMenu(update.UserID))
		return nil
	}
	session := sessions.Session{State: sessions.StateAwaitingPayment, TariffCode: tariffCode}
	if err := b.sessions.Save(ctx, update.UserID, session); err != nil {
		return fmt.Errorf("bot: save session: %w", err)
	}
	b.reply(ctx, update.ChatID, checkoutText(checkout), paymentMenu())
	return nil
}

func (b *Bot) confirmPayment(ctx context.Context, update Update, session sessions.Session) error {
	confirmation, err := b.payments.ConfirmLatest(ctx, update.UserID)
	if err != nil {
		b.logError(opPayment, "confirm_failed", err, zap.Int64("user_id", update.UserID))
		b.reply(ctx, update.ChatID, "❌ Could not check the payment. Please try again in a minute.", paymentMenu())
		return nil
	}
	balance, err := b.ledger.BalanceOf(ctx, update.UserID)
	if err != nil {
		return fmt.Errorf("bot: balance: %w", err)
	}
	if confirmation.Outcome == payments.OutcomePending {
		b.reply(ctx, update.ChatID, confirmationText(confirmation, balance), paymentMenu())
		return nil
	}
	if session.Current() == sessions.StateAwaitingPayment {
		if err := b.sessions.Clear(ctx, update.UserID); err != nil {
			return fmt.Errorf("bot: clear session: %w", err)
		}
	}
	b.reply(ctx, update.ChatID, confirmationText(confirmation, balance), b.mainMenu(update.UserID))
	return nil
}
