package bot

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/imageapi"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/prompts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/stats"
)

const (
	previewRunes       = 30
	previewPrompts     = 3
	shownErrors        = 3
	historyEntries     = 5
	lowBalanceTip      = 3
	secondsPerPrompt   = 15
	dateLayout         = "2006-01-02 15:04"
	tipPackFive        = "\n\n💡 <b>Tip:</b> the 5 image pack for 99 RUB is the better deal!"
	textUnknownCommand = "🤖 I did not understand that. Use the buttons or commands!\n\n" +
		"Try:\n/start - restart the bot\n/help - show help\n/price - prices\n" +
		"Or pick an action from the menu below 👇"
	textUseButtons = "⚠️ Please use the buttons for the current action.\nOr press ⬅️ Back to return to the menu."
	textBackToMenu = "✅ Back to the main menu"
)

func welcomeText(batchLimit int) string {
	return "🎨 <b>PixelMage Pro</b>\n\n" +
		"<b>AI image generator with real payments</b>\n\n" +
		"<b>What it does:</b>\n" +
		"🎨 <b>Create</b> - one image from a prompt\n" +
		fmt.Sprintf("📝 <b>Prompt batch</b> - up to %d prompts, one image each\n", batchLimit) +
		"✏️ <b>Edit photo</b> - change the background, style or details of a photo\n\n" +
		"<i>💡 Every image uses one unit of your balance</i>\n" +
		"<i>💡 Top up through 💰 Prices & payment</i>\n\n" +
		"<b>💳 Payments through YooKassa:</b>\n" +
		"• Cards, SBP and YooMoney\n" +
		"• Units are credited as soon as the payment succeeds\n\n" +
		"<i>Choose an action below:</i>"
}

func helpText(batchLimit int, maxPromptLength int) string {
	return "📋 <b>PixelMage Pro help</b>\n\n" +
		"<b>🎨 Create (one prompt):</b>\n" +
		"• Costs 1 unit\n" +
		"• Describe the image you want\n" +
		"• Repeated prompts are served from the cache\n\n" +
		fmt.Sprintf("<b>📝 Prompt batch (up to %d):</b>\n", batchLimit) +
		"• Each prompt costs 1 unit\n" +
		"• Separate prompts with a semicolon\n" +
		"• Failed prompts are returned to your balance\n\n" +
		"<b>✏️ Edit photo:</b>\n" +
		"• Costs 1 unit\n" +
		"• Upload a photo, then describe the change (background, style, details)\n" +
		"• The AI tries to keep faces unchanged\n\n" +
		"<b>💰 Prices:</b>\n" +
		tariffLines() + "\n" +
		fmt.Sprintf("<i>Prompts can be up to %d characters long.</i>\n\n", maxPromptLength) +
		"<b>Examples:</b>\n" +
		"• a cosmic cat in a spacesuit\n" +
		"• elf portrait; fantasy castle; neon city\n" +
		"• change the background to a beach"
}

func tariffLines() string {
	var builder strings.Builder
	for _, tariff := range payments.Catalog() {
		fmt.Fprintf(&builder, "• %s — <b>%s RUB</b>\n", html.EscapeString(tariff.Title), payments.FormatAmount(tariff.PriceMinor))
	}
	return builder.String()
}

func pricesText(balance int64) string {
	return "🎨 <b>PixelMage Pro tariffs</b>\n\n" +
		fmt.Sprintf("💰 <b>Your balance:</b> %d images\n\n", balance) +
		tariffLines() + "\n" +
		"💳 <b>How to pay:</b>\n" +
		"1. Press the button with the price you want\n" +
		"2. Follow the payment link\n" +
		"3. Pay by card, SBP or YooMoney\n" +
		"4. Come back and press ✅ I paid\n\n" +
		"<i>Units are credited automatically after payment</i>"
}

func insufficientText(balance int64, needed int64) string {
	return "❌ <b>Not enough images on your balance!</b>\n\n" +
		fmt.Sprintf("Needed: %d, available: %d\n", needed, balance) +
		"Top up through 💰 Prices & payment" + tipPackFive
}

const (
	textPromptRequest = "✍️ <b>Describe the image:</b>\n\n" +
		"<i>Example: a cosmic landscape with planets</i>\n" +
		"<i>Or press ⬅️ Back</i>"
	textPhotoRequest = "✏️ <b>Photo editing</b>\n\n" +
		"📤 <b>Upload the photo to edit:</b>\n\n" +
		"<i>What works best:</i>\n" +
		"• Replacing the background (keeps faces best) 🏆\n" +
		"• Adding elements to the photo\n" +
		"• Changing the style\n" +
		"• Removing objects\n\n" +
		"<i>⚠️ The AI tries to keep faces but cannot guarantee it</i>\n" +
		"<i>Or press ⬅️ Back</i>"
	textPhotoExpected = "⚠️ Please send a photo to edit!\n\nOr press ⬅️ Back to return to the menu."
	textEditPrompt    = "✍️ <b>What should change in the photo?</b>\n\n" +
		"<i>Examples:</i>\n" +
		"• change the background to a beach 🏝️\n" +
		"• add sunglasses 😎\n" +
		"• remove the person on the right 🚫\n" +
		"• make it pixel art style 🎮\n\n" +
		"<i>1 unit is reserved. Press ⬅️ Back to cancel and get it back.</i>"
	textPaymentHint = "💳 Finish the payment using the link above, then press ✅ I paid.\nOr press ⬅️ Back."
)

func batchRequestText(batchLimit int) string {
	return fmt.Sprintf("📝 <b>Enter up to %d prompts separated by semicolons:</b>\n\n", batchLimit) +
		"<i>Example: cosmic cat; fantasy castle; neon city</i>\n" +
		"<i>Each prompt makes one image</i>\n" +
		"<i>Or press ⬅️ Back</i>"
}

func generatingText(prompt string) string {
	return fmt.Sprintf("🎨 <b>Generating:</b> <i>%s</i>\n⏳ Please wait...", html.EscapeString(preview(prompt, 80)))
}

func batchProgressText(batch []string) string {
	lines := make([]string, 0, previewPrompts+1)
	for index, prompt := range batch {
		if index == previewPrompts {
			lines = append(lines, fmt.Sprintf("• ... and %d more", len(batch)-previewPrompts))
			break
		}
		lines = append(lines, "• "+html.EscapeString(preview(prompt, previewRunes)))
	}
	return fmt.Sprintf("📦 <b>Processing %d prompts:</b>\n%s\n⏳ This takes about %d seconds...",
		len(batch), strings.Join(lines, "\n"), len(batch)*secondsPerPrompt)
}

func editingText(instruction string) string {
	return fmt.Sprintf("✏️ <b>Editing (keeping faces where possible):</b> <i>%s</i>\n⏳ Please wait 20-30 seconds...",
		html.EscapeString(preview(instruction, 80)))
}

func truncatedText(limit int) string {
	return fmt.Sprintf("⚠️ Only the first %d prompts will be processed", limit)
}

func summaryText(result generation.Result, batch bool, balance int64) string {
	var builder strings.Builder
	if batch {
		fmt.Fprintf(&builder, "📦 <b>Batch finished:</b> %d/%d succeeded", result.Produced, len(result.Items))
	} else {
		fmt.Fprintf(&builder, "🎨 <b>Generation finished:</b> %d images", result.Produced)
	}
	if result.CacheHits > 0 {
		fmt.Fprintf(&builder, ", %d from cache", result.CacheHits)
	}
	if result.Failed > 0 {
		builder.WriteString("\n\n⚠️ <b>Some prompts failed:</b>\n")
		shown := 0
		for _, item := range result.Items {
			if item.Succeeded() {
				continue
			}
			if shown == shownErrors {
				fmt.Fprintf(&builder, "<i>... and %d more</i>\n", result.Failed-shownErrors)
				break
			}
			fmt.Fprintf(&builder, "• %s: %s\n", html.EscapeString(preview(item.Prompt, previewRunes)), html.EscapeString(externalReason(item.Err)))
			shown++
		}
	}
	if result.Refunded > 0 {
		fmt.Fprintf(&builder, "\n📊 <b>Returned to your balance:</b> %d images", result.Refunded)
	}
	if result.Undelivered > 0 {
		fmt.Fprintf(&builder, "\n⚠️ %d images could not be sent", result.Undelivered)
	}
	fmt.Fprintf(&builder, "\n💰 <b>Your balance:</b> %d images", balance)
	if balance < lowBalanceTip {
		builder.WriteString(tipPackFive)
	}
	builder.WriteString("\n\n✅ <i>Done! What shall we create next?</i>")
	return builder.String()
}

// failureText explains a failed job and always states what happened to the units.
func failureText(err error) string {
	var failure *generation.Failure
	if !errors.As(err, &failure) {
		failure = &generation.Failure{Kind: generation.FailureInternal, Err: err}
	}
	var message string
	switch failure.Kind {
	case generation.FailureValidation:
		message = validationText(failure.Err)
	case generation.FailureInsufficientFunds:
		message = "❌ <b>Not enough images on your balance!</b>\nTop up through 💰 Prices & payment"
	case generation.FailureQueueFull:
		message = "⏳ The queue is full. Please try again in a minute."
	case generation.FailureExternal:
		message = externalText(failure.Err)
	case generation.FailureLocalIO:
		message = "❌ Could not store the image on the server."
	default:
		message = "❌ <b>System error.</b> The problem has been logged."
	}
	return message + "\n\n" + refundLine(failure.Refunded)
}

func refundLine(refunded int64) string {
	if refunded > 0 {
		return fmt.Sprintf("<i>%d images returned to your balance</i>", refunded)
	}
	return "<i>No images were charged</i>"
}

func validationText(err error) string {
	var lengthErr *prompts.LengthError
	switch {
	case errors.As(err, &lengthErr):
		return fmt.Sprintf("⚠️ Prompt #%d is too long (%d characters, max %d)", lengthErr.Index+1, lengthErr.Length, lengthErr.Limit)
	case errors.Is(err, prompts.ErrEmptyPrompt), errors.Is(err, prompts.ErrNoPrompts):
		return "⚠️ Please enter a description"
	case errors.Is(err, generation.ErrTooManyPrompts):
		return "⚠️ Too many prompts in one batch"
	case errors.Is(err, generation.ErrUnknownReservation):
		return "⚠️ This edit session has expired. Please start again."
	default:
		return "⚠️ The request is not valid"
	}
}

func externalText(err error) string {
	var apiErr *imageapi.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == imageapi.KindStatus && apiErr.StatusCode == http.StatusBadRequest {
		return "⚠️ <b>The image service could not process this request</b>\n\n" +
			"Possible reasons:\n• The prompt is too complex\n• The service did not understand it\n• Try a simpler description"
	}
	switch imageapi.KindOf(err) {
	case imageapi.KindRateLimited:
		return "⏳ Too many requests. Please try again in 1-2 minutes."
	case imageapi.KindTimeout:
		return "⏳ The image service timed out. Please try again later."
	default:
		return "❌ <b>Image service error:</b> " + html.EscapeString(externalReason(err))
	}
}

func externalReason(err error) string {
	var apiErr *imageapi.APIError
	switch {
	case err == nil:
		return "unknown error"
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return preview(apiErr.Message, 100)
	case errors.As(err, &apiErr) && apiErr.StatusCode != 0:
		return fmt.Sprintf("status %d", apiErr.StatusCode)
	case errors.As(err, &apiErr):
		return string(apiErr.Kind)
	case errors.Is(err, generation.ErrNoArtifact):
		return "no image returned"
	default:
		return string(imageapi.KindOf(err))
	}
}

func balanceText(account ledger.Account) string {
	var builder strings.Builder
	builder.WriteString("💰 <b>Your balance</b>\n\n")
	fmt.Fprintf(&builder, "• Images available: <b>%d</b>\n", account.Balance.UnitsRemaining)
	fmt.Fprintf(&builder, "• Total paid: <b>%s RUB</b>\n", payments.FormatAmount(account.Balance.TotalPaidMinor))
	if len(account.History) == 0 {
		builder.WriteString("\n<i>No payments yet. Use the buttons below to top up.</i>")
		return builder.String()
	}
	builder.WriteString("\n📋 <b>Recent activity:</b>\n")
	for _, entry := range account.History {
		icon := "✅"
		if entry.Status != ledger.StatusCompleted {
			icon = "⏳"
		}
		switch entry.Reason {
		case ledger.ReasonRefund:
			fmt.Fprintf(&builder, "• ↩️ +%d images - %s\n", entry.Units, html.EscapeString(entry.Description))
		default:
			fmt.Fprintf(&builder, "• %s %s RUB - %s\n", icon, payments.FormatAmount(entry.AmountMinor), html.EscapeString(entry.Description))
		}
	}
	return builder.String()
}

func userStatsText(balance int64, counter artifacts.UsageCounter, cached int64) string {
	if counter.RequestsCount == 0 {
		return "📊 <b>Statistics</b>\n\n" +
			fmt.Sprintf("<b>Balance:</b> %d images\n", balance) +
			"You have not created any images yet\n" +
			fmt.Sprintf("<b>Images in the bot cache:</b> %d\n\n", cached) +
			"Try creating your first image!"
	}
	return "📊 <b>Your statistics</b>\n\n" +
		fmt.Sprintf("<b>Balance:</b> %d images\n", balance) +
		fmt.Sprintf("<b>Requests:</b> %d\n", counter.RequestsCount) +
		fmt.Sprintf("<b>Images created:</b> %d\n", counter.TotalImages) +
		fmt.Sprintf("<b>Last request:</b> %s\n", time.Unix(counter.LastRequestSeconds, 0).UTC().Format(dateLayout)) +
		fmt.Sprintf("<b>Images in cache:</b> %d\n\n", cached) +
		"<i>The cache saves money on repeated prompts!</i>"
}

func checkoutText(checkout payments.Checkout) string {
	title := html.EscapeString(checkout.Tariff.Title)
	amount := payments.FormatAmount(checkout.Tariff.PriceMinor)
	if checkout.TestMode {
		return "✅ <b>TEST MODE</b>\n\n" +
			fmt.Sprintf("<b>Item:</b> %s\n<b>Amount:</b> %s RUB\n<b>Credited:</b> %d images\n\n", title, amount, checkout.Tariff.Units) +
			"<i>No payment is needed in test mode</i>"
	}
	return "💳 <b>Invoice</b>\n\n" +
		fmt.Sprintf("<b>Item:</b> %s\n<b>Amount:</b> %s RUB\n<b>You get:</b> %d images\n\n", title, amount, checkout.Tariff.Units) +
		"<b>To pay:</b>\n1. Open the link below 👇\n2. Pay by card or SBP\n3. Come back to the bot\n4. Press <b>✅ I paid</b>\n\n" +
		fmt.Sprintf("🔗 <a href=\"%s\">Pay %s RUB</a>", html.EscapeString(checkout.ConfirmationURL), amount)
}

func confirmationText(confirmation payments.Confirmation, balance int64) string {
	switch confirmation.Outcome {
	case payments.OutcomeCompleted:
		return "✅ <b>Payment confirmed!</b>\n\n" +
			fmt.Sprintf("<b>Credited:</b> %d images\n<b>Your balance:</b> %d images", confirmation.Payment.Units, balance)
	case payments.OutcomePending:
		return "⏳ <b>The payment is still processing</b>\n\nThis usually takes 1-2 minutes. Press <b>✅ I paid</b> again in a minute."
	case payments.OutcomeFailed:
		return "❌ <b>The payment was cancelled or not found</b>\n\nPlease try paying again or contact support."
	default:
		return "ℹ️ You have no pending payments.\n\nIf you just paid, wait 1-2 minutes. Payments are processed automatically."
	}
}

func settledText(record payments.Record, balance int64) string {
	return "✅ <b>Payment received!</b>\n\n" +
		fmt.Sprintf("<b>Credited:</b> %d images\n<b>Your balance:</b> %d images", record.Units, balance)
}

func adminText(report stats.Report) string {
	successRate := 100.0
	if report.Requests > 0 {
		successRate = float64(report.Images) / float64(report.Requests) * 100
	}
	paymentsMode := "✅ live"
	if report.PaymentsTestMode {
		paymentsMode = "⏸ test mode"
	}
	return "👑 <b>ADMIN PANEL</b>\n\n" +
		"👥 <b>Users:</b>\n" +
		fmt.Sprintf("• Known: %d\n• Active in 24h: %d\n• Paying: %d\n• With balance: %d\n\n",
			report.KnownUsers, report.ActiveUsers24h, report.PayingUsers, report.UsersWithBalance) +
		"🎨 <b>Generation:</b>\n" +
		fmt.Sprintf("• Requests: %d\n• Images: %d\n• Images per request: %.1f%%\n• Refunded units: %d\n• Cached images: %d\n\n",
			report.Requests, report.Images, successRate, report.RefundedUnits, report.CachedArtifacts) +
		"💰 <b>Finance:</b>\n" +
		fmt.Sprintf("• Income: %s RUB\n• Completed payments: %d\n• Pending payments: %d\n• Outstanding units: %d\n\n",
			payments.FormatAmount(report.IncomeMinor), report.CompletedPayments, report.PendingPayments, report.OutstandingUnits) +
		"🔧 <b>System:</b>\n" +
		fmt.Sprintf("• Payments: %s\n• Queue: %d/%d\n• Held edit units: %d", paymentsMode, report.QueueInFlight, report.QueueCapacity, report.OpenReservations)
}

func preview(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit]) + "..."
}
