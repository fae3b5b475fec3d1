package bot

import "github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"

// Button labels. They double as the routing keys for incoming text.
const (
	ButtonCreate       = "🎨 Create"
	ButtonBatch        = "📝 Prompt batch"
	ButtonEdit         = "✏️ Edit photo"
	ButtonHelp         = "ℹ️ Help"
	ButtonPrices       = "💰 Prices & payment"
	ButtonStats        = "📊 Statistics"
	ButtonStart        = "🚪 /start"
	ButtonBack         = "⬅️ Back"
	ButtonAdmin        = "👑 Admin panel"
	ButtonPaid         = "✅ I paid"
	ButtonCheckPayment = "🔄 Check payment"
	ButtonMyBalance    = "📊 My balance"
)

var tariffButtons = map[string]string{
	"🎟 1 edit - 39 RUB":       payments.TariffEdit,
	"💰 1 generation - 29 RUB": payments.TariffGenerate,
	"📦 5 images - 99 RUB":     payments.TariffPack5,
	"🎁 15 images - 199 RUB":   payments.TariffPack15,
}

func tariffButtonFor(code string) string {
	for label, tariffCode := range tariffButtons {
		if tariffCode == code {
			return label
		}
	}
	return ""
}

func (b *Bot) mainMenu(userID int64) Markup {
	rows := [][]string{
		{ButtonCreate, ButtonBatch},
		{ButtonEdit, ButtonHelp},
		{ButtonPrices, ButtonStats},
	}
	if b.isAdmin(userID) {
		rows = append(rows, []string{ButtonAdmin})
	}
	rows = append(rows, []string{ButtonStart, ButtonBack})
	return Markup{Rows: rows}
}

func cancelMenu() Markup {
	return Markup{Rows: [][]string{{ButtonBack}}}
}

func paymentMenu() Markup {
	return Markup{Rows: [][]string{{ButtonPaid}, {ButtonCheckPayment}, {ButtonBack}}}
}

func tariffMenu() Markup {
	return Markup{Rows: [][]string{
		{tariffButtonFor(payments.TariffEdit), tariffButtonFor(payments.TariffGenerate)},
		{tariffButtonFor(payments.TariffPack5), tariffButtonFor(payments.TariffPack15)},
		{ButtonMyBalance, ButtonBack},
	}}
}

func removeKeyboard() Markup {
	return Markup{Remove: true}
}
