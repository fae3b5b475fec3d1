package payments

import "fmt"

// Tariff is a purchasable bundle of units.
type Tariff struct {
	Code       string
	Title      string
	PriceMinor int64
	Units      int64
}

const (
	TariffEdit     = "edit_1"
	TariffGenerate = "generate_1"
	TariffPack5    = "pack_5"
	TariffPack15   = "pack_15"
)

var catalog = []Tariff{
	{Code: TariffEdit, Title: "1 photo edit", PriceMinor: 3900, Units: 1},
	{Code: TariffGenerate, Title: "1 generation", PriceMinor: 2900, Units: 1},
	{Code: TariffPack5, Title: "5 images", PriceMinor: 9900, Units: 5},
	{Code: TariffPack15, Title: "15 images", PriceMinor: 19900, Units: 15},
}

// Catalog returns the tariffs in display order.
func Catalog() []Tariff {
	tariffs := make([]Tariff, len(catalog))
	copy(tariffs, catalog)
	return tariffs
}

// LookupTariff finds a tariff by code.
func LookupTariff(code string) (Tariff, bool) {
	for _, tariff := range catalog {
		if tariff.Code == code {
			return tariff, true
		}
	}
	return Tariff{}, false
}

// FormatAmount renders minor units as a decimal amount, e.g. 9900 -> "99.00".
func FormatAmount(amountMinor int64) string {
	sign := ""
	if amountMinor < 0 {
		sign = "-"
		amountMinor = -amountMinor
	}
	return fmt.Sprintf("%s%d.%02d", sign, amountMinor/100, amountMinor%100)
}
