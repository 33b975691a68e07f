package processor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
)

const defaultCurrencyExponent = 2

// zeroDecimalCurrencies are priced in whole units by the processor.
var zeroDecimalCurrencies = map[string]struct{}{
	"CLP": {},
	"JPY": {},
	"KRW": {},
	"PYG": {},
}

func currencyExponent(currency checkout.Currency) int {
	if _, ok := zeroDecimalCurrencies[currency.String()]; ok {
		return 0
	}
	return defaultCurrencyExponent
}

// formatMinorUnits renders a minor-unit amount as the processor's decimal string.
func formatMinorUnits(amount checkout.AmountMinor, currency checkout.Currency) json.Number {
	exponent := currencyExponent(currency)
	raw := strconv.FormatInt(amount.Int64(), 10)
	if exponent == 0 {
		return json.Number(raw)
	}
	if len(raw) <= exponent {
		raw = strings.Repeat("0", exponent-len(raw)+1) + raw
	}
	return json.Number(raw[:len(raw)-exponent] + "." + raw[len(raw)-exponent:])
}

// parseMinorUnits converts a processor decimal into minor units without floating point.
// Digits beyond the currency exponent must be zero.
func parseMinorUnits(raw json.Number, currency checkout.Currency) (checkout.AmountMinor, error) {
	value := strings.TrimSpace(raw.String())
	if value == "" || strings.HasPrefix(value, "-") {
		return 0, fmt.Errorf("%w: amount %q", checkout.ErrMalformedPayload, value)
	}
	whole, fraction, _ := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	exponent := currencyExponent(currency)
	if len(fraction) > exponent {
		if strings.Trim(fraction[exponent:], "0") != "" {
			return 0, fmt.Errorf("%w: amount %q has sub-minor precision", checkout.ErrMalformedPayload, value)
		}
		fraction = fraction[:exponent]
	}
	fraction += strings.Repeat("0", exponent-len(fraction))
	digits := whole + fraction
	for _, digit := range digits {
		if digit < '0' || digit > '9' {
			return 0, fmt.Errorf("%w: amount %q", checkout.ErrMalformedPayload, value)
		}
	}
	minor, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", checkout.ErrMalformedPayload, value, err)
	}
	return checkout.AmountMinor(minor), nil
}
