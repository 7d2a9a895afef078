package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var numberRe = regexp.MustCompile(`\d[\d.,'\s\x{00a0}\x{202f}]*\d|\d`)

var isoRe = regexp.MustCompile(`\b([A-Z]{3})\b`)

var knownISO = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CAD": true, "AUD": true, "CHF": true,
	"SEK": true, "NOK": true, "DKK": true, "PLN": true, "CZK": true, "HUF": true, "INR": true,
	"RUB": true, "BRL": true, "MXN": true, "CNY": true, "KRW": true, "TRY": true, "NZD": true,
	"SGD": true, "HKD": true, "ZAR": true, "KWD": true, "BHD": true, "AED": true, "ILS": true,
}

// symbols are checked in order; multi-rune prefixes first.
var symbols = []struct{ sym, code string }{
	{"US$", "USD"}, {"C$", "CAD"}, {"CA$", "CAD"}, {"A$", "AUD"}, {"AU$", "AUD"},
	{"NZ$", "NZD"}, {"R$", "BRL"}, {"zł", "PLN"}, {"Kč", "CZK"},
	{"€", "EUR"}, {"£", "GBP"}, {"¥", "JPY"}, {"₹", "INR"}, {"₽", "RUB"}, {"₩", "KRW"},
	{"₺", "TRY"}, {"₪", "ILS"}, {"$", "USD"},
}

// DetectCurrency finds an ISO code or a currency symbol in s.
func DetectCurrency(s string) string {
	for _, m := range isoRe.FindAllStringSubmatch(s, -1) {
		if knownISO[m[1]] {
			return m[1]
		}
	}
	for _, c := range symbols {
		if strings.Contains(s, c.sym) {
			return c.code
		}
	}
	return ""
}

// ParsePrice extracts the first amount in s, handling both "1,299.00" and
// "1.299,00" grouping styles. It also returns the currency if one is present.
func ParsePrice(s string) (decimal.Decimal, string, bool) {
	raw := numberRe.FindString(s)
	if raw == "" {
		return decimal.Zero, "", false
	}
	num := normalizeNumber(raw)
	d, err := decimal.NewFromString(num)
	if err != nil || d.Sign() <= 0 {
		return decimal.Zero, "", false
	}
	return d, DetectCurrency(s), true
}

func normalizeNumber(raw string) string {
	raw = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'':
			return -1
		}
		return r
	}, raw)

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(raw, ",") == 1 && len(raw)-lastComma-1 != 3 {
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(raw, ".") > 1 {
			raw = strings.ReplaceAll(raw, ".", "")
		}
	}
	return raw
}

// parseAmount reads a structured price value (JSON number or string).
func parseAmount(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(t), true
	case string:
		d, _, ok := ParsePrice(t)
		return d, ok
	default:
		return decimal.Zero, false
	}
}
