package arbiter

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Method identifies the strategy that produced a candidate.
type Method string

const (
	MethodJSONLD       Method = "json-ld"
	MethodSiteSpecific Method = "site-specific"
	MethodGenericCSS   Method = "generic-css"
	MethodAI           Method = "ai"
)

// Priority is higher for more trustworthy methods.
func (m Method) Priority() int {
	switch m {
	case MethodJSONLD:
		return 4
	case MethodSiteSpecific:
		return 3
	case MethodGenericCSS:
		return 2
	case MethodAI:
		return 1
	default:
		return 0
	}
}

func (m Method) Valid() bool { return m.Priority() > 0 }

// Candidate is one strategy's proposal for a single fetch.
type Candidate struct {
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	Method     Method          `json:"method"`
	Confidence float64         `json:"confidence"`
	Context    string          `json:"context,omitempty"`
}

// Normalized returns the price rounded to the currency minor unit.
func (c Candidate) Normalized() decimal.Decimal {
	return c.Price.Round(MinorUnits(c.Currency))
}

// NormalizeCurrency upper-cases and trims an ISO code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MinorUnits returns the number of decimal places of an ISO 4217 currency.
func MinorUnits(currency string) int32 {
	switch NormalizeCurrency(currency) {
	case "JPY", "KRW", "VND", "CLP", "ISK", "UGX", "PYG", "XAF", "XOF":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND", "IQD", "LYD":
		return 3
	default:
		return 2
	}
}
