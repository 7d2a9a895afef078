package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-shiori/dom"
	"github.com/shopspring/decimal"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

// ldOffer is the first product offer found in a page's JSON-LD.
type ldOffer struct {
	Name         string
	Price        decimal.Decimal
	HasPrice     bool
	Currency     string
	Availability string
}

func findLDOffer(page *Page) *ldOffer {
	for _, script := range dom.QuerySelectorAll(page.Doc, `script[type="application/ld+json"]`) {
		var v any
		if err := json.Unmarshal([]byte(dom.TextContent(script)), &v); err != nil {
			continue
		}
		if o := walkLD(v); o != nil {
			return o
		}
	}
	return nil
}

func walkLD(v any) *ldOffer {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if o := walkLD(item); o != nil {
				return o
			}
		}
	case map[string]any:
		if isType(t["@type"], "Product") {
			o := &ldOffer{Name: str(t["name"])}
			readOffers(o, t["offers"])
			if o.HasPrice || o.Availability != "" {
				return o
			}
		}
		if g, ok := t["@graph"]; ok {
			return walkLD(g)
		}
		if me, ok := t["mainEntity"]; ok {
			return walkLD(me)
		}
	}
	return nil
}

func readOffers(o *ldOffer, v any) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			readOffers(o, item)
			if o.HasPrice {
				return
			}
		}
	case map[string]any:
		if o.Availability == "" {
			o.Availability = str(t["availability"])
		}
		if o.Currency == "" {
			o.Currency = str(t["priceCurrency"])
		}
		for _, key := range []string{"price", "lowPrice"} {
			if d, ok := parseAmount(t[key]); ok {
				o.Price, o.HasPrice = d, true
				return
			}
		}
		if spec, ok := t["priceSpecification"]; ok {
			readOffers(o, spec)
		}
		if nested, ok := t["offers"]; ok {
			readOffers(o, nested)
		}
	}
}

func isType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(strings.TrimPrefix(t, "http://schema.org/"), want) ||
			strings.EqualFold(strings.TrimPrefix(t, "https://schema.org/"), want)
	case []any:
		for _, item := range t {
			if isType(item, want) {
				return true
			}
		}
	}
	return false
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return decimal.NewFromFloat(t).String()
	}
	return ""
}

// JSONLDStrategy reads schema.org Product offers.
type JSONLDStrategy struct{}

func (JSONLDStrategy) Method() arbiter.Method { return arbiter.MethodJSONLD }

func (JSONLDStrategy) Extract(_ context.Context, page *Page) (arbiter.Candidate, error) {
	o := findLDOffer(page)
	if o == nil || !o.HasPrice {
		return arbiter.Candidate{}, ErrNoPrice
	}
	return arbiter.Candidate{
		Price:      o.Price,
		Currency:   o.Currency,
		Confidence: 0.95,
		Context:    "schema.org Product offer",
	}, nil
}
