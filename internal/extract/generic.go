package extract

import (
	"context"
	"strings"

	"github.com/go-shiori/dom"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

var metaPriceSelectors = []string{
	`meta[itemprop="price"]`,
	`[itemprop="price"]`,
	`meta[property="product:price:amount"]`,
	`meta[property="og:price:amount"]`,
}

var metaCurrencySelectors = []string{
	`meta[itemprop="priceCurrency"]`,
	`[itemprop="priceCurrency"]`,
	`meta[property="product:price:currency"]`,
	`meta[property="og:price:currency"]`,
}

var classPriceSelectors = []string{
	`[data-price]`,
	`.price`,
	`.product-price`,
	`.sale-price`,
	`.current-price`,
	`[class*="price"]`,
	`[id*="price"]`,
}

// GenericCSSStrategy looks for microdata/meta price tags and then for
// elements whose class or id mentions "price".
type GenericCSSStrategy struct {
	DefaultCurrency string
}

func (GenericCSSStrategy) Method() arbiter.Method { return arbiter.MethodGenericCSS }

func (s GenericCSSStrategy) Extract(_ context.Context, page *Page) (arbiter.Candidate, error) {
	currency := s.metaCurrency(page)

	for _, sel := range metaPriceSelectors {
		for _, node := range dom.QuerySelectorAll(page.Doc, sel) {
			text := dom.GetAttribute(node, "content")
			if text == "" {
				text = dom.TextContent(node)
			}
			price, cur, ok := ParsePrice(text)
			if !ok {
				continue
			}
			return arbiter.Candidate{
				Price:      price,
				Currency:   firstNonEmpty(currency, cur, s.DefaultCurrency),
				Confidence: 0.6,
				Context:    sel,
			}, nil
		}
	}

	for _, sel := range classPriceSelectors {
		for _, node := range dom.QuerySelectorAll(page.Doc, sel) {
			text := dom.GetAttribute(node, "data-price")
			if text == "" {
				text = strings.TrimSpace(dom.TextContent(node))
			}
			if text == "" || len(text) > 40 {
				continue
			}
			price, cur, ok := ParsePrice(text)
			if !ok {
				continue
			}
			return arbiter.Candidate{
				Price:      price,
				Currency:   firstNonEmpty(cur, currency, s.DefaultCurrency),
				Confidence: 0.45,
				Context:    text,
			}, nil
		}
	}
	return arbiter.Candidate{}, ErrNoPrice
}

func (s GenericCSSStrategy) metaCurrency(page *Page) string {
	for _, sel := range metaCurrencySelectors {
		if node := dom.QuerySelector(page.Doc, sel); node != nil {
			v := dom.GetAttribute(node, "content")
			if v == "" {
				v = dom.TextContent(node)
			}
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
