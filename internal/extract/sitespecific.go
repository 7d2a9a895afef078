package extract

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/go-shiori/dom"
	"gopkg.in/yaml.v3"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/products"
)

//go:embed rules/sites.yaml
var defaultSiteRules []byte

type SiteRule struct {
	Hosts      []string `yaml:"hosts"`
	Price      []string `yaml:"price"`
	Currency   string   `yaml:"currency"`
	OutOfStock []string `yaml:"out_of_stock"`
	InStock    []string `yaml:"in_stock"`
}

type SiteRules struct {
	Sites []SiteRule `yaml:"sites"`
}

// LoadSiteRules reads rules from path, or the built-in set when path is empty.
func LoadSiteRules(path string) (*SiteRules, error) {
	data := defaultSiteRules
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read site rules: %w", err)
		}
		data = raw
	}
	return ParseSiteRules(data)
}

func ParseSiteRules(data []byte) (*SiteRules, error) {
	var r SiteRules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse site rules: %w", err)
	}
	for i, s := range r.Sites {
		if len(s.Hosts) == 0 {
			return nil, fmt.Errorf("site rule %d: no hosts", i)
		}
	}
	return &r, nil
}

// Match returns the rule for host, if any.
func (r *SiteRules) Match(host string) *SiteRule {
	if r == nil {
		return nil
	}
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	for i := range r.Sites {
		for _, h := range r.Sites[i].Hosts {
			h = strings.ToLower(h)
			if host == h || strings.HasSuffix(host, "."+h) {
				return &r.Sites[i]
			}
		}
	}
	return nil
}

// stock reports the rule's stock verdict, or "" when no selector matched.
func (s *SiteRule) stock(page *Page) products.StockStatus {
	for _, sel := range s.OutOfStock {
		if dom.QuerySelector(page.Doc, sel) != nil {
			return products.OutOfStock
		}
	}
	for _, sel := range s.InStock {
		if dom.QuerySelector(page.Doc, sel) != nil {
			return products.InStock
		}
	}
	return ""
}

type SiteSpecificStrategy struct {
	Rules           *SiteRules
	DefaultCurrency string
}

func (SiteSpecificStrategy) Method() arbiter.Method { return arbiter.MethodSiteSpecific }

func (s SiteSpecificStrategy) Extract(_ context.Context, page *Page) (arbiter.Candidate, error) {
	rule := s.Rules.Match(page.URL.Host)
	if rule == nil {
		return arbiter.Candidate{}, ErrNoPrice
	}
	for _, sel := range rule.Price {
		node := dom.QuerySelector(page.Doc, sel)
		if node == nil {
			continue
		}
		text := strings.TrimSpace(dom.TextContent(node))
		if text == "" {
			text = dom.GetAttribute(node, "content")
		}
		price, currency, ok := ParsePrice(text)
		if !ok {
			continue
		}
		if currency == "" {
			currency = rule.Currency
		}
		if currency == "" {
			currency = s.DefaultCurrency
		}
		return arbiter.Candidate{
			Price:      price,
			Currency:   currency,
			Confidence: 0.85,
			Context:    sel,
		}, nil
	}
	return arbiter.Candidate{}, ErrNoPrice
}
