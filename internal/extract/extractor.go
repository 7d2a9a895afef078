package extract

import (
	"context"
	"time"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/products"
)

// PageFetcher is satisfied by *Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// Options are the per-product toggles of one extraction.
type Options struct {
	UseAI bool
}

// Extraction is everything read from one fetch.
type Extraction struct {
	Page       *Page
	Title      string
	Stock      products.StockStatus
	Candidates []arbiter.Candidate
	Failures   []StrategyError
}

// Extractor fetches a page once and runs all strategies over it.
type Extractor struct {
	fetcher    PageFetcher
	rules      *SiteRules
	strategies []Strategy
	ai         Strategy
	verifier   *Verifier
	timeout    time.Duration
}

func NewExtractor(fetcher PageFetcher, rules *SiteRules, defaultCurrency string, strategyTimeout time.Duration) *Extractor {
	return &Extractor{
		fetcher: fetcher,
		rules:   rules,
		strategies: []Strategy{
			JSONLDStrategy{},
			SiteSpecificStrategy{Rules: rules, DefaultCurrency: defaultCurrency},
			GenericCSSStrategy{DefaultCurrency: defaultCurrency},
		},
		timeout: strategyTimeout,
	}
}

// WithAI enables the AI strategy and, if v is non-nil, AI verification.
func (e *Extractor) WithAI(s Strategy, v *Verifier) *Extractor {
	e.ai = s
	e.verifier = v
	return e
}

// AIAvailable reports whether an AI strategy is configured globally.
func (e *Extractor) AIAvailable() bool { return e.ai != nil }

func (e *Extractor) Extract(ctx context.Context, rawURL string, opts Options) (*Extraction, error) {
	page, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	strategies := e.strategies
	if opts.UseAI && e.ai != nil {
		strategies = append(append([]Strategy(nil), e.strategies...), e.ai)
	}
	cands, failures := RunStrategies(ctx, page, strategies, e.timeout)
	return &Extraction{
		Page:       page,
		Title:      DetectTitle(page),
		Stock:      DetectStock(page, e.rules),
		Candidates: cands,
		Failures:   failures,
	}, nil
}

// Verify runs the AI verification pass. ok is false when verification is
// not configured.
func (e *Extractor) Verify(ctx context.Context, page *Page, accepted arbiter.Candidate) (Verdict, bool, error) {
	if e.verifier == nil {
		return Verdict{}, false, nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	v, err := e.verifier.Verify(ctx, page, accepted)
	return v, true, err
}
