package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

// ErrNoPrice is returned by a strategy that found nothing on the page.
var ErrNoPrice = errors.New("no price found")

// Strategy proposes a price candidate for a page.
type Strategy interface {
	Method() arbiter.Method
	Extract(ctx context.Context, page *Page) (arbiter.Candidate, error)
}

// StrategyError records why one strategy produced no candidate.
type StrategyError struct {
	Method arbiter.Method
	Err    error
}

func (e StrategyError) Error() string { return fmt.Sprintf("%s: %v", e.Method, e.Err) }

// RunStrategies runs every strategy concurrently, each under its own
// timeout. Candidates are returned in strategy order.
func RunStrategies(ctx context.Context, page *Page, strategies []Strategy, timeout time.Duration) ([]arbiter.Candidate, []StrategyError) {
	type result struct {
		cand arbiter.Candidate
		err  error
	}
	results := make([]result, len(strategies))

	var g errgroup.Group
	for i, s := range strategies {
		g.Go(func() error {
			sctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			c, err := s.Extract(sctx, page)
			if err == nil {
				c.Method = s.Method()
				c.Currency = arbiter.NormalizeCurrency(c.Currency)
			}
			results[i] = result{cand: c, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var cands []arbiter.Candidate
	var errs []StrategyError
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, StrategyError{Method: strategies[i].Method(), Err: r.err})
			continue
		}
		cands = append(cands, r.cand)
	}
	return cands, errs
}
