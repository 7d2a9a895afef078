// Package arbiter reconciles the price candidates produced by several
// extraction strategies for one fetch into a single outcome.
package arbiter

import (
	"sort"
)

// Kind tags an Outcome.
type Kind int

const (
	Failed Kind = iota
	Accepted
	NeedsReview
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case NeedsReview:
		return "needs_review"
	default:
		return "failed"
	}
}

// Outcome is the result of arbitration. Exactly one of the branches is
// populated according to Kind:
//   - Accepted:    Accepted holds the price of record.
//   - NeedsReview: Candidates (confidence desc) and Suggested (display hint).
//   - Failed:      nothing was extracted.
type Outcome struct {
	Kind       Kind
	Accepted   Candidate
	Forced     bool
	Candidates []Candidate
	Suggested  Candidate
}

type Config struct {
	ConfidenceFloor       float64 `split_words:"true" default:"0.3"`
	StrongAcceptThreshold float64 `split_words:"true" default:"0.9"`
	StrongAcceptMargin    float64 `split_words:"true" default:"0.15"`
}

func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.3, StrongAcceptThreshold: 0.9, StrongAcceptMargin: 0.15}
}

const epsilon = 1e-9

type Arbiter struct {
	cfg Config
}

func New(cfg Config) *Arbiter {
	if cfg.StrongAcceptThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Arbiter{cfg: cfg}
}

// Force turns a user-chosen candidate into an accepted outcome.
func Force(c Candidate) Outcome {
	c.Currency = NormalizeCurrency(c.Currency)
	return Outcome{Kind: Accepted, Accepted: c, Forced: true}
}

// Resolve runs arbitration over the candidates of one fetch.
func (a *Arbiter) Resolve(cands []Candidate) Outcome {
	if len(cands) == 0 {
		return Outcome{Kind: Failed}
	}

	ranked := make([]Candidate, len(cands))
	for i, c := range cands {
		c.Currency = NormalizeCurrency(c.Currency)
		ranked[i] = c
	}
	sortByConfidence(ranked)

	survivors := make([]Candidate, 0, len(ranked))
	for _, c := range ranked {
		if c.Confidence+epsilon >= a.cfg.ConfidenceFloor {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		// nothing clears the floor: keep the best guess, but a human decides
		top := ranked[0]
		return Outcome{Kind: NeedsReview, Candidates: []Candidate{top}, Suggested: top}
	}

	if agree(survivors) {
		best := survivors[0]
		for _, c := range survivors[1:] {
			p, bp := c.Method.Priority(), best.Method.Priority()
			if p > bp || (p == bp && c.Confidence > best.Confidence) {
				best = c
			}
		}
		if best.Currency == "" {
			best.Currency = firstCurrency(survivors)
		}
		return Outcome{Kind: Accepted, Accepted: best}
	}

	top := survivors[0]
	second := survivors[1]
	if top.Confidence+epsilon >= a.cfg.StrongAcceptThreshold &&
		top.Confidence-second.Confidence+epsilon >= a.cfg.StrongAcceptMargin {
		return Outcome{Kind: Accepted, Accepted: top}
	}

	return Outcome{Kind: NeedsReview, Candidates: survivors, Suggested: top}
}

// agree reports whether all candidates share the same normalized price and
// currency. An empty currency matches any currency.
func agree(cands []Candidate) bool {
	currency := firstCurrency(cands)
	places := MinorUnits(currency)
	ref := cands[0].Price.Round(places)
	for _, c := range cands {
		if c.Currency != "" && c.Currency != currency {
			return false
		}
		if !c.Price.Round(places).Equal(ref) {
			return false
		}
	}
	return true
}

func firstCurrency(cands []Candidate) string {
	for _, c := range cands {
		if c.Currency != "" {
			return c.Currency
		}
	}
	return ""
}

// sortByConfidence orders by confidence desc, then method priority desc.
func sortByConfidence(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Confidence != cands[j].Confidence {
			return cands[i].Confidence > cands[j].Confidence
		}
		return cands[i].Method.Priority() > cands[j].Method.Priority()
	})
}
