package arbiter

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(price string, currency string, m Method, conf float64) Candidate {
	return Candidate{Price: decimal.RequireFromString(price), Currency: currency, Method: m, Confidence: conf}
}

func TestResolveEmptyIsFailed(t *testing.T) {
	out := New(DefaultConfig()).Resolve(nil)
	assert.Equal(t, Failed, out.Kind)
}

func TestResolveAgreementPicksHighestPriorityMethod(t *testing.T) {
	tests := []struct {
		name  string
		cands []Candidate
		want  Method
	}{
		{
			name: "json-ld beats more confident ai",
			cands: []Candidate{
				cand("19.99", "USD", MethodAI, 0.99),
				cand("19.99", "usd", MethodJSONLD, 0.5),
			},
			want: MethodJSONLD,
		},
		{
			name: "equal after rounding to minor unit",
			cands: []Candidate{
				cand("19.991", "USD", MethodGenericCSS, 0.6),
				cand("19.99", "USD", MethodSiteSpecific, 0.4),
			},
			want: MethodSiteSpecific,
		},
		{
			name: "zero-decimal currency rounds to whole units",
			cands: []Candidate{
				cand("1500.2", "JPY", MethodAI, 0.8),
				cand("1500", "JPY", MethodGenericCSS, 0.6),
			},
			want: MethodGenericCSS,
		},
		{
			name: "low confidence agreeing candidates still accept",
			cands: []Candidate{
				cand("5", "EUR", MethodAI, 0.35),
				cand("5.00", "EUR", MethodGenericCSS, 0.31),
			},
			want: MethodGenericCSS,
		},
		{
			name:  "single candidate above floor",
			cands: []Candidate{cand("12.50", "GBP", MethodAI, 0.4)},
			want:  MethodAI,
		},
	}
	a := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := a.Resolve(tt.cands)
			require.Equal(t, Accepted, out.Kind)
			assert.Equal(t, tt.want, out.Accepted.Method)
			assert.False(t, out.Forced)
		})
	}
}

func TestResolveEmptyCurrencyAgreesWithAny(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("10.00", "", MethodJSONLD, 0.95),
		cand("10", "EUR", MethodGenericCSS, 0.6),
	})
	require.Equal(t, Accepted, out.Kind)
	assert.Equal(t, MethodJSONLD, out.Accepted.Method)
	assert.Equal(t, "EUR", out.Accepted.Currency)
}

func TestResolveCurrencyMismatchIsDisagreement(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("10", "USD", MethodJSONLD, 0.8),
		cand("10", "EUR", MethodGenericCSS, 0.7),
	})
	assert.Equal(t, NeedsReview, out.Kind)
}

func TestResolveStrongAcceptOnDisagreement(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("30", "USD", MethodGenericCSS, 0.70),
		cand("25", "USD", MethodSiteSpecific, 0.95),
	})
	require.Equal(t, Accepted, out.Kind)
	assert.True(t, out.Accepted.Price.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, MethodSiteSpecific, out.Accepted.Method)
}

func TestResolveStrongAcceptExactMargin(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("25", "USD", MethodJSONLD, 0.95),
		cand("30", "USD", MethodGenericCSS, 0.80),
	})
	assert.Equal(t, Accepted, out.Kind)
}

func TestResolveMarginTooSmallNeedsReview(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("25", "USD", MethodJSONLD, 0.95),
		cand("30", "USD", MethodAI, 0.85),
	})
	assert.Equal(t, NeedsReview, out.Kind)
}

func TestResolveNeedsReviewSortedByConfidence(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("10", "USD", MethodGenericCSS, 0.5),
		cand("12", "USD", MethodAI, 0.8),
		cand("11", "USD", MethodSiteSpecific, 0.85),
		cand("99", "USD", MethodAI, 0.1),
	})
	require.Equal(t, NeedsReview, out.Kind)
	require.Len(t, out.Candidates, 3, "below-floor candidate is discarded")
	assert.Equal(t, 0.85, out.Candidates[0].Confidence)
	assert.Equal(t, 0.8, out.Candidates[1].Confidence)
	assert.Equal(t, 0.5, out.Candidates[2].Confidence)
	assert.True(t, out.Suggested.Price.Equal(decimal.NewFromInt(11)))
}

func TestResolveAllBelowFloorKeepsTopForReview(t *testing.T) {
	out := New(DefaultConfig()).Resolve([]Candidate{
		cand("10", "USD", MethodGenericCSS, 0.2),
		cand("10", "USD", MethodAI, 0.25),
	})
	require.Equal(t, NeedsReview, out.Kind)
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, MethodAI, out.Candidates[0].Method)
	assert.Equal(t, out.Candidates[0], out.Suggested)
}

func TestForce(t *testing.T) {
	out := Force(cand("3.5", " eur ", MethodAI, 0.1))
	assert.Equal(t, Accepted, out.Kind)
	assert.True(t, out.Forced)
	assert.Equal(t, "EUR", out.Accepted.Currency)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int32(2), MinorUnits("usd"))
	assert.Equal(t, int32(0), MinorUnits("JPY"))
	assert.Equal(t, int32(3), MinorUnits("KWD"))
	assert.Equal(t, int32(2), MinorUnits(""))
}

func TestMethodPriorityOrder(t *testing.T) {
	assert.Greater(t, MethodJSONLD.Priority(), MethodSiteSpecific.Priority())
	assert.Greater(t, MethodSiteSpecific.Priority(), MethodGenericCSS.Priority())
	assert.Greater(t, MethodGenericCSS.Priority(), MethodAI.Priority())
	assert.False(t, Method("regex").Valid())
}
