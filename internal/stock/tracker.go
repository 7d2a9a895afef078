// Package stock keeps the transition-only stock status log of a product and
// derives availability statistics from it.
package stock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/products"
)

const day = 24 * time.Hour

// Store is the subset of products.Store the tracker needs.
type Store interface {
	AppendStockStatus(ctx context.Context, e products.StockStatusEntry) error
	LastStockStatus(ctx context.Context, productID int64) (products.StockStatus, bool, error)
	StockHistorySince(ctx context.Context, productID int64, since time.Time) ([]products.StockStatusEntry, error)
}

type Tracker struct {
	store     Store
	log       *logger.Logger
	precision int32
	now       func() time.Time
}

// NewTracker returns a tracker rounding percentages to precision decimals.
func NewTracker(store Store, log *logger.Logger, precision int) *Tracker {
	if precision < 0 {
		precision = 1
	}
	return &Tracker{
		store:     store,
		log:       log.With("component", "StockTracker"),
		precision: int32(precision),
		now:       time.Now,
	}
}

// RecordObservation appends a history entry when status differs from the
// last recorded one. A stale timestamp is logged and dropped.
func (t *Tracker) RecordObservation(ctx context.Context, productID int64, status products.StockStatus, at time.Time) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid stock status %q", status)
	}
	last, ok, err := t.store.LastStockStatus(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("last stock status: %w", err)
	}
	if ok && last == status {
		return false, nil
	}
	err = t.store.AppendStockStatus(ctx, products.StockStatusEntry{ProductID: productID, Status: status, ChangedAt: at})
	if errors.Is(err, products.ErrStaleWrite) {
		t.log.Warn("stock status write rejected", "product_id", productID, "status", status, "at", at)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stats loads the window's history and computes statistics. It returns
// nil when the product has no history.
func (t *Tracker) Stats(ctx context.Context, productID int64, windowDays int) (*Stats, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d days", windowDays)
	}
	now := t.now()
	since := now.Add(-time.Duration(windowDays) * day)
	entries, err := t.store.StockHistorySince(ctx, productID, since)
	if err != nil {
		return nil, fmt.Errorf("stock history: %w", err)
	}
	return ComputeStats(entries, since, now, t.precision), nil
}

type Segment struct {
	Status products.StockStatus `json:"status"`
	Start  time.Time            `json:"start"`
	End    time.Time            `json:"end"`
	// Clipped is set when the segment began before the window.
	Clipped bool `json:"clipped"`
}

func (s Segment) Duration() time.Duration { return s.End.Sub(s.Start) }

type Stats struct {
	AvailabilityPercent float64              `json:"availability_percent"`
	OutageCount         int                  `json:"outage_count"`
	AvgOutageDays       *float64             `json:"avg_outage_days"`
	LongestOutageDays   *float64             `json:"longest_outage_days"`
	DaysInCurrentStatus float64              `json:"days_in_current_status"`
	CurrentStatus       products.StockStatus `json:"current_status"`
	Segments            []Segment            `json:"segments"`
}

// ComputeStats builds segments over [windowStart, now] from entries ordered
// by ChangedAt. Entries before windowStart contribute only their clipped
// tail. Availability is in-stock time over the whole window, so time before
// the first known status counts as not available.
func ComputeStats(entries []products.StockStatusEntry, windowStart, now time.Time, precision int32) *Stats {
	var segs []Segment
	var lastStart time.Time
	for i, e := range entries {
		if e.ChangedAt.After(now) {
			break
		}
		end := now
		if i+1 < len(entries) && entries[i+1].ChangedAt.Before(now) {
			end = entries[i+1].ChangedAt
		}
		lastStart = e.ChangedAt
		if !end.After(windowStart) {
			continue
		}
		start := e.ChangedAt
		clipped := false
		if start.Before(windowStart) {
			start = windowStart
			clipped = true
		}
		segs = append(segs, Segment{Status: e.Status, Start: start, End: end, Clipped: clipped})
	}
	if len(segs) == 0 {
		return nil
	}

	var inStock, longest, outageTotal time.Duration
	outages := 0
	for _, s := range segs {
		d := s.Duration()
		switch s.Status {
		case products.InStock:
			inStock += d
		case products.OutOfStock:
			if s.Clipped {
				continue
			}
			outages++
			outageTotal += d
			if d > longest {
				longest = d
			}
		}
	}

	current := segs[len(segs)-1]
	st := &Stats{
		OutageCount:         outages,
		CurrentStatus:       current.Status,
		DaysInCurrentStatus: round(now.Sub(lastStart).Hours()/24, 1),
		Segments:            segs,
	}
	if window := now.Sub(windowStart); window > 0 {
		st.AvailabilityPercent = round(float64(inStock)/float64(window)*100, precision)
	}
	if outages > 0 {
		avg := round(outageTotal.Hours()/24/float64(outages), 1)
		lng := round(longest.Hours()/24, 1)
		st.AvgOutageDays = &avg
		st.LongestOutageDays = &lng
	}
	return st
}

func round(v float64, places int32) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
