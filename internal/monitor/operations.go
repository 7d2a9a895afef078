package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/extract"
	"github.com/valeevte/PriceTracker/internal/products"
	"github.com/valeevte/PriceTracker/internal/scheduler"
	"github.com/valeevte/PriceTracker/internal/stock"
)

type CreateRequest struct {
	URL             string
	Name            string
	RefreshInterval time.Duration
	// Chosen skips arbitration, e.g. after the user picked a candidate
	// from a previous review payload.
	Chosen *arbiter.Candidate

	PriceDropThreshold    *decimal.Decimal
	TargetPrice           *decimal.Decimal
	NotifyBackInStock     bool
	AIExtractionEnabled   bool
	AIVerificationEnabled bool
}

// Review is returned instead of a product when the candidates disagree.
type Review struct {
	Candidates []arbiter.Candidate `json:"candidates"`
	Suggested  arbiter.Candidate   `json:"suggested_price"`
}

// CreateResult holds exactly one of Product and Review.
type CreateResult struct {
	Product *products.Product
	Review  *Review
}

// CreateProduct fetches the page once and either stores the product with
// its accepted price or returns the candidates for the user to choose from.
// Nothing is stored in the review case.
func (s *Service) CreateProduct(ctx context.Context, userID int64, req CreateRequest) (*CreateResult, error) {
	if _, err := extract.ParseProductURL(req.URL); err != nil {
		return nil, err
	}
	interval, err := s.interval(req.RefreshInterval)
	if err != nil {
		return nil, err
	}
	if !validThreshold(req.PriceDropThreshold) || !validThreshold(req.TargetPrice) {
		return nil, fmt.Errorf("%w: thresholds must not be negative", ErrInvalidCandidate)
	}

	ext, err := s.extractor.Extract(ctx, req.URL, extract.Options{UseAI: req.AIExtractionEnabled})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	var out arbiter.Outcome
	if req.Chosen != nil {
		if err := validCandidate(*req.Chosen); err != nil {
			return nil, err
		}
		out = arbiter.Force(*req.Chosen)
	} else {
		out = s.arbiter.Resolve(ext.Candidates)
	}
	switch out.Kind {
	case arbiter.Failed:
		return nil, failureError(ext.Failures)
	case arbiter.NeedsReview:
		return &CreateResult{Review: &Review{Candidates: out.Candidates, Suggested: out.Suggested}}, nil
	}

	log := s.log.With("user_id", userID, "url", req.URL)
	accepted, aiStatus := out.Accepted, products.AIStatus("")
	if !out.Forced {
		accepted, aiStatus = s.verify(ctx, log, req.AIVerificationEnabled, ext.Page, accepted)
	}

	now := s.now()
	price := accepted.Normalized()
	status := ext.Stock
	if !status.Valid() {
		status = products.Unknown
	}
	p := &products.Product{
		UserID:                userID,
		Name:                  firstNonEmpty(strings.TrimSpace(req.Name), ext.Title),
		URL:                   req.URL,
		RefreshInterval:       interval,
		LastChecked:           &now,
		NextCheckAt:           now.Add(interval),
		StockStatus:           status,
		CurrentPrice:          &price,
		Currency:              arbiter.NormalizeCurrency(accepted.Currency),
		PriceDropThreshold:    req.PriceDropThreshold,
		TargetPrice:           req.TargetPrice,
		NotifyBackInStock:     req.NotifyBackInStock,
		AIExtractionEnabled:   req.AIExtractionEnabled,
		AIVerificationEnabled: req.AIVerificationEnabled,
		AIStatus:              aiStatus,
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	if err := s.store.AppendPrice(ctx, products.PriceHistory{ProductID: p.ID, Price: price, Currency: p.Currency, RecordedAt: now}); err != nil {
		return nil, fmt.Errorf("append initial price: %w", err)
	}
	if _, err := s.tracker.RecordObservation(ctx, p.ID, status, now); err != nil {
		return nil, fmt.Errorf("record initial stock: %w", err)
	}
	log.Info("product created", "product_id", p.ID, "price", price, "currency", p.Currency, "method", accepted.Method)
	return &CreateResult{Product: p}, nil
}

// RefreshNow checks the product immediately. Products waiting for a review
// cannot be refreshed; paused products can.
func (s *Service) RefreshNow(ctx context.Context, userID, id int64) (scheduler.RefreshStatus, *products.Product, error) {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return "", nil, err
	}
	if p.ReviewPending {
		return "", nil, ErrReviewPending
	}
	status, err := s.runner.RefreshNow(ctx, id)
	if err != nil {
		return "", nil, err
	}
	p, err = s.store.GetProduct(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return status, p, nil
}

// ResolveReview makes the chosen candidate the price of record and puts
// the product back on its schedule.
func (s *Service) ResolveReview(ctx context.Context, userID, id int64, chosen arbiter.Candidate) (*products.Product, error) {
	p, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !p.ReviewPending {
		return nil, ErrNoReview
	}
	if err := validCandidate(chosen); err != nil {
		return nil, err
	}
	if chosen.Currency == "" {
		chosen.Currency = firstNonEmpty(p.Currency, reviewCurrency(p.ReviewCandidates))
	}
	out := arbiter.Force(chosen)

	log := s.log.With("product_id", id)
	if err := s.record(ctx, log, *p, out.Accepted, p.StockStatus, "", ""); err != nil {
		return nil, err
	}
	if err := s.store.ClearReview(ctx, id); err != nil {
		return nil, fmt.Errorf("clear review: %w", err)
	}
	now := s.now()
	next := now.Add(p.RefreshInterval)
	if err := s.store.UpdateSchedule(ctx, id, products.ScheduleUpdate{LastChecked: now, NextCheckAt: &next}); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	log.Info("review resolved", "price", out.Accepted.Price, "method", out.Accepted.Method)
	if s.runner != nil {
		s.runner.Wake()
	}
	return s.store.GetProduct(ctx, id)
}

func reviewCurrency(cands []arbiter.Candidate) string {
	for _, c := range cands {
		if c.Currency != "" {
			return c.Currency
		}
	}
	return ""
}

// SetPaused pauses or resumes checking for the user's products and returns
// how many were changed.
func (s *Service) SetPaused(ctx context.Context, userID int64, ids []int64, paused bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.store.SetPaused(ctx, userID, ids, paused)
	if err != nil {
		return 0, err
	}
	if !paused && n > 0 && s.runner != nil {
		s.runner.Wake()
	}
	return n, nil
}

// StockStats returns nil stats when the product has no stock history.
func (s *Service) StockStats(ctx context.Context, userID, id int64, windowDays int) (*stock.Stats, error) {
	if windowDays < 1 || windowDays > 3650 {
		return nil, ErrInvalidWindow
	}
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.tracker.Stats(ctx, id, windowDays)
}

func (s *Service) NotificationHistory(ctx context.Context, userID int64, page products.Page, filter products.NotificationFilter) (products.NotificationPage, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return products.NotificationPage{}, ErrInvalidFilter
	}
	return s.store.ListNotifications(ctx, userID, filter, page.Normalize())
}

// DeleteProduct removes the product and its history and aborts any cycle
// in flight for it.
func (s *Service) DeleteProduct(ctx context.Context, userID, id int64) error {
	if err := s.store.DeleteProduct(ctx, userID, id); err != nil {
		return err
	}
	if s.runner != nil {
		s.runner.Cancel(id)
	}
	s.log.Info("product deleted", "product_id", id)
	return nil
}

func (s *Service) UpdateAlerts(ctx context.Context, userID, id int64, a products.AlertSettings) (*products.Product, error) {
	if a.RefreshInterval != 0 {
		if _, err := s.interval(a.RefreshInterval); err != nil {
			return nil, err
		}
	}
	if !validThreshold(a.PriceDropThreshold) || !validThreshold(a.TargetPrice) {
		return nil, fmt.Errorf("%w: thresholds must not be negative", ErrInvalidCandidate)
	}
	if err := s.store.UpdateAlerts(ctx, userID, id, a); err != nil {
		return nil, err
	}
	return s.store.GetProduct(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context, userID int64) ([]products.Product, error) {
	list, err := s.store.ListProducts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []products.Product{}
	}
	return list, nil
}

func (s *Service) GetProduct(ctx context.Context, userID, id int64) (*products.Product, error) {
	return s.owned(ctx, userID, id)
}

// PriceHistory returns the newest entries first.
func (s *Service) PriceHistory(ctx context.Context, userID, id int64, limit int) ([]products.PriceHistory, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.store.PriceHistory(ctx, id, limit)
}

// StockHistory returns the transitions of the last days, plus the entry in
// force at the start of the window.
func (s *Service) StockHistory(ctx context.Context, userID, id int64, days int) ([]products.StockStatusEntry, error) {
	if days < 1 || days > 3650 {
		return nil, ErrInvalidWindow
	}
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	entries, err := s.store.StockHistorySince(ctx, id, s.now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []products.StockStatusEntry{}
	}
	return entries, nil
}

// IsUserError reports whether err is caused by the request rather than by
// the service.
func IsUserError(err error) bool {
	for _, target := range []error{
		ErrInvalidInterval, ErrInvalidCandidate, ErrInvalidWindow, ErrInvalidFilter, extract.ErrInvalidURL,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
