// Package monitor runs the check cycle of a product (fetch, arbitrate,
// record, notify) and implements the user-facing tracker operations.
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
	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/notify"
	"github.com/valeevte/PriceTracker/internal/products"
	"github.com/valeevte/PriceTracker/internal/scheduler"
	"github.com/valeevte/PriceTracker/internal/stock"
)

var (
	ErrExtractionFailed = errors.New("no price could be extracted")
	ErrReviewPending    = errors.New("product has a pending price review")
	ErrNoReview         = errors.New("product has no pending price review")
	ErrInvalidInterval  = errors.New("refresh interval too short")
	ErrInvalidCandidate = errors.New("invalid price candidate")
	ErrInvalidWindow    = errors.New("window must be between 1 and 3650 days")
	ErrInvalidFilter    = errors.New("invalid notification type")
)

type Config struct {
	DefaultRefreshInterval time.Duration `split_words:"true" default:"1h"`
	MinRefreshInterval     time.Duration `split_words:"true" default:"5m"`
	HistoryLimit           int           `split_words:"true" default:"500"`
}

// Extractor is satisfied by *extract.Extractor.
type Extractor interface {
	Extract(ctx context.Context, rawURL string, opts extract.Options) (*extract.Extraction, error)
	Verify(ctx context.Context, page *extract.Page, accepted arbiter.Candidate) (extract.Verdict, bool, error)
}

// Notifier is satisfied by *notify.Engine.
type Notifier interface {
	Process(ctx context.Context, u notify.Update) ([]products.NotificationEntry, error)
}

// Runner is satisfied by *scheduler.Scheduler.
type Runner interface {
	RefreshNow(ctx context.Context, id int64) (scheduler.RefreshStatus, error)
	Cancel(id int64)
	Wake()
}

type Service struct {
	store     products.Store
	extractor Extractor
	arbiter   *arbiter.Arbiter
	tracker   *stock.Tracker
	notifier  Notifier
	runner    Runner
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

func New(store products.Store, extractor Extractor, arb *arbiter.Arbiter, tracker *stock.Tracker, notifier Notifier, cfg Config, log *logger.Logger) *Service {
	if cfg.DefaultRefreshInterval <= 0 {
		cfg.DefaultRefreshInterval = time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	return &Service{
		store:     store,
		extractor: extractor,
		arbiter:   arb,
		tracker:   tracker,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.With("component", "monitor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UseRunner attaches the scheduler. The scheduler itself needs the service
// as its Checker, so this cannot be a constructor argument.
func (s *Service) UseRunner(r Runner) { s.runner = r }

// Check runs one cycle for p. It implements scheduler.Checker.
func (s *Service) Check(ctx context.Context, p products.Product) scheduler.Result {
	log := s.log.With("product_id", p.ID)

	ext, err := s.extractor.Extract(ctx, p.URL, extract.Options{UseAI: p.AIExtractionEnabled})
	if err != nil {
		return scheduler.Result{Kind: scheduler.ExtractionFailed, Err: fmt.Errorf("%w: %v", ErrExtractionFailed, err)}
	}

	out := s.arbiter.Resolve(ext.Candidates)
	switch out.Kind {
	case arbiter.Failed:
		return scheduler.Result{Kind: scheduler.ExtractionFailed, Err: failureError(ext.Failures)}
	case arbiter.NeedsReview:
		if err := s.store.SetReview(ctx, p.ID, out.Candidates); err != nil && !errors.Is(err, products.ErrNotFound) {
			return scheduler.Result{Kind: scheduler.ExtractionFailed, Err: fmt.Errorf("set review: %w", err)}
		}
		log.Info("price needs review", "candidates", len(out.Candidates), "suggested", out.Suggested.Price)
		return scheduler.Result{Kind: scheduler.NeedsReview}
	}

	accepted, aiStatus := s.verify(ctx, log, p.AIVerificationEnabled, ext.Page, out.Accepted)
	if err := s.record(ctx, log, p, accepted, ext.Stock, aiStatus, ext.Title); err != nil {
		return scheduler.Result{Kind: scheduler.ExtractionFailed, Err: err}
	}
	return scheduler.Result{Kind: scheduler.Succeeded}
}

func failureError(failures []extract.StrategyError) error {
	if len(failures) == 0 {
		return ErrExtractionFailed
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.Error()
	}
	return fmt.Errorf("%w: %s", ErrExtractionFailed, strings.Join(parts, "; "))
}

// verify runs the AI verification pass over a price accepted by a non-AI
// method. A correction replaces the accepted candidate without going back
// through arbitration.
func (s *Service) verify(ctx context.Context, log *logger.Logger, enabled bool, page *extract.Page, accepted arbiter.Candidate) (arbiter.Candidate, products.AIStatus) {
	if !enabled || accepted.Method == arbiter.MethodAI || page == nil {
		return accepted, ""
	}
	verdict, ok, err := s.extractor.Verify(ctx, page, accepted)
	if !ok {
		return accepted, ""
	}
	if err != nil {
		log.Warn("ai verification failed", "error", err)
		return accepted, ""
	}
	if verdict.Status == products.AICorrected && verdict.Corrected != nil {
		log.Info("ai corrected price", "from", accepted.Price, "to", verdict.Corrected.Price)
		return *verdict.Corrected, products.AICorrected
	}
	return accepted, verdict.Status
}

// record persists an accepted observation and notifies. p is the row as it
// was before the observation. A product deleted mid-cycle stops recording
// without error.
func (s *Service) record(ctx context.Context, log *logger.Logger, p products.Product, c arbiter.Candidate, status products.StockStatus, aiStatus products.AIStatus, title string) error {
	at := s.now()
	price := c.Normalized()
	currency := firstNonEmpty(arbiter.NormalizeCurrency(c.Currency), p.Currency)
	if !status.Valid() {
		status = products.Unknown
	}

	err := s.store.AppendPrice(ctx, products.PriceHistory{ProductID: p.ID, Price: price, Currency: currency, RecordedAt: at})
	switch {
	case errors.Is(err, products.ErrNotFound):
		log.Info("product deleted during check")
		return nil
	case errors.Is(err, products.ErrStaleWrite):
		log.Warn("price write rejected", "at", at)
	case err != nil:
		return fmt.Errorf("append price: %w", err)
	}

	if _, err := s.tracker.RecordObservation(ctx, p.ID, status, at); err != nil {
		if errors.Is(err, products.ErrNotFound) {
			log.Info("product deleted during check")
			return nil
		}
		return fmt.Errorf("record stock: %w", err)
	}

	err = s.store.ApplyCheck(ctx, p.ID, products.CheckResult{
		Price:       price,
		Currency:    currency,
		StockStatus: status,
		AIStatus:    aiStatus,
		Name:        title,
	})
	if errors.Is(err, products.ErrNotFound) {
		log.Info("product deleted during check")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply check: %w", err)
	}

	if s.notifier != nil {
		_, err := s.notifier.Process(ctx, notify.Update{
			Product:   p,
			OldPrice:  p.CurrentPrice,
			NewPrice:  &price,
			Currency:  currency,
			OldStatus: p.StockStatus,
			NewStatus: status,
			At:        at,
		})
		if err != nil {
			log.Error("notification processing failed", "error", err)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// owned loads a product of the user. Other users' products are reported as
// not found.
func (s *Service) owned(ctx context.Context, userID, id int64) (*products.Product, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, products.ErrNotFound
	}
	return p, nil
}

func (s *Service) interval(d time.Duration) (time.Duration, error) {
	if d == 0 {
		return s.cfg.DefaultRefreshInterval, nil
	}
	if d < s.cfg.MinRefreshInterval || d < 0 {
		return 0, fmt.Errorf("%w: minimum is %s", ErrInvalidInterval, s.cfg.MinRefreshInterval)
	}
	return d, nil
}

func validCandidate(c arbiter.Candidate) error {
	if !c.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidCandidate)
	}
	if c.Method != "" && !c.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidCandidate, c.Method)
	}
	return nil
}

func validThreshold(d *decimal.Decimal) bool { return d == nil || !d.IsNegative() }
