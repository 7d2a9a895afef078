package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/extract"
	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/notify"
	"github.com/valeevte/PriceTracker/internal/products"
	"github.com/valeevte/PriceTracker/internal/scheduler"
	"github.com/valeevte/PriceTracker/internal/stock"
)

const productURL = "https://shop.example/kettle"

type fakeExtractor struct {
	mu      sync.Mutex
	ext     extract.Extraction
	err     error
	verdict *extract.Verdict
	// entered/block let a test hold a cycle inside the fetch.
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeExtractor) set(stockStatus products.StockStatus, cands ...arbiter.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ext = extract.Extraction{Title: "Kettle", Stock: stockStatus, Candidates: cands}
}

func (f *fakeExtractor) Extract(ctx context.Context, _ string, _ extract.Options) (*extract.Extraction, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ext := f.ext
	return &ext, nil
}

func (f *fakeExtractor) Verify(context.Context, *extract.Page, arbiter.Candidate) (extract.Verdict, bool, error) {
	if f.verdict == nil {
		return extract.Verdict{}, false, nil
	}
	return *f.verdict, true, nil
}

type captureChannel struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *captureChannel) Name() string                             { return "ntfy" }
func (c *captureChannel) Configured(*products.ChannelSettings) bool { return true }
func (c *captureChannel) Send(_ context.Context, _ *products.ChannelSettings, m notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

type fixture struct {
	store   *products.MemoryStore
	ex      *fakeExtractor
	svc     *Service
	sched   *scheduler.Scheduler
	channel *captureChannel
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{
		store:   products.NewMemoryStore(),
		ex:      &fakeExtractor{},
		channel: &captureChannel{},
		clock:   time.Now().UTC().Add(-time.Hour).Truncate(time.Second),
	}
	f.store.PutChannelSettings(1, products.ChannelSettings{})
	engine := notify.NewEngine(f.store, []notify.Channel{f.channel}, notify.Config{Timeout: time.Second}, log)
	tracker := stock.NewTracker(f.store, log, 1)
	f.svc = New(f.store, f.ex, arbiter.New(arbiter.DefaultConfig()), tracker, engine,
		Config{DefaultRefreshInterval: time.Hour, MinRefreshInterval: 5 * time.Minute}, log)
	f.svc.now = func() time.Time {
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	}
	f.sched = scheduler.New(f.store, f.svc, nil, scheduler.Config{}, log)
	f.svc.UseRunner(f.sched)
	return f
}

func cand(price string, method arbiter.Method, conf float64) arbiter.Candidate {
	return arbiter.Candidate{Price: decimal.RequireFromString(price), Currency: "USD", Method: method, Confidence: conf}
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func (f *fixture) create(t *testing.T, req CreateRequest) *products.Product {
	t.Helper()
	if req.URL == "" {
		req.URL = productURL
	}
	res, err := f.svc.CreateProduct(context.Background(), 1, req)
	require.NoError(t, err)
	require.NotNil(t, res.Product)
	return res.Product
}

func TestCreateProductAccepted(t *testing.T) {
	f := newFixture(t)
	f.ex.set(products.InStock, cand("19.999", arbiter.MethodJSONLD, 0.95), cand("20", arbiter.MethodGenericCSS, 0.45))

	p := f.create(t, CreateRequest{})
	assert.Equal(t, "Kettle", p.Name)
	assert.True(t, p.CurrentPrice.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, products.InStock, p.StockStatus)
	assert.Equal(t, time.Hour, p.RefreshInterval)

	hist, err := f.store.PriceHistory(context.Background(), p.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	status, ok, err := f.store.LastStockStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, products.InStock, status)
}

func TestCreateProductNeedsReviewStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.ex.set(products.Unknown, cand("20", arbiter.MethodSiteSpecific, 0.85), cand("25", arbiter.MethodGenericCSS, 0.6))

	res, err := f.svc.CreateProduct(context.Background(), 1, CreateRequest{URL: productURL})
	require.NoError(t, err)
	require.Nil(t, res.Product)
	require.NotNil(t, res.Review)
	require.Len(t, res.Review.Candidates, 2)
	assert.Equal(t, arbiter.MethodSiteSpecific, res.Review.Suggested.Method)

	list, err := f.svc.ListProducts(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, list)

	chosen := res.Review.Candidates[1]
	p := f.create(t, CreateRequest{Chosen: &chosen})
	assert.True(t, p.CurrentPrice.Equal(decimal.NewFromInt(25)))
}

func TestCreateProductErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, 1, CreateRequest{URL: "not a url"})
	assert.ErrorIs(t, err, extract.ErrInvalidURL)
	assert.True(t, IsUserError(err))

	_, err = f.svc.CreateProduct(ctx, 1, CreateRequest{URL: productURL, RefreshInterval: time.Second})
	assert.ErrorIs(t, err, ErrInvalidInterval)

	f.ex.set(products.Unknown)
	_, err = f.svc.CreateProduct(ctx, 1, CreateRequest{URL: productURL})
	assert.ErrorIs(t, err, ErrExtractionFailed)

	f.ex.err = errors.New("connection refused")
	_, err = f.svc.CreateProduct(ctx, 1, CreateRequest{URL: productURL})
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.False(t, IsUserError(err))
}

func TestCheckRecordsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set(products.OutOfStock, cand("55", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{TargetPrice: dec("50"), NotifyBackInStock: true})

	for _, price := range []string{"48", "45"} {
		f.ex.set(products.InStock, cand(price, arbiter.MethodJSONLD, 0.95))
		cur, err := f.store.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		res := f.svc.Check(ctx, *cur)
		require.Equal(t, scheduler.Succeeded, res.Kind, "%v", res.Err)
	}

	got, err := f.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(45)))
	assert.Equal(t, products.InStock, got.StockStatus)

	hist, err := f.store.PriceHistory(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	page, err := f.svc.NotificationHistory(ctx, 1, products.Page{}, products.NotificationFilter{})
	require.NoError(t, err)
	types := map[products.NotificationType]int{}
	for _, n := range page.Items {
		types[n.Type]++
	}
	assert.Equal(t, map[products.NotificationType]int{
		products.NotifyPriceTarget: 1,
		products.NotifyStockChange: 1,
	}, types)
	assert.Len(t, f.channel.msgs, 2)

	stats, err := f.svc.StockStats(ctx, 1, p.ID, 30)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, products.InStock, stats.CurrentStatus)
	assert.Equal(t, 1, stats.OutageCount)
}

func TestCheckFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set(products.InStock, cand("10", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{})

	f.ex.set(products.InStock)
	res := f.svc.Check(ctx, *p)
	assert.Equal(t, scheduler.ExtractionFailed, res.Kind)
	assert.ErrorIs(t, res.Err, ErrExtractionFailed)

	f.ex.err = context.DeadlineExceeded
	res = f.svc.Check(ctx, *p)
	assert.Equal(t, scheduler.ExtractionFailed, res.Kind)
}

func TestReviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set(products.InStock, cand("10", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{})

	f.ex.set(products.InStock, cand("10", arbiter.MethodGenericCSS, 0.6), cand("14", arbiter.MethodAI, 0.7))
	res := f.svc.Check(ctx, *p)
	require.Equal(t, scheduler.NeedsReview, res.Kind)

	got, err := f.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.ReviewPending)
	require.Len(t, got.ReviewCandidates, 2)
	assert.Equal(t, arbiter.MethodAI, got.ReviewCandidates[0].Method)

	_, _, err = f.svc.RefreshNow(ctx, 1, p.ID)
	assert.ErrorIs(t, err, ErrReviewPending)

	resolved, err := f.svc.ResolveReview(ctx, 1, p.ID, arbiter.Candidate{Price: decimal.NewFromInt(14), Method: arbiter.MethodAI})
	require.NoError(t, err)
	assert.False(t, resolved.ReviewPending)
	assert.Empty(t, resolved.ReviewCandidates)
	assert.True(t, resolved.CurrentPrice.Equal(decimal.NewFromInt(14)))
	assert.Equal(t, "USD", resolved.Currency)

	_, err = f.svc.ResolveReview(ctx, 1, p.ID, cand("1", arbiter.MethodAI, 1))
	assert.ErrorIs(t, err, ErrNoReview)
}

func TestAIVerificationCorrects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page, err := extract.ParsePage(productURL, []byte("<html></html>"))
	require.NoError(t, err)

	corrected := cand("17.50", arbiter.MethodAI, 0.9)
	f.ex.verdict = &extract.Verdict{Status: products.AICorrected, Corrected: &corrected}
	f.ex.set(products.InStock, cand("175", arbiter.MethodGenericCSS, 0.6))
	f.ex.ext.Page = page

	p := f.create(t, CreateRequest{AIVerificationEnabled: true})
	assert.Equal(t, products.AICorrected, p.AIStatus)
	assert.True(t, p.CurrentPrice.Equal(decimal.RequireFromString("17.5")))

	f.ex.verdict = &extract.Verdict{Status: products.AIVerified}
	res := f.svc.Check(ctx, *p)
	require.Equal(t, scheduler.Succeeded, res.Kind)
	got, err := f.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, products.AIVerified, got.AIStatus)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(175)))
}

func TestDeleteMidCycleLeavesNoOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set(products.InStock, cand("10", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{})

	f.ex.set(products.OutOfStock, cand("8", arbiter.MethodJSONLD, 0.95))
	f.ex.entered = make(chan struct{}, 1)
	f.ex.block = make(chan struct{})

	done := make(chan scheduler.RefreshStatus, 1)
	go func() {
		st, _, _ := f.svc.RefreshNow(ctx, 1, p.ID)
		done <- st
	}()
	<-f.ex.entered
	require.NoError(t, f.svc.DeleteProduct(ctx, 1, p.ID))
	close(f.ex.block)
	<-done

	hist, err := f.store.PriceHistory(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
	_, ok, err := f.store.LastStockStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.svc.GetProduct(ctx, 1, p.ID)
	assert.ErrorIs(t, err, products.ErrNotFound)
}

func TestOwnershipAndPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set(products.InStock, cand("10", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{})

	_, err := f.svc.GetProduct(ctx, 2, p.ID)
	assert.ErrorIs(t, err, products.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteProduct(ctx, 2, p.ID), products.ErrNotFound)
	_, err = f.svc.StockStats(ctx, 2, p.ID, 30)
	assert.ErrorIs(t, err, products.ErrNotFound)

	n, err := f.svc.SetPaused(ctx, 2, []int64{p.ID}, true)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.svc.SetPaused(ctx, 1, []int64{p.ID}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Manual refresh still works on a paused product.
	st, got, err := f.svc.RefreshNow(ctx, 1, p.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Started, st)
	assert.True(t, got.CheckingPaused)

	_, err = f.svc.StockStats(ctx, 1, p.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = f.svc.NotificationHistory(ctx, 1, products.Page{}, products.NotificationFilter{Type: "email"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestUpdateAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ex.set(products.InStock, cand("10", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{})

	target := decimal.NewFromInt(9)
	got, err := f.svc.UpdateAlerts(ctx, 1, p.ID, products.AlertSettings{TargetPrice: &target, RefreshInterval: 2 * time.Hour})
	require.NoError(t, err)
	require.NotNil(t, got.TargetPrice)
	assert.True(t, got.TargetPrice.Equal(target))
	assert.Equal(t, 2*time.Hour, got.RefreshInterval)

	_, err = f.svc.UpdateAlerts(ctx, 1, p.ID, products.AlertSettings{RefreshInterval: time.Minute})
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
