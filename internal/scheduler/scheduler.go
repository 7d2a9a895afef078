// Package scheduler runs check cycles for due products on a bounded worker
// pool. Due state lives in the store (next_check_at), so any instance can
// pick up work after a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/products"
)

type Config struct {
	PollInterval time.Duration `split_words:"true" default:"30s"`
	Workers      int           `split_words:"true" default:"4"`
	CycleTimeout time.Duration `split_words:"true" default:"2m"`
	MaxRetries   int           `split_words:"true" default:"5"`
	BackoffCap   time.Duration `split_words:"true" default:"24h"`
	BatchSize    int           `split_words:"true" default:"100"`
	ClaimTTL     time.Duration `split_words:"true" default:"5m"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type ResultKind int

const (
	Succeeded ResultKind = iota
	NeedsReview
	ExtractionFailed
)

func (k ResultKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case NeedsReview:
		return "needs_review"
	case ExtractionFailed:
		return "extraction_failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one check cycle. Err is set for ExtractionFailed.
type Result struct {
	Kind ResultKind
	Err  error
}

// Checker runs the fetch, arbitrate, record and notify steps for a product.
type Checker interface {
	Check(ctx context.Context, p products.Product) Result
}

// Store is the part of products.Store the scheduler needs.
type Store interface {
	GetProduct(ctx context.Context, id int64) (*products.Product, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]products.Product, error)
	UpdateSchedule(ctx context.Context, id int64, u products.ScheduleUpdate) error
}

// RefreshStatus is the answer to a manual refresh request.
type RefreshStatus string

const (
	// Started: the cycle ran in the caller's request.
	Started RefreshStatus = "started"
	// Queued: a cycle was in flight; one rerun follows it.
	Queued RefreshStatus = "queued"
	// AlreadyQueued: a rerun was already pending; nothing changed.
	AlreadyQueued RefreshStatus = "already_queued"
	// Skipped: another instance holds the product.
	Skipped RefreshStatus = "skipped"
)

type flight struct {
	cancel context.CancelFunc
	rerun  bool
}

type Scheduler struct {
	store   Store
	checker Checker
	claims  Claimer
	cfg     Config
	log     *logger.Logger

	jobs chan int64
	wake chan struct{}

	mu      sync.Mutex
	flights map[int64]*flight
	pending map[int64]struct{}
	scanMu  sync.Mutex

	now func() time.Time
}

func New(store Store, checker Checker, claims Claimer, cfg Config, log *logger.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if claims == nil {
		claims = NewLocalClaims()
	}
	return &Scheduler{
		store:   store,
		checker: checker,
		claims:  claims,
		cfg:     cfg,
		log:     log.With("component", "scheduler"),
		jobs:    make(chan int64),
		wake:    make(chan struct{}, 1),
		flights: make(map[int64]*flight),
		pending: make(map[int64]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run scans for due products on the poll interval and whenever Wake is
// called, and blocks until ctx is cancelled and the workers have stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc("@every "+s.cfg.PollInterval.String(), func() { s.scan(ctx) }); err != nil {
		return fmt.Errorf("schedule scan: %w", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, i)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				s.scan(ctx)
			}
		}
	}()

	c.Start()
	s.log.Info("scheduler started", "poll_interval", s.cfg.PollInterval, "workers", s.cfg.Workers)
	s.Wake()

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// Wake requests an immediate due scan.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	due, err := s.store.ListDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("list due products failed", "error", err)
		}
		return
	}
	for _, p := range due {
		s.mu.Lock()
		_, busy := s.flights[p.ID]
		_, queued := s.pending[p.ID]
		if !busy && !queued {
			s.pending[p.ID] = struct{}{}
		}
		s.mu.Unlock()
		if busy || queued {
			continue
		}
		select {
		case s.jobs <- p.ID:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.jobs:
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()
			s.runScheduled(ctx, workerID, id)
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context, workerID int, id int64) {
	log := s.log.With("worker_id", workerID, "product_id", id)

	f, ok := s.reserve(id)
	if !ok {
		log.Debug("product already in flight")
		return
	}
	release, err := s.claims.Claim(ctx, id)
	if err != nil {
		s.finish(id)
		if errors.Is(err, ErrScheduleConflict) {
			log.Debug("product claimed elsewhere")
		} else {
			log.Warn("claim failed", "error", err)
		}
		return
	}
	defer release()

	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		s.finish(id)
		if !errors.Is(err, products.ErrNotFound) {
			log.Warn("load product failed", "error", err)
		}
		return
	}
	// State may have changed between the scan and the claim.
	if p.CheckingPaused || p.ReviewPending || p.NextCheckAt.After(s.now()) {
		s.finish(id)
		return
	}
	s.cycles(ctx, log, f, p)
}

// RefreshNow checks a product immediately, regardless of its schedule. It
// never runs two cycles for the same product at once: a request made while
// one is in flight queues a single rerun.
func (s *Scheduler) RefreshNow(ctx context.Context, id int64) (RefreshStatus, error) {
	s.mu.Lock()
	if f, ok := s.flights[id]; ok {
		defer s.mu.Unlock()
		if f.rerun {
			return AlreadyQueued, nil
		}
		f.rerun = true
		return Queued, nil
	}
	f := &flight{}
	s.flights[id] = f
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	release, err := s.claims.Claim(ctx, id)
	if err != nil {
		s.finish(id)
		if errors.Is(err, ErrScheduleConflict) {
			return Skipped, nil
		}
		return "", err
	}
	defer release()

	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		s.finish(id)
		return "", err
	}
	s.cycles(ctx, s.log.With("product_id", id, "manual", true), f, p)
	return Started, nil
}

// Cancel aborts the in-flight cycle of a product and drops its queued rerun.
func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	if f, ok := s.flights[id]; ok {
		f.rerun = false
		if f.cancel != nil {
			f.cancel()
		}
	}
}

func (s *Scheduler) reserve(id int64) (*flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flights[id]; ok {
		return nil, false
	}
	f := &flight{}
	s.flights[id] = f
	return f, true
}

func (s *Scheduler) finish(id int64) {
	s.mu.Lock()
	delete(s.flights, id)
	s.mu.Unlock()
}

// cycles runs one cycle plus any reruns queued while it was running. The
// caller holds the product's claim.
func (s *Scheduler) cycles(ctx context.Context, log *logger.Logger, f *flight, p *products.Product) {
	defer s.finish(p.ID)
	for {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
		s.mu.Lock()
		f.cancel = cancel
		s.mu.Unlock()

		res := s.check(cctx, log, *p)
		cerr := cctx.Err()
		cancel()
		switch {
		case ctx.Err() != nil:
			// Shutdown: the product stays due and is picked up on restart.
			log.Info("check interrupted by shutdown")
		case errors.Is(cerr, context.Canceled):
			log.Info("check cancelled")
		default:
			s.apply(ctx, log, p, res)
		}

		s.mu.Lock()
		again := f.rerun
		f.rerun = false
		f.cancel = nil
		s.mu.Unlock()
		if !again || ctx.Err() != nil {
			return
		}

		next, err := s.store.GetProduct(ctx, p.ID)
		if err != nil {
			return
		}
		if next.ReviewPending {
			log.Info("queued refresh dropped, review pending")
			return
		}
		p = next
	}
}

func (s *Scheduler) check(ctx context.Context, log *logger.Logger, p products.Product) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("check panic", "panic", r)
			res = Result{Kind: ExtractionFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.checker.Check(ctx, p)
}

func (s *Scheduler) apply(ctx context.Context, log *logger.Logger, p *products.Product, res Result) {
	now := s.now()
	interval := p.RefreshInterval
	if interval <= 0 {
		interval = s.cfg.PollInterval
	}
	u := products.ScheduleUpdate{LastChecked: now}

	switch res.Kind {
	case Succeeded:
		next := now.Add(interval)
		u.NextCheckAt = &next
	case NeedsReview:
		// The product leaves the due set until the review is resolved.
	case ExtractionFailed:
		u.ConsecutiveFailures = p.ConsecutiveFailures + 1
		if res.Err != nil {
			u.LastError = res.Err.Error()
		}
		var next time.Time
		if u.ConsecutiveFailures <= s.cfg.MaxRetries {
			next = now.Add(Backoff(interval, u.ConsecutiveFailures, s.cfg.BackoffCap))
		} else {
			next = now.Add(interval)
			u.CheckWarning = true
		}
		u.NextCheckAt = &next
		log.Warn("check failed", "failures", u.ConsecutiveFailures, "next_check_at", next, "error", res.Err)
	}

	if err := s.store.UpdateSchedule(ctx, p.ID, u); err != nil {
		if errors.Is(err, products.ErrNotFound) {
			log.Debug("product deleted during check")
			return
		}
		log.Error("update schedule failed", "error", err)
		return
	}
	log.Debug("check finished", "result", res.Kind)
}

// Backoff is interval * 2^(failures-1), capped.
func Backoff(interval time.Duration, failures int, maxDelay time.Duration) time.Duration {
	if failures < 1 {
		return interval
	}
	d := interval
	for i := 1; i < failures; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// cronLogger routes robfig/cron's chatter to debug.
type cronLogger struct{ log *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
