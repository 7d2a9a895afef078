package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/config"
	"github.com/valeevte/PriceTracker/internal/database"
	"github.com/valeevte/PriceTracker/internal/extract"
	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/monitor"
	"github.com/valeevte/PriceTracker/internal/notify"
	"github.com/valeevte/PriceTracker/internal/products"
	"github.com/valeevte/PriceTracker/internal/scheduler"
	"github.com/valeevte/PriceTracker/internal/server"
	"github.com/valeevte/PriceTracker/internal/stock"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// graceful shutdown coordination
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, health, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	claims, closeClaims, err := openClaims(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeClaims()

	extractor, err := buildExtractor(ctx, cfg, log)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Notify.Timeout}
	notifier := notify.NewEngine(store, notify.DefaultChannels(httpClient), cfg.Notify, log)
	tracker := stock.NewTracker(store, log, cfg.StatsPrecision)

	svc := monitor.New(store, extractor, arbiter.New(cfg.Arbiter), tracker, notifier, cfg.Monitor, log)
	sched := scheduler.New(store, svc, claims, cfg.Scheduler, log)
	svc.UseRunner(sched)

	if cfg.Production() && cfg.Server.GinMode == gin.DebugMode {
		cfg.Server.GinMode = gin.ReleaseMode
	}
	router := server.NewRouter(cfg.Server, monitor.NewHandler(svc, log), health, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// scheduler runs until ctx is cancelled
		return sched.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server started", "addr", srv.Addr, "store", cfg.StoreDriver, "ai", extractor.AIAvailable())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		// stop accepting new requests, allow 15s to finish
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (products.Store, server.HealthFunc, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return products.NewMemoryStore(), nil, func() {}, nil
	}

	pool, err := database.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	health := func(c *gin.Context) error {
		pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		return pool.Ping(pctx)
	}
	// close DB pool (blocks until connections returned)
	return products.NewRepository(pool), health, pool.Close, nil
}

// openClaims always guards against overlap inside this process; Redis adds
// the cross-instance claim when configured.
func openClaims(ctx context.Context, cfg *config.Config, log *logger.Logger) (scheduler.Claimer, func(), error) {
	local := scheduler.NewLocalClaims()
	if !cfg.Redis.Enabled() {
		return local, func() {}, nil
	}
	client, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	log.Info("redis claims enabled")
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("close redis", "error", err)
		}
	}
	return scheduler.Chain(local, scheduler.NewRedisClaims(client, cfg.Scheduler.ClaimTTL, log)), closeFn, nil
}

func buildExtractor(ctx context.Context, cfg *config.Config, log *logger.Logger) (*extract.Extractor, error) {
	rules, err := extract.LoadSiteRules(cfg.Fetch.SiteRulesPath)
	if err != nil {
		return nil, err
	}
	fetcher := extract.NewFetcher(cfg.Fetch, extract.NewHostThrottle(cfg.Fetch.HostInterval))
	ex := extract.NewExtractor(fetcher, rules, cfg.Fetch.DefaultCurrency, cfg.Fetch.StrategyTimeout)
	if !cfg.AI.Enabled {
		return ex, nil
	}

	model, err := extract.NewGeminiCompleter(ctx, cfg.AI.APIKey, cfg.AI.Model)
	if err != nil {
		return nil, err
	}
	var verifier *extract.Verifier
	if cfg.AI.Verification {
		verifier = &extract.Verifier{Model: model, MaxChars: cfg.AI.MaxChars, Floor: cfg.AI.VerifyFloor}
	}
	log.Info("ai extraction enabled", "model", cfg.AI.Model, "verification", verifier != nil)
	return ex.WithAI(extract.AIStrategy{
		Model:           model,
		MaxChars:        cfg.AI.MaxChars,
		DefaultCurrency: cfg.Fetch.DefaultCurrency,
	}, verifier), nil
}
