package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/database"
	"github.com/valeevte/PriceTracker/internal/extract"
	"github.com/valeevte/PriceTracker/internal/monitor"
	"github.com/valeevte/PriceTracker/internal/notify"
	"github.com/valeevte/PriceTracker/internal/scheduler"
	"github.com/valeevte/PriceTracker/internal/server"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the whole process configuration. Nested components read
// PREFIX_FIELD first and fall back to their bare names where a field
// carries an explicit envconfig tag (PORT, TELEGRAM_BOT_TOKEN, ...).
type Config struct {
	AppEnv         string `split_words:"true" default:"development"`
	StoreDriver    string `split_words:"true" default:"postgres"`
	StatsPrecision int    `split_words:"true" default:"1"`

	Server    server.Config
	DB        database.Config
	Redis     database.RedisConfig
	Scheduler scheduler.Config
	Arbiter   arbiter.Config
	Fetch     extract.FetchConfig
	Notify    notify.Config
	Monitor   monitor.Config

	// AI settings use unprefixed names (AI_ENABLED, GEMINI_API_KEY).
	AI extract.AIConfig `ignored:"true"`
}

// Load reads the given .env files (missing files are fine) and then the
// environment. Variables already set in the environment win over .env.
func Load(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := envconfig.Process("", &cfg.AI); err != nil {
		return nil, fmt.Errorf("process ai env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
		if err := c.DB.Validate(); err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		return errors.New("AI_ENABLED requires GEMINI_API_KEY")
	}
	if c.Redis.Enabled() && c.Scheduler.ClaimTTL > 0 && c.Scheduler.ClaimTTL <= c.Scheduler.CycleTimeout {
		return fmt.Errorf("SCHEDULER_CLAIM_TTL (%s) must exceed SCHEDULER_CYCLE_TIMEOUT (%s)", c.Scheduler.ClaimTTL, c.Scheduler.CycleTimeout)
	}
	return nil
}

func (c *Config) Production() bool {
	switch strings.ToLower(c.AppEnv) {
	case "prod", "production":
		return true
	}
	return false
}
