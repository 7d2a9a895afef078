package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on every start; statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
    id                      BIGSERIAL PRIMARY KEY,
    user_id                 BIGINT NOT NULL,
    name                    TEXT NOT NULL DEFAULT '',
    url                     TEXT NOT NULL,
    refresh_interval        INTEGER NOT NULL DEFAULT 3600,
    last_checked            TIMESTAMPTZ,
    next_check_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    checking_paused         BOOLEAN NOT NULL DEFAULT false,
    stock_status            TEXT NOT NULL DEFAULT 'unknown',
    current_price           NUMERIC(14,4),
    currency                TEXT NOT NULL DEFAULT '',
    price_drop_threshold    NUMERIC(14,4),
    target_price            NUMERIC(14,4),
    notify_back_in_stock    BOOLEAN NOT NULL DEFAULT false,
    ai_extraction_enabled   BOOLEAN NOT NULL DEFAULT false,
    ai_verification_enabled BOOLEAN NOT NULL DEFAULT false,
    ai_status               TEXT,
    review_pending          BOOLEAN NOT NULL DEFAULT false,
    review_candidates       JSONB,
    consecutive_failures    INTEGER NOT NULL DEFAULT 0,
    check_warning           BOOLEAN NOT NULL DEFAULT false,
    last_error              TEXT,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_products_due ON products (next_check_at)
    WHERE checking_paused = false AND review_pending = false`,
	`CREATE INDEX IF NOT EXISTS idx_products_user ON products (user_id)`,
	`CREATE TABLE IF NOT EXISTS price_history (
    id          BIGSERIAL PRIMARY KEY,
    product_id  BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    price       NUMERIC(14,4) NOT NULL,
    currency    TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history (product_id, recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stock_status_history (
    id         BIGSERIAL PRIMARY KEY,
    product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    status     TEXT NOT NULL,
    changed_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_history_product ON stock_status_history (product_id, changed_at)`,
	`CREATE TABLE IF NOT EXISTS notification_history (
    id                BIGSERIAL PRIMARY KEY,
    product_id        BIGINT REFERENCES products(id) ON DELETE SET NULL,
    user_id           BIGINT NOT NULL,
    notification_type TEXT NOT NULL,
    triggered_at      TIMESTAMPTZ NOT NULL,
    old_price         NUMERIC(14,4),
    new_price         NUMERIC(14,4),
    currency          TEXT NOT NULL DEFAULT '',
    old_stock_status  TEXT,
    new_stock_status  TEXT,
    channels_notified TEXT[] NOT NULL DEFAULT '{}',
    product_name      TEXT NOT NULL DEFAULT '',
    product_url       TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_history_user ON notification_history (user_id, triggered_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_history_product ON notification_history (product_id, notification_type, triggered_at DESC)`,
	`CREATE TABLE IF NOT EXISTS user_notification_settings (
    user_id             BIGINT PRIMARY KEY,
    telegram_enabled    BOOLEAN NOT NULL DEFAULT false,
    telegram_bot_token  TEXT,
    telegram_chat_id    TEXT,
    discord_enabled     BOOLEAN NOT NULL DEFAULT false,
    discord_webhook_url TEXT,
    pushover_enabled    BOOLEAN NOT NULL DEFAULT false,
    pushover_app_token  TEXT,
    pushover_user_key   TEXT,
    ntfy_enabled        BOOLEAN NOT NULL DEFAULT false,
    ntfy_server_url     TEXT,
    ntfy_topic          TEXT,
    ntfy_access_token   TEXT
)`,
}

// Migrate creates the tables the tracker needs.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
