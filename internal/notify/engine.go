// Package notify decides which alerts an accepted update fires and delivers
// them to the user's channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/products"
)

// ErrChannelDeliveryFailed wraps a single channel's delivery error. It is
// logged and never fails the cycle.
var ErrChannelDeliveryFailed = errors.New("channel delivery failed")

// Config holds the dispatch timeout and the env-level channel credentials
// used for users without their own settings.
type Config struct {
	Timeout time.Duration `split_words:"true" default:"10s"`

	TelegramBotToken  string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID    string `envconfig:"TELEGRAM_CHAT_ID"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	PushoverAppToken  string `envconfig:"PUSHOVER_APP_TOKEN"`
	PushoverUserKey   string `envconfig:"PUSHOVER_USER_KEY"`
	NtfyServerURL     string `envconfig:"NTFY_SERVER_URL" default:"https://ntfy.sh"`
	NtfyTopic         string `envconfig:"NTFY_TOPIC"`
	NtfyAccessToken   string `envconfig:"NTFY_ACCESS_TOKEN"`
}

// Defaults returns the env-level channel settings, or nil when none is set.
func (c Config) Defaults() *products.ChannelSettings {
	s := &products.ChannelSettings{
		Telegram: products.TelegramSettings{
			Enabled:  c.TelegramBotToken != "" && c.TelegramChatID != "",
			BotToken: c.TelegramBotToken,
			ChatID:   c.TelegramChatID,
		},
		Discord: products.DiscordSettings{
			Enabled:    c.DiscordWebhookURL != "",
			WebhookURL: c.DiscordWebhookURL,
		},
		Pushover: products.PushoverSettings{
			Enabled:  c.PushoverAppToken != "" && c.PushoverUserKey != "",
			AppToken: c.PushoverAppToken,
			UserKey:  c.PushoverUserKey,
		},
		Ntfy: products.NtfySettings{
			Enabled:     c.NtfyTopic != "",
			ServerURL:   c.NtfyServerURL,
			Topic:       c.NtfyTopic,
			AccessToken: c.NtfyAccessToken,
		},
	}
	if !s.Telegram.Enabled && !s.Discord.Enabled && !s.Pushover.Enabled && !s.Ntfy.Enabled {
		return nil
	}
	return s
}

// Update is one accepted observation of a product. Product is the row as it
// was before the observation was applied.
type Update struct {
	Product   products.Product
	OldPrice  *decimal.Decimal
	NewPrice  *decimal.Decimal
	Currency  string
	OldStatus products.StockStatus
	NewStatus products.StockStatus
	At        time.Time
}

// Evaluate returns the notification types an update fires. Rules are
// independent; dedup against history happens in Engine.Process.
func Evaluate(u Update) []products.NotificationType {
	var out []products.NotificationType
	p := u.Product
	samePrice := u.NewPrice != nil && u.OldPrice != nil &&
		(p.Currency == "" || u.Currency == "" || arbiter.NormalizeCurrency(p.Currency) == arbiter.NormalizeCurrency(u.Currency))

	if p.PriceDropThreshold != nil && samePrice {
		drop := u.OldPrice.Sub(*u.NewPrice)
		if drop.IsPositive() && drop.GreaterThanOrEqual(*p.PriceDropThreshold) {
			out = append(out, products.NotifyPriceDrop)
		}
	}

	if p.TargetPrice != nil && u.NewPrice != nil && u.NewPrice.LessThanOrEqual(*p.TargetPrice) {
		wasBelow := samePrice && u.OldPrice.LessThanOrEqual(*p.TargetPrice)
		if !wasBelow {
			out = append(out, products.NotifyPriceTarget)
		}
	}

	if p.NotifyBackInStock && u.NewStatus == products.InStock &&
		(u.OldStatus == products.OutOfStock || u.OldStatus == products.Unknown) {
		out = append(out, products.NotifyStockChange)
	}
	return out
}

// Store is the part of products.Store the engine needs.
type Store interface {
	AppendNotification(ctx context.Context, n *products.NotificationEntry) error
	LastNotification(ctx context.Context, productID int64, t products.NotificationType) (*products.NotificationEntry, error)
	ChannelSettings(ctx context.Context, userID int64) (*products.ChannelSettings, error)
}

type Engine struct {
	store    Store
	channels []Channel
	defaults *products.ChannelSettings
	timeout  time.Duration
	log      *logger.Logger
}

const defaultTimeout = 10 * time.Second

func NewEngine(store Store, channels []Channel, cfg Config, log *logger.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Engine{
		store:    store,
		channels: channels,
		defaults: cfg.Defaults(),
		timeout:  cfg.Timeout,
		log:      log.With("component", "notify"),
	}
}

// Process evaluates an update, delivers every fired notification and
// records one history entry per notification type. Delivery failures are
// logged; only store errors are returned.
func (e *Engine) Process(ctx context.Context, u Update) ([]products.NotificationEntry, error) {
	types := Evaluate(u)
	if len(types) == 0 {
		return nil, nil
	}
	log := e.log.With("product_id", u.Product.ID)

	types, err := e.dedup(ctx, u, types)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, nil
	}

	settings, err := e.settings(ctx, u.Product.UserID)
	if err != nil {
		return nil, err
	}
	var targets []Channel
	if settings != nil {
		for _, ch := range e.channels {
			if ch.Configured(settings) {
				targets = append(targets, ch)
			}
		}
	}
	if len(targets) == 0 {
		log.Debug("no notification channel configured", "types", types)
		return nil, nil
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var entries []products.NotificationEntry
	for _, t := range types {
		sent := e.dispatch(ctx, log, targets, settings, Render(t, u))
		entry := &products.NotificationEntry{
			ProductID:        u.Product.ID,
			UserID:           u.Product.UserID,
			Type:             t,
			TriggeredAt:      at,
			OldPrice:         u.OldPrice,
			NewPrice:         u.NewPrice,
			Currency:         u.Currency,
			ChannelsNotified: sent,
			ProductName:      u.Product.Name,
			ProductURL:       u.Product.URL,
		}
		if t == products.NotifyStockChange {
			entry.OldStockStatus, entry.NewStockStatus = u.OldStatus, u.NewStatus
		}
		if err := e.store.AppendNotification(ctx, entry); err != nil {
			if errors.Is(err, products.ErrNotFound) {
				log.Info("product deleted before notification was recorded")
				return entries, nil
			}
			return entries, fmt.Errorf("record %s notification: %w", t, err)
		}
		log.Info("notification sent", "type", t, "channels", sent)
		entries = append(entries, *entry)
	}
	return entries, nil
}

// dedup drops a price_drop whose old/new pair was already notified.
func (e *Engine) dedup(ctx context.Context, u Update, types []products.NotificationType) ([]products.NotificationType, error) {
	out := types[:0:0]
	for _, t := range types {
		if t == products.NotifyPriceDrop {
			last, err := e.store.LastNotification(ctx, u.Product.ID, t)
			if err != nil {
				return nil, fmt.Errorf("last price drop: %w", err)
			}
			if last != nil && equalPrice(last.OldPrice, u.OldPrice, u.Currency) && equalPrice(last.NewPrice, u.NewPrice, u.Currency) {
				e.log.Debug("price drop already notified", "product_id", u.Product.ID, "new_price", u.NewPrice)
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func equalPrice(a, b *decimal.Decimal, currency string) bool {
	if a == nil || b == nil {
		return a == b
	}
	places := arbiter.MinorUnits(currency)
	return a.Round(places).Equal(b.Round(places))
}

func (e *Engine) settings(ctx context.Context, userID int64) (*products.ChannelSettings, error) {
	s, err := e.store.ChannelSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("channel settings: %w", err)
	}
	if s == nil {
		return e.defaults, nil
	}
	return s, nil
}

// dispatch sends m to every channel concurrently and returns the names of
// the channels that accepted it, in channel order.
func (e *Engine) dispatch(ctx context.Context, log *logger.Logger, targets []Channel, s *products.ChannelSettings, m Message) []string {
	ok := make([]bool, len(targets))
	var g errgroup.Group
	for i, ch := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			if err := ch.Send(cctx, s, m); err != nil {
				log.Warn("notification delivery failed",
					"channel", ch.Name(), "type", m.Type,
					"error", fmt.Errorf("%w: %s: %w", ErrChannelDeliveryFailed, ch.Name(), err))
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	sent := []string{}
	for i, ch := range targets {
		if ok[i] {
			sent = append(sent, ch.Name())
		}
	}
	return sent
}
