package products

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	OutOfStock StockStatus = "out_of_stock"
	Unknown    StockStatus = "unknown"
)

func (s StockStatus) Valid() bool {
	return s == InStock || s == OutOfStock || s == Unknown
}

type AIStatus string

const (
	AIVerified  AIStatus = "verified"
	AICorrected AIStatus = "corrected"
)

type NotificationType string

const (
	NotifyPriceDrop   NotificationType = "price_drop"
	NotifyPriceTarget NotificationType = "price_target"
	NotifyStockChange NotificationType = "stock_change"
)

func (t NotificationType) Valid() bool {
	return t == NotifyPriceDrop || t == NotifyPriceTarget || t == NotifyStockChange
}

type Product struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	RefreshInterval time.Duration `json:"-"`
	LastChecked     *time.Time    `json:"last_checked,omitempty"`
	NextCheckAt     time.Time     `json:"next_check_at"`
	CheckingPaused  bool          `json:"checking_paused"`
	StockStatus     StockStatus   `json:"stock_status"`

	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"` // nullable
	Currency     string           `json:"currency,omitempty"`

	PriceDropThreshold *decimal.Decimal `json:"price_drop_threshold,omitempty"`
	TargetPrice        *decimal.Decimal `json:"target_price,omitempty"`
	NotifyBackInStock  bool             `json:"notify_back_in_stock"`

	AIExtractionEnabled   bool     `json:"ai_extraction_enabled"`
	AIVerificationEnabled bool     `json:"ai_verification_enabled"`
	AIStatus              AIStatus `json:"ai_status,omitempty"`

	ReviewPending    bool                `json:"review_pending"`
	ReviewCandidates []arbiter.Candidate `json:"review_candidates,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	CheckWarning        bool   `json:"check_warning"`
	LastError           string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RefreshSeconds is the wire form of RefreshInterval.
func (p Product) RefreshSeconds() int64 { return int64(p.RefreshInterval / time.Second) }

type PriceHistory struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type StockStatusEntry struct {
	ID        int64       `json:"id"`
	ProductID int64       `json:"product_id"`
	Status    StockStatus `json:"status"`
	ChangedAt time.Time   `json:"changed_at"`
}

type NotificationEntry struct {
	ID               int64            `json:"id"`
	ProductID        int64            `json:"product_id"`
	UserID           int64            `json:"user_id"`
	Type             NotificationType `json:"notification_type"`
	TriggeredAt      time.Time        `json:"triggered_at"`
	OldPrice         *decimal.Decimal `json:"old_price,omitempty"`
	NewPrice         *decimal.Decimal `json:"new_price,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	OldStockStatus   StockStatus      `json:"old_stock_status,omitempty"`
	NewStockStatus   StockStatus      `json:"new_stock_status,omitempty"`
	ChannelsNotified []string         `json:"channels_notified"`
	ProductName      string           `json:"product_name"`
	ProductURL       string           `json:"product_url"`
}

// NotificationFilter narrows a notification history listing.
type NotificationFilter struct {
	Type      NotificationType
	ProductID int64
}

type Page struct {
	Number int
	Size   int
}

func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 || p.Size > 100 {
		p.Size = 20
	}
	return p
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

type NotificationPage struct {
	Items      []NotificationEntry `json:"notifications"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
	Total      int                 `json:"total"`
	TotalPages int                 `json:"total_pages"`
}

type TelegramSettings struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"-"`
	ChatID   string `json:"chat_id"`
}

type DiscordSettings struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"-"`
}

type PushoverSettings struct {
	Enabled  bool   `json:"enabled"`
	AppToken string `json:"-"`
	UserKey  string `json:"-"`
}

type NtfySettings struct {
	Enabled     bool   `json:"enabled"`
	ServerURL   string `json:"server_url"`
	Topic       string `json:"topic"`
	AccessToken string `json:"-"`
}

// ChannelSettings are a user's notification channel credentials.
type ChannelSettings struct {
	Telegram TelegramSettings `json:"telegram"`
	Discord  DiscordSettings  `json:"discord"`
	Pushover PushoverSettings `json:"pushover"`
	Ntfy     NtfySettings     `json:"ntfy"`
}

// AlertSettings is the user-owned alerting configuration of a product.
// Nil pointers clear the corresponding threshold.
type AlertSettings struct {
	PriceDropThreshold    *decimal.Decimal
	TargetPrice           *decimal.Decimal
	NotifyBackInStock     bool
	AIExtractionEnabled   bool
	AIVerificationEnabled bool
	RefreshInterval       time.Duration
}

// ScheduleUpdate carries the scheduler-owned columns of a product.
// A nil NextCheckAt leaves next_check_at untouched.
type ScheduleUpdate struct {
	LastChecked         time.Time
	NextCheckAt         *time.Time
	ConsecutiveFailures int
	CheckWarning        bool
	LastError           string
}

// CheckResult carries the observation-owned columns of a product.
type CheckResult struct {
	Price       decimal.Decimal
	Currency    string
	StockStatus StockStatus
	AIStatus    AIStatus
	Name        string
}
