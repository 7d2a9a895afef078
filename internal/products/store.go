package products

import (
	"context"
	"errors"
	"time"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

var (
	ErrNotFound = errors.New("product not found")
	// ErrStaleWrite is returned when a history append is not strictly newer
	// than the product's latest entry.
	ErrStaleWrite = errors.New("stale history write")
)

// Store is the persistence contract of the tracker. Updates are
// column-scoped: scheduler writes never touch user-owned columns and the
// other way round.
type Store interface {
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListProducts(ctx context.Context, userID int64) ([]Product, error)
	DeleteProduct(ctx context.Context, userID, id int64) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]Product, error)

	UpdateSchedule(ctx context.Context, id int64, u ScheduleUpdate) error
	ApplyCheck(ctx context.Context, id int64, r CheckResult) error
	SetReview(ctx context.Context, id int64, candidates []arbiter.Candidate) error
	ClearReview(ctx context.Context, id int64) error
	SetPaused(ctx context.Context, userID int64, ids []int64, paused bool) (int, error)
	UpdateAlerts(ctx context.Context, userID, id int64, s AlertSettings) error

	AppendPrice(ctx context.Context, h PriceHistory) error
	PriceHistory(ctx context.Context, productID int64, limit int) ([]PriceHistory, error)

	AppendStockStatus(ctx context.Context, e StockStatusEntry) error
	LastStockStatus(ctx context.Context, productID int64) (StockStatus, bool, error)
	StockHistorySince(ctx context.Context, productID int64, since time.Time) ([]StockStatusEntry, error)

	AppendNotification(ctx context.Context, n *NotificationEntry) error
	LastNotification(ctx context.Context, productID int64, t NotificationType) (*NotificationEntry, error)
	ListNotifications(ctx context.Context, userID int64, f NotificationFilter, p Page) (NotificationPage, error)

	ChannelSettings(ctx context.Context, userID int64) (*ChannelSettings, error)
}
