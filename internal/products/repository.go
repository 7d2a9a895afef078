package products

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

// Repository is the Postgres Store.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const productColumns = `
p.id, p.user_id, p.name, p.url, p.refresh_interval, p.last_checked, p.next_check_at,
p.checking_paused, p.stock_status, (p.current_price::text), p.currency,
(p.price_drop_threshold::text), (p.target_price::text), p.notify_back_in_stock,
p.ai_extraction_enabled, p.ai_verification_enabled, p.ai_status,
p.review_pending, p.review_candidates, p.consecutive_failures, p.check_warning,
p.last_error, p.created_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var (
		p                        Product
		refreshSeconds           int64
		price, threshold, target decimal.NullDecimal
		stock                    string
		aiStatus, lastError      sql.NullString
		reviewRaw                []byte
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.URL, &refreshSeconds, &p.LastChecked, &p.NextCheckAt,
		&p.CheckingPaused, &stock, &price, &p.Currency,
		&threshold, &target, &p.NotifyBackInStock,
		&p.AIExtractionEnabled, &p.AIVerificationEnabled, &aiStatus,
		&p.ReviewPending, &reviewRaw, &p.ConsecutiveFailures, &p.CheckWarning,
		&lastError, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.RefreshInterval = time.Duration(refreshSeconds) * time.Second
	p.StockStatus = StockStatus(stock)
	p.CurrentPrice = decimalPtr(price)
	p.PriceDropThreshold = decimalPtr(threshold)
	p.TargetPrice = decimalPtr(target)
	p.AIStatus = AIStatus(aiStatus.String)
	p.LastError = lastError.String
	if len(reviewRaw) > 0 {
		if err := json.Unmarshal(reviewRaw, &p.ReviewCandidates); err != nil {
			return nil, fmt.Errorf("decode review candidates: %w", err)
		}
	}
	return &p, nil
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// numArg renders a nullable decimal as a ::numeric query argument.
func numArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repository) CreateProduct(ctx context.Context, p *Product) error {
	review, err := marshalCandidates(p.ReviewCandidates)
	if err != nil {
		return err
	}
	if p.StockStatus == "" {
		p.StockStatus = Unknown
	}
	return r.db.QueryRow(ctx, `
INSERT INTO products (user_id, name, url, refresh_interval, last_checked, next_check_at,
    checking_paused, stock_status, current_price, currency, price_drop_threshold, target_price,
    notify_back_in_stock, ai_extraction_enabled, ai_verification_enabled, ai_status,
    review_pending, review_candidates)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11::numeric, $12::numeric,
    $13, $14, $15, $16, $17, $18)
RETURNING id, created_at`,
		p.UserID, p.Name, p.URL, p.RefreshSeconds(), p.LastChecked, p.NextCheckAt,
		p.CheckingPaused, string(p.StockStatus), numArg(p.CurrentPrice), p.Currency,
		numArg(p.PriceDropThreshold), numArg(p.TargetPrice),
		p.NotifyBackInStock, p.AIExtractionEnabled, p.AIVerificationEnabled, nullIfEmpty(string(p.AIStatus)),
		p.ReviewPending, review,
	).Scan(&p.ID, &p.CreatedAt)
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	return scanProduct(r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products p WHERE p.id = $1`, id))
}

func (r *Repository) ListProducts(ctx context.Context, userID int64) ([]Product, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products p WHERE p.user_id = $1 ORDER BY p.id`, userID)
}

func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Product, error) {
	return r.queryProducts(ctx, `
SELECT `+productColumns+`
FROM products p
WHERE p.checking_paused = false
  AND p.review_pending = false
  AND p.next_check_at <= $1
ORDER BY p.next_check_at
LIMIT $2`, now, limit)
}

func (r *Repository) queryProducts(ctx context.Context, q string, args ...any) ([]Product, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Repository) DeleteProduct(ctx context.Context, userID, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM products WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) UpdateSchedule(ctx context.Context, id int64, u ScheduleUpdate) error {
	tag, err := r.db.Exec(ctx, `
UPDATE products
SET last_checked = $2,
    next_check_at = COALESCE($3, next_check_at),
    consecutive_failures = $4,
    check_warning = $5,
    last_error = $6
WHERE id = $1`,
		id, u.LastChecked, u.NextCheckAt, u.ConsecutiveFailures, u.CheckWarning, nullIfEmpty(u.LastError))
	return rowsOrNotFound(tag, err)
}

func (r *Repository) ApplyCheck(ctx context.Context, id int64, c CheckResult) error {
	tag, err := r.db.Exec(ctx, `
UPDATE products
SET current_price = $2::numeric,
    currency = $3,
    stock_status = $4,
    ai_status = $5,
    name = CASE WHEN name = '' THEN $6 ELSE name END
WHERE id = $1`,
		id, c.Price.String(), c.Currency, string(c.StockStatus), nullIfEmpty(string(c.AIStatus)), c.Name)
	return rowsOrNotFound(tag, err)
}

func (r *Repository) SetReview(ctx context.Context, id int64, candidates []arbiter.Candidate) error {
	raw, err := marshalCandidates(candidates)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE products SET review_pending = true, review_candidates = $2 WHERE id = $1`, id, raw)
	return rowsOrNotFound(tag, err)
}

func (r *Repository) ClearReview(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE products SET review_pending = false, review_candidates = NULL WHERE id = $1`, id)
	return rowsOrNotFound(tag, err)
}

func (r *Repository) SetPaused(ctx context.Context, userID int64, ids []int64, paused bool) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE products SET checking_paused = $3 WHERE user_id = $1 AND id = ANY($2)`, userID, ids, paused)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) UpdateAlerts(ctx context.Context, userID, id int64, s AlertSettings) error {
	tag, err := r.db.Exec(ctx, `
UPDATE products
SET price_drop_threshold = $3::numeric,
    target_price = $4::numeric,
    notify_back_in_stock = $5,
    ai_extraction_enabled = $6,
    ai_verification_enabled = $7,
    refresh_interval = CASE WHEN $8 > 0 THEN $8 ELSE refresh_interval END
WHERE id = $1 AND user_id = $2`,
		id, userID, numArg(s.PriceDropThreshold), numArg(s.TargetPrice), s.NotifyBackInStock,
		s.AIExtractionEnabled, s.AIVerificationEnabled, int64(s.RefreshInterval/time.Second))
	return rowsOrNotFound(tag, err)
}

// AppendPrice inserts a price point. The product row is locked so a
// concurrent delete either happens before (ErrNotFound) or cascades after.
func (r *Repository) AppendPrice(ctx context.Context, h PriceHistory) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockProduct(ctx, tx, h.ProductID); err != nil {
			return err
		}
		var last *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT max(recorded_at) FROM price_history WHERE product_id = $1`, h.ProductID).Scan(&last); err != nil {
			return err
		}
		if last != nil && !h.RecordedAt.After(*last) {
			return ErrStaleWrite
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO price_history (product_id, price, currency, recorded_at) VALUES ($1, $2::numeric, $3, $4)`,
			h.ProductID, h.Price.String(), h.Currency, h.RecordedAt)
		return mapFK(err)
	})
}

func (r *Repository) PriceHistory(ctx context.Context, productID int64, limit int) ([]PriceHistory, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `
SELECT id, product_id, (price::text), currency, recorded_at
FROM price_history
WHERE product_id = $1
ORDER BY recorded_at DESC
LIMIT $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceHistory
	for rows.Next() {
		var ph PriceHistory
		if err := rows.Scan(&ph.ID, &ph.ProductID, &ph.Price, &ph.Currency, &ph.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) AppendStockStatus(ctx context.Context, e StockStatusEntry) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockProduct(ctx, tx, e.ProductID); err != nil {
			return err
		}
		var last *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT max(changed_at) FROM stock_status_history WHERE product_id = $1`, e.ProductID).Scan(&last); err != nil {
			return err
		}
		if last != nil && !e.ChangedAt.After(*last) {
			return ErrStaleWrite
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO stock_status_history (product_id, status, changed_at) VALUES ($1, $2, $3)`,
			e.ProductID, string(e.Status), e.ChangedAt)
		return mapFK(err)
	})
}

func (r *Repository) LastStockStatus(ctx context.Context, productID int64) (StockStatus, bool, error) {
	var s string
	err := r.db.QueryRow(ctx,
		`SELECT status FROM stock_status_history WHERE product_id = $1 ORDER BY changed_at DESC LIMIT 1`,
		productID).Scan(&s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return StockStatus(s), true, nil
}

func (r *Repository) StockHistorySince(ctx context.Context, productID int64, since time.Time) ([]StockStatusEntry, error) {
	rows, err := r.db.Query(ctx, `
(SELECT id, product_id, status, changed_at FROM stock_status_history
 WHERE product_id = $1 AND changed_at < $2
 ORDER BY changed_at DESC LIMIT 1)
UNION ALL
(SELECT id, product_id, status, changed_at FROM stock_status_history
 WHERE product_id = $1 AND changed_at >= $2)
ORDER BY changed_at`, productID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StockStatusEntry
	for rows.Next() {
		var e StockStatusEntry
		var s string
		if err := rows.Scan(&e.ID, &e.ProductID, &s, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.Status = StockStatus(s)
		out = append(out, e)
	}
	return out, rows.Err()
}

const notificationColumns = `
id, COALESCE(product_id, 0), user_id, notification_type, triggered_at,
(old_price::text), (new_price::text), currency, old_stock_status, new_stock_status,
channels_notified, product_name, product_url`

func scanNotification(row pgx.Row) (*NotificationEntry, error) {
	var (
		n                  NotificationEntry
		typ                string
		oldPrice, newPrice decimal.NullDecimal
		oldStock, newStock sql.NullString
	)
	err := row.Scan(&n.ID, &n.ProductID, &n.UserID, &typ, &n.TriggeredAt,
		&oldPrice, &newPrice, &n.Currency, &oldStock, &newStock,
		&n.ChannelsNotified, &n.ProductName, &n.ProductURL)
	if err != nil {
		return nil, err
	}
	n.Type = NotificationType(typ)
	n.OldPrice = decimalPtr(oldPrice)
	n.NewPrice = decimalPtr(newPrice)
	n.OldStockStatus = StockStatus(oldStock.String)
	n.NewStockStatus = StockStatus(newStock.String)
	if n.ChannelsNotified == nil {
		n.ChannelsNotified = []string{}
	}
	return &n, nil
}

func (r *Repository) AppendNotification(ctx context.Context, n *NotificationEntry) error {
	channels := n.ChannelsNotified
	if channels == nil {
		channels = []string{}
	}
	err := r.db.QueryRow(ctx, `
INSERT INTO notification_history (product_id, user_id, notification_type, triggered_at,
    old_price, new_price, currency, old_stock_status, new_stock_status,
    channels_notified, product_name, product_url)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12)
RETURNING id`,
		n.ProductID, n.UserID, string(n.Type), n.TriggeredAt,
		numArg(n.OldPrice), numArg(n.NewPrice), n.Currency,
		nullIfEmpty(string(n.OldStockStatus)), nullIfEmpty(string(n.NewStockStatus)),
		channels, n.ProductName, n.ProductURL,
	).Scan(&n.ID)
	return mapFK(err)
}

func (r *Repository) LastNotification(ctx context.Context, productID int64, t NotificationType) (*NotificationEntry, error) {
	n, err := scanNotification(r.db.QueryRow(ctx, `
SELECT `+notificationColumns+`
FROM notification_history
WHERE product_id = $1 AND notification_type = $2
ORDER BY triggered_at DESC
LIMIT 1`, productID, string(t)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (r *Repository) ListNotifications(ctx context.Context, userID int64, f NotificationFilter, p Page) (NotificationPage, error) {
	p = p.Normalize()
	const where = `WHERE user_id = $1 AND ($2 = '' OR notification_type = $2) AND ($3 = 0 OR product_id = $3)`

	out := NotificationPage{Page: p.Number, PageSize: p.Size, Items: []NotificationEntry{}}
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM notification_history `+where,
		userID, string(f.Type), f.ProductID).Scan(&out.Total); err != nil {
		return out, err
	}
	out.TotalPages = (out.Total + p.Size - 1) / p.Size

	rows, err := r.db.Query(ctx, `
SELECT `+notificationColumns+`
FROM notification_history `+where+`
ORDER BY triggered_at DESC, id DESC
LIMIT $4 OFFSET $5`, userID, string(f.Type), f.ProductID, p.Size, p.Offset())
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, *n)
	}
	return out, rows.Err()
}

func (r *Repository) ChannelSettings(ctx context.Context, userID int64) (*ChannelSettings, error) {
	var s ChannelSettings
	err := r.db.QueryRow(ctx, `
SELECT telegram_enabled, COALESCE(telegram_bot_token, ''), COALESCE(telegram_chat_id, ''),
       discord_enabled, COALESCE(discord_webhook_url, ''),
       pushover_enabled, COALESCE(pushover_app_token, ''), COALESCE(pushover_user_key, ''),
       ntfy_enabled, COALESCE(ntfy_server_url, ''), COALESCE(ntfy_topic, ''), COALESCE(ntfy_access_token, '')
FROM user_notification_settings
WHERE user_id = $1`, userID).Scan(
		&s.Telegram.Enabled, &s.Telegram.BotToken, &s.Telegram.ChatID,
		&s.Discord.Enabled, &s.Discord.WebhookURL,
		&s.Pushover.Enabled, &s.Pushover.AppToken, &s.Pushover.UserKey,
		&s.Ntfy.Enabled, &s.Ntfy.ServerURL, &s.Ntfy.Topic, &s.Ntfy.AccessToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func lockProduct(ctx context.Context, tx pgx.Tx, id int64) error {
	var got int64
	err := tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func rowsOrNotFound(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// mapFK turns a foreign key violation (product deleted under us) into ErrNotFound.
func mapFK(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func marshalCandidates(c []arbiter.Candidate) ([]byte, error) {
	if len(c) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode review candidates: %w", err)
	}
	return raw, nil
}
