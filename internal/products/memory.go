package products

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/valeevte/PriceTracker/internal/arbiter"
)

// MemoryStore is an in-process Store used for local runs (STORE_DRIVER=memory)
// and tests. It follows the same write rules as the Postgres repository.
type MemoryStore struct {
	mu            sync.Mutex
	nextID        int64
	products      map[int64]*Product
	prices        map[int64][]PriceHistory
	stock         map[int64][]StockStatusEntry
	notifications []NotificationEntry
	settings      map[int64]ChannelSettings
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]*Product),
		prices:   make(map[int64][]PriceHistory),
		stock:    make(map[int64][]StockStatusEntry),
		settings: make(map[int64]ChannelSettings),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// PutChannelSettings seeds a user's channel settings.
func (m *MemoryStore) PutChannelSettings(userID int64, s ChannelSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = s
}

func clone(p *Product) Product {
	c := *p
	if p.ReviewCandidates != nil {
		c.ReviewCandidates = append([]arbiter.Candidate(nil), p.ReviewCandidates...)
	}
	return c
}

func (m *MemoryStore) CreateProduct(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	p.CreatedAt = m.now()
	if p.StockStatus == "" {
		p.StockStatus = Unknown
	}
	c := clone(p)
	m.products[p.ID] = &c
	return nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id int64) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := clone(p)
	return &c, nil
}

func (m *MemoryStore) ListProducts(_ context.Context, userID int64) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Product
	for _, p := range m.products {
		if p.UserID == userID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteProduct(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok || p.UserID != userID {
		return ErrNotFound
	}
	delete(m.products, id)
	delete(m.prices, id)
	delete(m.stock, id)
	for i := range m.notifications {
		if m.notifications[i].ProductID == id {
			m.notifications[i].ProductID = 0
		}
	}
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Product
	for _, p := range m.products {
		if p.CheckingPaused || p.ReviewPending || p.NextCheckAt.After(now) {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextCheckAt.Before(out[j].NextCheckAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) update(id int64, fn func(p *Product)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id int64, u ScheduleUpdate) error {
	return m.update(id, func(p *Product) {
		last := u.LastChecked
		p.LastChecked = &last
		if u.NextCheckAt != nil {
			p.NextCheckAt = *u.NextCheckAt
		}
		p.ConsecutiveFailures = u.ConsecutiveFailures
		p.CheckWarning = u.CheckWarning
		p.LastError = u.LastError
	})
}

func (m *MemoryStore) ApplyCheck(_ context.Context, id int64, c CheckResult) error {
	return m.update(id, func(p *Product) {
		price := c.Price
		p.CurrentPrice = &price
		p.Currency = c.Currency
		p.StockStatus = c.StockStatus
		p.AIStatus = c.AIStatus
		if p.Name == "" {
			p.Name = c.Name
		}
	})
}

func (m *MemoryStore) SetReview(_ context.Context, id int64, candidates []arbiter.Candidate) error {
	return m.update(id, func(p *Product) {
		p.ReviewPending = true
		p.ReviewCandidates = append([]arbiter.Candidate(nil), candidates...)
	})
}

func (m *MemoryStore) ClearReview(_ context.Context, id int64) error {
	return m.update(id, func(p *Product) {
		p.ReviewPending = false
		p.ReviewCandidates = nil
	})
}

func (m *MemoryStore) SetPaused(_ context.Context, userID int64, ids []int64, paused bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if p, ok := m.products[id]; ok && p.UserID == userID {
			p.CheckingPaused = paused
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateAlerts(_ context.Context, userID, id int64, s AlertSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok || p.UserID != userID {
		return ErrNotFound
	}
	p.PriceDropThreshold = s.PriceDropThreshold
	p.TargetPrice = s.TargetPrice
	p.NotifyBackInStock = s.NotifyBackInStock
	p.AIExtractionEnabled = s.AIExtractionEnabled
	p.AIVerificationEnabled = s.AIVerificationEnabled
	if s.RefreshInterval > 0 {
		p.RefreshInterval = s.RefreshInterval
	}
	return nil
}

func (m *MemoryStore) AppendPrice(_ context.Context, h PriceHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[h.ProductID]; !ok {
		return ErrNotFound
	}
	hist := m.prices[h.ProductID]
	if n := len(hist); n > 0 && !h.RecordedAt.After(hist[n-1].RecordedAt) {
		return ErrStaleWrite
	}
	h.ID = m.id()
	m.prices[h.ProductID] = append(hist, h)
	return nil
}

func (m *MemoryStore) PriceHistory(_ context.Context, productID int64, limit int) ([]PriceHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.prices[productID]
	out := make([]PriceHistory, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendStockStatus(_ context.Context, e StockStatusEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[e.ProductID]; !ok {
		return ErrNotFound
	}
	hist := m.stock[e.ProductID]
	if n := len(hist); n > 0 && !e.ChangedAt.After(hist[n-1].ChangedAt) {
		return ErrStaleWrite
	}
	e.ID = m.id()
	m.stock[e.ProductID] = append(hist, e)
	return nil
}

func (m *MemoryStore) LastStockStatus(_ context.Context, productID int64) (StockStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.stock[productID]
	if len(hist) == 0 {
		return "", false, nil
	}
	return hist[len(hist)-1].Status, true, nil
}

func (m *MemoryStore) StockHistorySince(_ context.Context, productID int64, since time.Time) ([]StockStatusEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.stock[productID]
	start := 0
	for i, e := range hist {
		if e.ChangedAt.Before(since) {
			start = i
		}
	}
	return append([]StockStatusEntry(nil), hist[start:]...), nil
}

func (m *MemoryStore) AppendNotification(_ context.Context, n *NotificationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.id()
	c := *n
	c.ChannelsNotified = append([]string{}, n.ChannelsNotified...)
	m.notifications = append(m.notifications, c)
	return nil
}

func (m *MemoryStore) LastNotification(_ context.Context, productID int64, t NotificationType) (*NotificationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.ProductID == productID && n.Type == t {
			return &n, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID int64, f NotificationFilter, p Page) (NotificationPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = p.Normalize()

	var matched []NotificationEntry
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.UserID != userID {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		if f.ProductID != 0 && n.ProductID != f.ProductID {
			continue
		}
		matched = append(matched, n)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].TriggeredAt.After(matched[j].TriggeredAt) })

	out := NotificationPage{Page: p.Number, PageSize: p.Size, Total: len(matched), Items: []NotificationEntry{}}
	out.TotalPages = (out.Total + p.Size - 1) / p.Size
	start := p.Offset()
	if start < len(matched) {
		end := start + p.Size
		if end > len(matched) {
			end = len(matched)
		}
		out.Items = matched[start:end]
	}
	return out, nil
}

func (m *MemoryStore) ChannelSettings(_ context.Context, userID int64) (*ChannelSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
