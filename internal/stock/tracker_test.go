package stock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/products"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func at(days float64) time.Time { return t0.Add(time.Duration(days * float64(day))) }

func entry(status products.StockStatus, days float64) products.StockStatusEntry {
	return products.StockStatusEntry{ProductID: 1, Status: status, ChangedAt: at(days)}
}

func TestComputeStatsSegmentsCoverWindow(t *testing.T) {
	entries := []products.StockStatusEntry{
		entry(products.InStock, 0),
		entry(products.OutOfStock, 5),
		entry(products.InStock, 12),
	}
	st := ComputeStats(entries, at(0), at(15), 1)
	require.NotNil(t, st)

	var total time.Duration
	for _, s := range st.Segments {
		total += s.Duration()
	}
	assert.Equal(t, at(15).Sub(at(0)), total)
	assert.Equal(t, 1, st.OutageCount)
	assert.Equal(t, 53.3, st.AvailabilityPercent)
	require.NotNil(t, st.AvgOutageDays)
	assert.Equal(t, 7.0, *st.AvgOutageDays)
	assert.Equal(t, 7.0, *st.LongestOutageDays)
	assert.Equal(t, 3.0, st.DaysInCurrentStatus)
	assert.Equal(t, products.InStock, st.CurrentStatus)
}

func TestComputeStatsSingleEntryBeforeWindow(t *testing.T) {
	entries := []products.StockStatusEntry{entry(products.InStock, -40)}
	st := ComputeStats(entries, at(0), at(30), 1)
	require.NotNil(t, st)
	require.Len(t, st.Segments, 1)
	assert.True(t, st.Segments[0].Clipped)
	assert.Equal(t, at(0), st.Segments[0].Start)
	assert.Equal(t, 100.0, st.AvailabilityPercent)
	assert.Equal(t, 0, st.OutageCount)
	assert.Nil(t, st.AvgOutageDays)
	assert.Nil(t, st.LongestOutageDays)
	assert.Equal(t, 70.0, st.DaysInCurrentStatus)
}

func TestComputeStatsClippedOutageNotCounted(t *testing.T) {
	entries := []products.StockStatusEntry{
		entry(products.OutOfStock, -3),
		entry(products.InStock, 2),
		entry(products.OutOfStock, 6),
		entry(products.InStock, 8),
	}
	st := ComputeStats(entries, at(0), at(10), 1)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.OutageCount)
	assert.Equal(t, 2.0, *st.LongestOutageDays)
	assert.Equal(t, 60.0, st.AvailabilityPercent)
}

func TestComputeStatsOpenOutage(t *testing.T) {
	entries := []products.StockStatusEntry{
		entry(products.InStock, 0),
		entry(products.OutOfStock, 4),
	}
	st := ComputeStats(entries, at(0), at(10), 0)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.OutageCount)
	assert.Equal(t, 6.0, *st.LongestOutageDays)
	assert.Equal(t, 40.0, st.AvailabilityPercent)
	assert.Equal(t, products.OutOfStock, st.CurrentStatus)
}

func TestComputeStatsHistoryStartsMidWindow(t *testing.T) {
	entries := []products.StockStatusEntry{entry(products.InStock, 27)}
	st := ComputeStats(entries, at(0), at(30), 1)
	require.NotNil(t, st)
	require.Len(t, st.Segments, 1)
	assert.Equal(t, at(27), st.Segments[0].Start)
	assert.Equal(t, 10.0, st.AvailabilityPercent)
	assert.Equal(t, 3.0, st.DaysInCurrentStatus)
}

func TestComputeStatsNoHistory(t *testing.T) {
	assert.Nil(t, ComputeStats(nil, at(0), at(10), 1))
	future := []products.StockStatusEntry{entry(products.InStock, 11)}
	assert.Nil(t, ComputeStats(future, at(0), at(10), 1))
}

func TestComputeStatsUnknownCountsAgainstAvailability(t *testing.T) {
	entries := []products.StockStatusEntry{
		entry(products.Unknown, 0),
		entry(products.InStock, 5),
	}
	st := ComputeStats(entries, at(0), at(10), 1)
	require.NotNil(t, st)
	assert.Equal(t, 50.0, st.AvailabilityPercent)
	assert.Equal(t, 0, st.OutageCount)
}

func newTracker(t *testing.T) (*Tracker, *products.MemoryStore, int64) {
	t.Helper()
	store := products.NewMemoryStore()
	p := &products.Product{UserID: 1, URL: "https://shop.example/item"}
	require.NoError(t, store.CreateProduct(context.Background(), p))
	return NewTracker(store, logger.Nop(), 1), store, p.ID
}

func TestRecordObservationOnlyOnTransition(t *testing.T) {
	tr, store, id := newTracker(t)
	ctx := context.Background()

	steps := []struct {
		status  products.StockStatus
		days    float64
		changed bool
	}{
		{products.InStock, 0, true},
		{products.InStock, 1, false},
		{products.OutOfStock, 2, true},
		{products.OutOfStock, 3, false},
		{products.InStock, 4, true},
	}
	for _, s := range steps {
		changed, err := tr.RecordObservation(ctx, id, s.status, at(s.days))
		require.NoError(t, err)
		assert.Equal(t, s.changed, changed, "status %s at day %v", s.status, s.days)
	}

	hist, err := store.StockHistorySince(ctx, id, at(-1))
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i := 1; i < len(hist); i++ {
		assert.NotEqual(t, hist[i-1].Status, hist[i].Status)
		assert.True(t, hist[i].ChangedAt.After(hist[i-1].ChangedAt))
	}
}

func TestRecordObservationRejectsStaleTimestamp(t *testing.T) {
	tr, store, id := newTracker(t)
	ctx := context.Background()

	_, err := tr.RecordObservation(ctx, id, products.InStock, at(5))
	require.NoError(t, err)
	changed, err := tr.RecordObservation(ctx, id, products.OutOfStock, at(5))
	require.NoError(t, err)
	assert.False(t, changed)

	last, _, err := store.LastStockStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, products.InStock, last)
}

func TestRecordObservationInvalidStatus(t *testing.T) {
	tr, _, id := newTracker(t)
	_, err := tr.RecordObservation(context.Background(), id, "maybe", at(0))
	assert.Error(t, err)
}

func TestRecordObservationDeletedProduct(t *testing.T) {
	tr, store, id := newTracker(t)
	require.NoError(t, store.DeleteProduct(context.Background(), 1, id))
	_, err := tr.RecordObservation(context.Background(), id, products.InStock, at(0))
	assert.ErrorIs(t, err, products.ErrNotFound)
}

func TestTrackerStats(t *testing.T) {
	tr, _, id := newTracker(t)
	ctx := context.Background()
	tr.now = func() time.Time { return at(15) }

	for _, e := range []products.StockStatusEntry{
		entry(products.InStock, -20),
		entry(products.OutOfStock, 5),
		entry(products.InStock, 12),
	} {
		_, err := tr.RecordObservation(ctx, id, e.Status, e.ChangedAt)
		require.NoError(t, err)
	}

	st, err := tr.Stats(ctx, id, 15)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.OutageCount)
	assert.Equal(t, 53.3, st.AvailabilityPercent)

	_, err = tr.Stats(ctx, id, 0)
	assert.Error(t, err)
}
