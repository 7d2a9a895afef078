package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/products"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api", func(c *gin.Context) {
		uid, _ := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		c.Set(UserIDKey, uid)
	})
	NewHandler(f.svc, logger.Nop()).Register(api)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", "1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandlerCreateAndGet(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	f.ex.set(products.InStock, cand("12.5", arbiter.MethodJSONLD, 0.95))

	w := do(t, r, http.MethodPost, "/api/products", `{"url":"`+productURL+`","refresh_interval":7200,"target_price":"10"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(7200), body["refresh_interval"])
	assert.Equal(t, "12.5", body["current_price"])
	assert.Equal(t, "10", body["target_price"])
	id := int64(body["id"].(float64))

	w = do(t, r, http.MethodGet, "/api/products/"+strconv.FormatInt(id, 10), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Kettle", decode(t, w)["name"])

	w = do(t, r, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = do(t, r, http.MethodGet, "/api/products/"+strconv.FormatInt(id, 10)+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"price":"12.5"`)
}

func TestHandlerCreateNeedsReview(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	f.ex.set(products.Unknown, cand("20", arbiter.MethodSiteSpecific, 0.85), cand("25", arbiter.MethodGenericCSS, 0.6))

	w := do(t, r, http.MethodPost, "/api/products", `{"url":"`+productURL+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["needs_review"])
	assert.Len(t, body["candidates"], 2)

	w = do(t, r, http.MethodPost, "/api/products", `{"url":"`+productURL+`","chosen":{"price":25,"currency":"USD","method":"generic-css"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "25", decode(t, w)["current_price"])
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	w := do(t, r, http.MethodPost, "/api/products", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_payload", decode(t, w)["code"])

	w = do(t, r, http.MethodPost, "/api/products", `{"url":"ftp://x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["code"])

	f.ex.set(products.Unknown)
	w = do(t, r, http.MethodPost, "/api/products", `{"url":"`+productURL+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, r, http.MethodGet, "/api/products/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/products/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["code"])

	w = do(t, r, http.MethodGet, "/api/notifications?type=sms", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerAlertsPatch(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	f.ex.set(products.InStock, cand("30", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{PriceDropThreshold: dec("2"), TargetPrice: dec("25")})
	path := "/api/products/" + strconv.FormatInt(p.ID, 10) + "/alerts"

	w := do(t, r, http.MethodPatch, path, `{"target_price":null,"notify_back_in_stock":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Nil(t, body["target_price"])
	assert.Equal(t, "2", body["price_drop_threshold"], "absent fields are kept")
	assert.Equal(t, true, body["notify_back_in_stock"])

	w = do(t, r, http.MethodPatch, path, `{"refresh_interval":60}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerReviewRefreshPause(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	f.ex.set(products.InStock, cand("30", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{})
	id := strconv.FormatInt(p.ID, 10)

	w := do(t, r, http.MethodPost, "/api/products/"+id+"/refresh", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "started", decode(t, w)["status"])

	w = do(t, r, http.MethodPost, "/api/products/"+id+"/review", `{"price":"29.99"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, f.store.SetReview(t.Context(), p.ID, []arbiter.Candidate{cand("29.99", arbiter.MethodAI, 0.5)}))
	w = do(t, r, http.MethodPost, "/api/products/"+id+"/refresh", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "review_pending", decode(t, w)["code"])

	w = do(t, r, http.MethodPost, "/api/products/"+id+"/review", `{"price":"29.99","method":"ai"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "29.99", decode(t, w)["current_price"])

	w = do(t, r, http.MethodPost, "/api/products/pause", `{"ids":[`+id+`, 12345]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["updated"])

	got, err := f.store.GetProduct(t.Context(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.CheckingPaused)

	w = do(t, r, http.MethodPost, "/api/products/resume", `{"ids":[`+id+`]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["checking_paused"])
}

func TestHandlerStockAndNotifications(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	f.ex.set(products.OutOfStock, cand("30", arbiter.MethodJSONLD, 0.95))
	p := f.create(t, CreateRequest{NotifyBackInStock: true})
	id := strconv.FormatInt(p.ID, 10)

	f.ex.set(products.InStock, cand("30", arbiter.MethodJSONLD, 0.95))
	res := f.svc.Check(t.Context(), *p)
	require.Equal(t, "succeeded", res.Kind.String())

	w := do(t, r, http.MethodGet, "/api/products/"+id+"/stock-history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist []products.StockStatusEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, products.InStock, hist[1].Status)

	w = do(t, r, http.MethodGet, "/api/products/"+id+"/stock-stats?days=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["has_history"])

	w = do(t, r, http.MethodGet, "/api/products/"+id+"/stock-stats?days=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/notifications?type=stock_change&product_id="+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page products.NotificationPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, products.NotifyStockChange, page.Items[0].Type)
	assert.True(t, page.Items[0].NewPrice.Equal(decimal.NewFromInt(30)))

	w = do(t, r, http.MethodDelete, "/api/products/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodGet, "/api/products/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
