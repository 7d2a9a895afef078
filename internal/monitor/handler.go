package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/valeevte/PriceTracker/internal/apperr"
	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/logger"
	"github.com/valeevte/PriceTracker/internal/products"
	"github.com/valeevte/PriceTracker/internal/scheduler"
)

// UserIDKey is the gin context key holding the caller's user id.
const UserIDKey = "user_id"

type Handler struct {
	svc *Service
	log *logger.Logger
}

func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{svc: svc, log: log.With("component", "http")}
}

// Register mounts the product and notification routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/products", h.ListProducts)
	g.POST("/products", h.CreateProduct)
	g.POST("/products/pause", h.Pause)
	g.POST("/products/resume", h.Resume)
	g.GET("/products/:id", h.GetProduct)
	g.DELETE("/products/:id", h.DeleteProduct)
	g.PATCH("/products/:id/alerts", h.UpdateAlerts)
	g.GET("/products/:id/history", h.GetPriceHistory)
	g.GET("/products/:id/stock-history", h.GetStockHistory)
	g.GET("/products/:id/stock-stats", h.GetStockStats)
	g.POST("/products/:id/refresh", h.Refresh)
	g.POST("/products/:id/review", h.ResolveReview)
	g.GET("/notifications", h.ListNotifications)
}

type productView struct {
	*products.Product
	RefreshInterval int64              `json:"refresh_interval"`
	SuggestedPrice  *arbiter.Candidate `json:"suggested_price,omitempty"`
}

func view(p *products.Product) productView {
	v := productView{Product: p, RefreshInterval: p.RefreshSeconds()}
	// review candidates are stored sorted by confidence
	if p.ReviewPending && len(p.ReviewCandidates) > 0 {
		v.SuggestedPrice = &p.ReviewCandidates[0]
	}
	return v
}

func views(list []products.Product) []productView {
	out := make([]productView, len(list))
	for i := range list {
		out[i] = view(&list[i])
	}
	return out
}

type candidateInput struct {
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	Method     arbiter.Method  `json:"method"`
	Confidence float64         `json:"confidence"`
}

func (c candidateInput) candidate() arbiter.Candidate {
	return arbiter.Candidate{Price: c.Price, Currency: c.Currency, Method: c.Method, Confidence: c.Confidence}
}

type createProductRequest struct {
	URL                   string           `json:"url" binding:"required"`
	Name                  string           `json:"name"`
	RefreshInterval       int64            `json:"refresh_interval"`
	PriceDropThreshold    *decimal.Decimal `json:"price_drop_threshold"`
	TargetPrice           *decimal.Decimal `json:"target_price"`
	NotifyBackInStock     bool             `json:"notify_back_in_stock"`
	AIExtractionEnabled   bool             `json:"ai_extraction_enabled"`
	AIVerificationEnabled bool             `json:"ai_verification_enabled"`
	Chosen                *candidateInput  `json:"chosen"`
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var in createProductRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, apperr.BadRequest("invalid_payload", err))
		return
	}
	req := CreateRequest{
		URL:                   in.URL,
		Name:                  in.Name,
		RefreshInterval:       time.Duration(in.RefreshInterval) * time.Second,
		PriceDropThreshold:    in.PriceDropThreshold,
		TargetPrice:           in.TargetPrice,
		NotifyBackInStock:     in.NotifyBackInStock,
		AIExtractionEnabled:   in.AIExtractionEnabled,
		AIVerificationEnabled: in.AIVerificationEnabled,
	}
	if in.Chosen != nil {
		cand := in.Chosen.candidate()
		req.Chosen = &cand
	}

	res, err := h.svc.CreateProduct(c.Request.Context(), userID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Review != nil {
		c.JSON(http.StatusOK, gin.H{
			"needs_review":    true,
			"candidates":      res.Review.Candidates,
			"suggested_price": res.Review.Suggested,
		})
		return
	}
	c.JSON(http.StatusCreated, view(res.Product))
}

func (h *Handler) ListProducts(c *gin.Context) {
	list, err := h.svc.ListProducts(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, views(list))
}

func (h *Handler) GetProduct(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	p, err := h.svc.GetProduct(c.Request.Context(), userID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(p))
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteProduct(c.Request.Context(), userID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// optionalDecimal tells an absent field (keep) from an explicit null (clear).
type optionalDecimal struct {
	Set   bool
	Value *decimal.Decimal
}

func (o *optionalDecimal) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	var d decimal.Decimal
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	o.Value = &d
	return nil
}

func (o optionalDecimal) or(current *decimal.Decimal) *decimal.Decimal {
	if o.Set {
		return o.Value
	}
	return current
}

type alertsRequest struct {
	PriceDropThreshold    optionalDecimal `json:"price_drop_threshold"`
	TargetPrice           optionalDecimal `json:"target_price"`
	NotifyBackInStock     *bool           `json:"notify_back_in_stock"`
	AIExtractionEnabled   *bool           `json:"ai_extraction_enabled"`
	AIVerificationEnabled *bool           `json:"ai_verification_enabled"`
	RefreshInterval       *int64          `json:"refresh_interval"`
}

func boolOr(v *bool, current bool) bool {
	if v != nil {
		return *v
	}
	return current
}

func (h *Handler) UpdateAlerts(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	var in alertsRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, apperr.BadRequest("invalid_payload", err))
		return
	}
	ctx := c.Request.Context()
	cur, err := h.svc.GetProduct(ctx, userID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	settings := products.AlertSettings{
		PriceDropThreshold:    in.PriceDropThreshold.or(cur.PriceDropThreshold),
		TargetPrice:           in.TargetPrice.or(cur.TargetPrice),
		NotifyBackInStock:     boolOr(in.NotifyBackInStock, cur.NotifyBackInStock),
		AIExtractionEnabled:   boolOr(in.AIExtractionEnabled, cur.AIExtractionEnabled),
		AIVerificationEnabled: boolOr(in.AIVerificationEnabled, cur.AIVerificationEnabled),
	}
	if in.RefreshInterval != nil {
		settings.RefreshInterval = time.Duration(*in.RefreshInterval) * time.Second
		if settings.RefreshInterval == 0 {
			h.fail(c, apperr.BadRequest("invalid_request", ErrInvalidInterval))
			return
		}
	}
	p, err := h.svc.UpdateAlerts(ctx, userID(c), id, settings)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(p))
}

func (h *Handler) GetPriceHistory(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	hist, err := h.svc.PriceHistory(c.Request.Context(), userID(c), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func (h *Handler) GetStockHistory(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	days, ok := h.intQuery(c, "days", 30)
	if !ok {
		return
	}
	hist, err := h.svc.StockHistory(c.Request.Context(), userID(c), id, days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func (h *Handler) GetStockStats(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	days, ok := h.intQuery(c, "days", 30)
	if !ok {
		return
	}
	stats, err := h.svc.StockStats(c.Request.Context(), userID(c), id, days)
	if err != nil {
		h.fail(c, err)
		return
	}
	if stats == nil {
		c.JSON(http.StatusOK, gin.H{"window_days": days, "has_history": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"window_days": days, "has_history": true, "stats": stats})
}

func (h *Handler) Refresh(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	status, p, err := h.svc.RefreshNow(c.Request.Context(), userID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	code := http.StatusOK
	if status != scheduler.Started {
		code = http.StatusAccepted
	}
	c.JSON(code, gin.H{"status": status, "product": view(p)})
}

func (h *Handler) ResolveReview(c *gin.Context) {
	id, ok := h.productID(c)
	if !ok {
		return
	}
	var in candidateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, apperr.BadRequest("invalid_payload", err))
		return
	}
	p, err := h.svc.ResolveReview(c.Request.Context(), userID(c), id, in.candidate())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(p))
}

type idsRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

func (h *Handler) Pause(c *gin.Context)  { h.setPaused(c, true) }
func (h *Handler) Resume(c *gin.Context) { h.setPaused(c, false) }

func (h *Handler) setPaused(c *gin.Context, paused bool) {
	var in idsRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, apperr.BadRequest("invalid_payload", err))
		return
	}
	n, err := h.svc.SetPaused(c.Request.Context(), userID(c), in.IDs, paused)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n, "checking_paused": paused})
}

func (h *Handler) ListNotifications(c *gin.Context) {
	page, ok := h.intQuery(c, "page", 1)
	if !ok {
		return
	}
	size, ok := h.intQuery(c, "page_size", 20)
	if !ok {
		return
	}
	productID, ok := h.intQuery(c, "product_id", 0)
	if !ok {
		return
	}
	filter := products.NotificationFilter{
		Type:      products.NotificationType(c.Query("type")),
		ProductID: int64(productID),
	}
	res, err := h.svc.NotificationHistory(c.Request.Context(), userID(c), products.Page{Number: page, Size: size}, filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(UserIDKey)
}

func (h *Handler) productID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, apperr.BadRequest("invalid_id", errors.New("invalid id")))
		return 0, false
	}
	return id, true
}

func (h *Handler) intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		h.fail(c, apperr.BadRequest("invalid_query", errors.New("invalid "+key)))
		return 0, false
	}
	return v, true
}

// fail maps service errors to API errors and writes {"error", "code"}.
func (h *Handler) fail(c *gin.Context, err error) {
	ae := toAPIError(err)
	if ae.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(ae.Status, gin.H{"error": "internal error", "code": ae.Code})
		return
	}
	c.AbortWithStatusJSON(ae.Status, gin.H{"error": ae.Error(), "code": ae.Code})
}

func toAPIError(err error) *apperr.Error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, products.ErrNotFound):
		return apperr.NotFound("not_found", err)
	case errors.Is(err, ErrReviewPending):
		return apperr.Conflict("review_pending", err)
	case errors.Is(err, ErrNoReview):
		return apperr.Conflict("no_review", err)
	case errors.Is(err, ErrExtractionFailed):
		return apperr.New(http.StatusUnprocessableEntity, "extraction_failed", err)
	case IsUserError(err):
		return apperr.BadRequest("invalid_request", err)
	default:
		return apperr.From(err)
	}
}
