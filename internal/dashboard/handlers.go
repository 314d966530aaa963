// Package dashboard serves the read-only query API over the relational
// store plus the on-demand reconciliation command.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/ledgersync/internal/amount"
	"github.com/mbd888/ledgersync/internal/health"
	"github.com/mbd888/ledgersync/internal/logging"
	"github.com/mbd888/ledgersync/internal/pagination"
	"github.com/mbd888/ledgersync/internal/payments"
	"github.com/mbd888/ledgersync/internal/realtime"
	"github.com/mbd888/ledgersync/internal/reconciliation"
)

// Default page sizes per listing.
const (
	defaultPaymentsLimit = 20
	defaultEventsLimit   = 20
	defaultRunsLimit     = 10
	defaultAccountsLimit = 20
)

// StatsWindow is the window of the summary statistics.
const StatsWindow = 24 * time.Hour

// Reconciler runs one reconciliation pass; *reconciliation.Engine
// satisfies it.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconciliation.Result, error)
}

// Broadcaster publishes realtime events; *realtime.Hub satisfies it.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// Handler provides dashboard API endpoints.
type Handler struct {
	store  payments.Store
	health *health.Registry
	recon  Reconciler
	events Broadcaster
	rate   amount.Rate
	now    func() time.Time
}

// NewHandler creates a new dashboard handler. recon and events may be nil.
func NewHandler(store payments.Store, registry *health.Registry, recon Reconciler, events Broadcaster, rate amount.Rate) *Handler {
	if registry == nil {
		registry = health.NewRegistry(0)
	}
	return &Handler{
		store:  store,
		health: registry,
		recon:  recon,
		events: events,
		rate:   rate,
		now:    time.Now,
	}
}

// RegisterRoutes sets up the query routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/summary", h.Summary)
	r.GET("/health", h.Health)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:hash", h.GetPayment)
	r.GET("/payments/:hash/events", h.PaymentEvents)
	r.GET("/events", h.ListEvents)
	r.GET("/reconciliation", h.ListRuns)
	r.GET("/accounts", h.ListAccounts)
	r.GET("/accounts/:address", h.GetAccount)
}

// RegisterCommandRoutes sets up state-changing routes under the given group.
func (h *Handler) RegisterCommandRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.RunReconciliation)
}

// Summary returns payment statistics over the last 24h and service health.
func (h *Handler) Summary(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.store.PaymentStats(ctx, h.now().Add(-StatsWindow))
	if err != nil {
		h.internalError(c, "failed to compute payment stats", err)
		return
	}
	mismatched, err := h.store.CountMismatchedAccounts(ctx)
	if err != nil {
		h.internalError(c, "failed to count mismatched accounts", err)
		return
	}
	overOne, err := h.accountsOverOneUnit(ctx)
	if err != nil {
		h.internalError(c, "failed to list accounts", err)
		return
	}
	_, services := h.health.CheckAll(ctx)

	c.JSON(http.StatusOK, gin.H{
		"stats": gin.H{
			"totalPayments24h":            stats.Total,
			"settledPayments24h":          stats.Settled,
			"pendingPayments24h":          stats.Pending,
			"failedPayments24h":           stats.Failed,
			"settlementSuccessRate":       stats.SettlementSuccess,
			"avgSettlementLatencyMs":      stats.AvgLatencyMs,
			"p95SettlementLatencyMs":      stats.P95LatencyMs,
			"ledgerDiscrepancies":         mismatched,
			"ledgerDiscrepanciesOver1Usd": overOne,
		},
		"services": services,
	})
}

// accountsOverOneUnit counts accounts whose absolute discrepancy exceeds
// one unit of the display currency. Zero without a conversion rate.
func (h *Handler) accountsOverOneUnit(ctx context.Context) (int, error) {
	if !h.rate.Configured() {
		return 0, nil
	}
	accounts, err := h.store.ListAccounts(ctx, payments.MaxListLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range accounts {
		if h.rate.Convert(amount.Abs(a.Discrepancy)).GreaterThan(decimal.NewFromInt(1)) {
			n++
		}
	}
	return n, nil
}

// Health reports every registered subsystem. The status code is 503 only
// when a critical subsystem is down.
func (h *Handler) Health(c *gin.Context) {
	state, services := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if state == health.Down {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   state,
		"services": services,
	})
}

// ListPayments returns payments newest first, optionally by status.
func (h *Handler) ListPayments(c *gin.Context) {
	status := payments.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be pending, settled or failed"})
		return
	}
	cursor, ok := parseCursor(c)
	if !ok {
		return
	}
	limit := parseLimit(c, defaultPaymentsLimit, payments.MaxListLimit)

	items, err := h.store.ListPayments(c.Request.Context(), payments.PaymentFilter{
		Status: status,
		Limit:  limit,
		Cursor: cursor,
	})
	if err != nil {
		h.internalError(c, "failed to list payments", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"pagination": pageInfo(limit, pagination.Next(items, limit, paymentKey)),
	})
}

// GetPayment returns one payment by hash.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.store.GetPayment(c.Request.Context(), c.Param("hash"))
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
			return
		}
		h.internalError(c, "failed to get payment", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// PaymentEvents returns the event history of one payment, oldest first.
func (h *Handler) PaymentEvents(c *gin.Context) {
	ctx := c.Request.Context()
	hash := c.Param("hash")

	if _, err := h.store.GetPayment(ctx, hash); err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "payment not found"})
			return
		}
		h.internalError(c, "failed to get payment", err)
		return
	}
	events, err := h.store.ListPaymentEvents(ctx, hash)
	if err != nil {
		h.internalError(c, "failed to list payment events", err)
		return
	}

	items := make([]eventItem, len(events))
	for i, e := range events {
		items[i] = toEventItem(e)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type eventItem struct {
	ID          int64              `json:"id"`
	Time        time.Time          `json:"time"`
	Type        payments.EventType `json:"type"`
	PaymentHash string             `json:"paymentHash"`
	Description string             `json:"description"`
	Source      string             `json:"source"`
	Payload     payments.Payload   `json:"payload"`
}

func toEventItem(e *payments.PaymentEvent) eventItem {
	description := string(e.EventType)
	if e.Payload != nil {
		description = e.Payload.Description()
	}
	return eventItem{
		ID:          e.ID,
		Time:        e.CreatedAt,
		Type:        e.EventType,
		PaymentHash: e.PaymentHash,
		Description: description,
		Source:      e.Source,
		Payload:     e.Payload,
	}
}

// ListEvents returns the most recent events across all payments.
func (h *Handler) ListEvents(c *gin.Context) {
	cursor, ok := parseCursor(c)
	if !ok {
		return
	}
	limit := parseLimit(c, defaultEventsLimit, payments.MaxListLimit)

	events, err := h.store.ListEvents(c.Request.Context(), limit, cursor)
	if err != nil {
		h.internalError(c, "failed to list events", err)
		return
	}

	items := make([]eventItem, len(events))
	for i, e := range events {
		items[i] = toEventItem(e)
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"pagination": pageInfo(limit, pagination.Next(events, limit, eventKey)),
	})
}

// ListRuns returns reconciliation runs newest first.
func (h *Handler) ListRuns(c *gin.Context) {
	cursor, ok := parseCursor(c)
	if !ok {
		return
	}
	limit := parseLimit(c, defaultRunsLimit, payments.MaxListLimit)

	runs, err := h.store.ListRuns(c.Request.Context(), limit, cursor)
	if err != nil {
		h.internalError(c, "failed to list reconciliation runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      runs,
		"limit":      limit,
		"pagination": pageInfo(limit, pagination.Next(runs, limit, runKey)),
	})
}

// ListAccounts returns reconciled accounts, largest discrepancy first.
func (h *Handler) ListAccounts(c *gin.Context) {
	limit := parseLimit(c, defaultAccountsLimit, payments.MaxListLimit)

	accounts, err := h.store.ListAccounts(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "failed to list accounts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": accounts,
		"count": len(accounts),
	})
}

// GetAccount returns the latest reconciled balances of one address.
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.store.GetAccount(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, payments.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		h.internalError(c, "failed to get account", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":        a,
		"discrepancyUsd": h.rate.Convert(a.Discrepancy).StringFixed(amount.DisplayPlaces),
	})
}

// RunReconciliation performs one synchronous reconciliation pass.
func (h *Handler) RunReconciliation(c *gin.Context) {
	if h.recon == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "reconciliation is not configured"})
		return
	}

	res, err := h.recon.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconciliation.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress", "message": "a reconciliation run is already in progress"})
			return
		}
		h.internalError(c, "reconciliation run failed", err)
		return
	}

	if h.events != nil {
		h.events.Broadcast(&realtime.Event{
			Type:      realtime.EventReconciliation,
			Timestamp: h.now().UTC(),
			Data:      res.Run,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"run":         res.Run,
		"accounts":    len(res.Accounts),
		"unverified":  res.Unverified,
		"topAccounts": res.TopAccounts,
		"durationMs":  res.Duration.Milliseconds(),
	})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func pageInfo(limit int, next string) gin.H {
	var nextCursor any
	if next != "" {
		nextCursor = next
	}
	return gin.H{"limit": limit, "nextCursor": nextCursor}
}

func paymentKey(p *payments.Payment) payments.Cursor {
	return payments.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
}

func eventKey(e *payments.PaymentEvent) payments.Cursor {
	return payments.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

func runKey(r *payments.ReconciliationRun) payments.Cursor {
	return payments.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

func parseCursor(c *gin.Context) (*payments.Cursor, bool) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return nil, false
	}
	return cursor, true
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
