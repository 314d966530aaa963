package bankmock

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ledgersync/internal/amount"
	"github.com/mbd888/ledgersync/internal/validation"
)

// Handler serves the ledger over HTTP.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a handler over ledger.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes mounts the bank contract. Hold and settle are served both
// at the root and under /internal for older clients.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	for _, prefix := range []string{"", "/internal"} {
		r.POST(prefix+"/hold", h.Hold)
		r.POST(prefix+"/settle", h.Settle)
	}
	r.GET("/accounts/:id/balance", h.Balance)
	r.POST("/accounts/:id/adjust", h.Adjust)
	r.GET("/health", h.Health)
}

type holdRequest struct {
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Amount    string `json:"amount"`
}

// Hold handles POST /hold
func (h *Handler) Hold(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("paymentId", req.PaymentID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	amt := amount.Coerce(req.Amount)

	err := h.ledger.PlaceHold(Hold{PaymentID: req.PaymentID, Payer: req.Payer, Payee: req.Payee, Amount: amt})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.logger.Info("hold created", "payment_id", req.PaymentID, "payer", req.Payer, "amount", amt.String())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Settle handles POST /settle
func (h *Handler) Settle(c *gin.Context) {
	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := h.ledger.Settle(req.PaymentID, req.Payer, req.Payee); err != nil {
		if errors.Is(err, ErrNoHold) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no hold"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	h.logger.Info("settlement complete", "payment_id", req.PaymentID, "payer", req.Payer, "payee", req.Payee)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Balance handles GET /accounts/:id/balance. The balance is a decimal
// string so large values survive JSON number parsing.
func (h *Handler) Balance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balance": h.ledger.Balance(c.Param("id")).String()})
}

// Adjust handles POST /accounts/:id/adjust, applying a signed delta. It
// lets demos inject drift between the two ledgers.
func (h *Handler) Adjust(c *gin.Context) {
	var req struct {
		Delta string `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	delta, ok := amount.Parse(req.Delta)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "delta must be an integer string"})
		return
	}
	bal := h.ledger.Adjust(c.Param("id"), delta)
	c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "openHolds": h.ledger.OpenHolds()})
}
