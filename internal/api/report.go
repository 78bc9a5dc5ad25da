package api

import (
	"net/http"
	"time"

	"telemetry-agent/internal/models"
	"telemetry-agent/internal/response"
	"telemetry-agent/pkg/logging"

	"github.com/gin-gonic/gin"
)

// ReportTransactionRequest represents a manual transaction report.
// The caller vouches for the event; it bypasses the dedup skip but is
// still marked processed after a successful send.
type ReportTransactionRequest struct {
	TransactionID uint64 `json:"transaction_id" binding:"required"`
	ProductID     string `json:"product_id" binding:"required"`
	PurchasedAtMs int64  `json:"purchased_at_ms"`
	ExpiresAtMs   int64  `json:"expires_at_ms"`
	Environment   string `json:"environment"`
	OfferType     int    `json:"offer_type"`
}

// ReportTransaction manually reports a known-good transaction event
func (h *Handlers) ReportTransaction(c *gin.Context) {
	var req ReportTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	purchasedAt := time.Now()
	if req.PurchasedAtMs > 0 {
		purchasedAt = time.UnixMilli(req.PurchasedAtMs)
	}

	event := models.TransactionEvent{
		ID:          req.TransactionID,
		ProductID:   req.ProductID,
		PurchasedAt: purchasedAt,
		Environment: models.ParseEnvironment(req.Environment),
		OfferType:   models.OfferType(req.OfferType),
	}
	if req.ExpiresAtMs > 0 {
		expires := time.UnixMilli(req.ExpiresAtMs)
		event.ExpiresAt = &expires
	}

	if err := h.agent.ManuallyReport(c.Request.Context(), event); err != nil {
		logging.Errorf("Manual report failed for transaction %d: %v", req.TransactionID, err)
		response.ErrorJSON(c, http.StatusBadGateway, "Report failed: "+err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"transaction_id": req.TransactionID})
}
