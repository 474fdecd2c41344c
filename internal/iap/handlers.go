package iap

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/purplehq/purple-api/internal/accounts"
)

// Handler provides HTTP endpoints for App Store verification.
type Handler struct {
	service *Service
}

// NewHandler creates a new IAP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated IAP routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/iap/receipt", h.VerifyReceipt)
	r.POST("/iap/transaction", h.VerifyTransaction)
}

// RegisterLookupRoutes sets up the order lookup, which works with or
// without an identity. Support staff look up orders unauthenticated; a
// customer's own lookup is filtered to their account and grants.
func (h *Handler) RegisterLookupRoutes(r *gin.RouterGroup) {
	r.GET("/iap/order/:order_id", h.LookupOrder)
}

// ReceiptRequest is the request body for receipt verification.
type ReceiptRequest struct {
	ReceiptData string `json:"receipt_data" binding:"required"`
}

// TransactionRequest is the request body for transaction-id verification.
type TransactionRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

// VerifyReceipt handles POST /v1/iap/receipt
func (h *Handler) VerifyReceipt(c *gin.Context) {
	pubkey, ok := authedPubkey(c)
	if !ok {
		return
	}

	var req ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "receipt_data is required",
		})
		return
	}

	result, err := h.service.VerifyReceipt(c.Request.Context(), req.ReceiptData, pubkey)
	respond(c, result, err)
}

// VerifyTransaction handles POST /v1/iap/transaction
func (h *Handler) VerifyTransaction(c *gin.Context) {
	pubkey, ok := authedPubkey(c)
	if !ok {
		return
	}

	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transaction_id is required",
		})
		return
	}

	result, err := h.service.VerifyTransaction(c.Request.Context(), req.TransactionID, pubkey)
	respond(c, result, err)
}

// LookupOrder handles GET /v1/iap/order/:order_id. Identity is optional:
// without one the lookup runs in support mode, listing every verified
// transaction for the order without filtering or granting.
func (h *Handler) LookupOrder(c *gin.Context) {
	pubkey := c.GetString("authPubkey")

	result, err := h.service.LookupOrder(c.Request.Context(), c.Param("order_id"), pubkey)
	respond(c, result, err)
}

func authedPubkey(c *gin.Context) (string, bool) {
	pubkey := c.GetString("authPubkey")
	if pubkey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return "", false
	}
	return pubkey, true
}

// respond maps a verification outcome onto the wire. No entitlement is a
// successful response with a null transaction list, distinct from hard
// verification failures.
func respond(c *gin.Context, result *Result, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrMalformedPayload):
			status = http.StatusBadRequest
			code = "malformed_payload"
		case errors.Is(err, ErrSignatureInvalid):
			status = http.StatusUnprocessableEntity
			code = "verification_failed"
		case errors.Is(err, ErrOrderNotFound):
			status = http.StatusNotFound
			code = "order_not_found"
		case errors.Is(err, ErrProviderUnavailable):
			status = http.StatusServiceUnavailable
			code = "provider_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	if result == nil {
		c.JSON(http.StatusOK, gin.H{"transactions": nil})
		return
	}

	resp := gin.H{"transactions": result.Transactions}
	if result.Account != nil {
		resp["account"] = accounts.NewAccountResponse(result.Account, time.Now())
	}
	if result.Truncated {
		resp["partial"] = true
	}
	c.JSON(http.StatusOK, resp)
}
