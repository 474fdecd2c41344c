package accounts

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for account operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new accounts handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/account", h.GetAccount)
}

// AccountResponse is the wire shape of an account. Active is derived from
// the expiry at response time, never read from storage.
type AccountResponse struct {
	Pubkey           string `json:"pubkey"`
	CreatedAt        int64  `json:"created_at"`
	Expiry           int64  `json:"expiry"`
	SubscriberNumber int    `json:"subscriber_number"`
	Active           bool   `json:"active"`
}

// NewAccountResponse builds the wire shape for an account at a point in time.
func NewAccountResponse(account *Account, now time.Time) AccountResponse {
	return AccountResponse{
		Pubkey:           account.Pubkey,
		CreatedAt:        account.CreatedAt,
		Expiry:           account.Expiry,
		SubscriberNumber: account.SubscriberNumber,
		Active:           account.Active(now),
	}
}

// GetAccount handles GET /v1/account
func (h *Handler) GetAccount(c *gin.Context) {
	pubkey := c.GetString("authPubkey")
	if pubkey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	account, err := h.service.Get(c.Request.Context(), pubkey)
	if err != nil {
		if err == ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No account found for this pubkey",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": NewAccountResponse(account, h.service.now())})
}
