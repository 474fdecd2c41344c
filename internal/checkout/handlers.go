package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/purplehq/purple-api/internal/lightning"
	"github.com/purplehq/purple-api/internal/products"
	"github.com/purplehq/purple-api/internal/validation"
)

// Handler provides HTTP endpoints for checkout operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public checkout routes. Creation and polling are
// unauthenticated; only verify needs an identity, supplied by the auth
// middleware on the protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkouts", h.CreateCheckout)
	r.GET("/checkouts/:id", h.GetCheckout)
	r.POST("/checkouts/:id/check-payment", h.CheckPayment)
}

// RegisterProtectedRoutes sets up auth-required checkout routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/checkouts/:id/verify", h.VerifyCheckout)
}

// CreateRequest is the request body for starting a checkout.
type CreateRequest struct {
	ProductTemplateName string `json:"product_template_name" binding:"required"`
}

// CreateCheckout handles POST /v1/checkouts
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "product_template_name is required",
		})
		return
	}

	req.ProductTemplateName = validation.SanitizeString(req.ProductTemplateName, validation.MaxStringLength)
	if errs := validation.Validate(
		validation.Required("product_template_name", req.ProductTemplateName),
		validation.MaxLength("product_template_name", req.ProductTemplateName, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	checkout, err := h.service.Create(c.Request.Context(), req.ProductTemplateName)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"checkout": checkout})
}

// GetCheckout handles GET /v1/checkouts/:id
func (h *Handler) GetCheckout(c *gin.Context) {
	checkout, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": checkout})
}

// VerifyCheckout handles POST /v1/checkouts/:id/verify
func (h *Handler) VerifyCheckout(c *gin.Context) {
	pubkey := c.GetString("authPubkey")
	if pubkey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}

	checkout, err := h.service.IssueInvoice(c.Request.Context(), c.Param("id"), pubkey)
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": checkout})
}

// CheckPayment handles POST /v1/checkouts/:id/check-payment
func (h *Handler) CheckPayment(c *gin.Context) {
	checkout, err := h.service.CheckPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout": checkout})
}

func mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrCheckoutNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, products.ErrUnknownProduct):
		status = http.StatusNotFound
		code = "unknown_product"
	case errors.Is(err, ErrInvoicePending):
		status = http.StatusConflict
		code = "invoice_pending"
	case errors.Is(err, lightning.ErrNodeUnavailable):
		status = http.StatusServiceUnavailable
		code = "node_unavailable"
	case errors.Is(err, lightning.ErrInvalidAmount):
		status = http.StatusUnprocessableEntity
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
