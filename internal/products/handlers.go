package products

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the product catalog.
type Handler struct {
	catalog Catalog
}

// NewHandler creates a new products handler.
func NewHandler(catalog Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// RegisterRoutes sets up public product routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/products", h.ListProducts)
}

// ListProducts handles GET /v1/products
func (h *Handler) ListProducts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"products": h.catalog})
}
