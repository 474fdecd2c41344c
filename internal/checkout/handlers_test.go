package checkout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purplehq/purple-api/internal/products"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t)
	handler := NewHandler(env.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Simulate auth middleware
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if pk := c.GetHeader("X-Test-Pubkey"); pk != "" {
			c.Set("authPubkey", pk)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, env
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body, pubkey string) (*httptest.ResponseRecorder, *Checkout) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if pubkey != "" {
		req.Header.Set("X-Test-Pubkey", pubkey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp struct {
		Checkout *Checkout `json:"checkout"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp.Checkout
}

func TestHandler_CreateCheckout(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w, co := doJSON(t, router, http.MethodPost, "/v1/checkouts",
		`{"product_template_name": "purple_one_month"}`, "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, co.ID)
	assert.False(t, co.Completed)
}

func TestHandler_CreateCheckout_UnknownProduct(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/v1/checkouts",
		`{"product_template_name": "purple_lifetime"}`, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateCheckout_MissingBody(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/v1/checkouts", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetCheckout_NotFound(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w, _ := doJSON(t, router, http.MethodGet, "/v1/checkouts/co_missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_VerifyCheckout_RequiresAuth(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	_, co := doJSON(t, router, http.MethodPost, "/v1/checkouts",
		`{"product_template_name": "purple_one_month"}`, "")

	w, _ := doJSON(t, router, http.MethodPost, "/v1/checkouts/"+co.ID+"/verify", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_CheckPayment_BeforeInvoice(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	_, co := doJSON(t, router, http.MethodPost, "/v1/checkouts",
		`{"product_template_name": "purple_one_month"}`, "")

	w, _ := doJSON(t, router, http.MethodPost, "/v1/checkouts/"+co.ID+"/check-payment", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

// Exercises the whole purchase over the HTTP surface.
func TestHandler_PurchaseFlow(t *testing.T) {
	router, env := setupHandlerTestRouter(t)

	w, co := doJSON(t, router, http.MethodPost, "/v1/checkouts",
		`{"product_template_name": "purple_one_month"}`, "")
	require.Equal(t, http.StatusCreated, w.Code)

	w, co = doJSON(t, router, http.MethodPost, "/v1/checkouts/"+co.ID+"/verify", "", "npub1alice")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, co.Invoice)

	// Still unpaid.
	w, got := doJSON(t, router, http.MethodPost, "/v1/checkouts/"+co.ID+"/check-payment", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, got.Completed)

	env.node.SimulatePayment(co.Invoice.Bolt11)

	w, got = doJSON(t, router, http.MethodPost, "/v1/checkouts/"+co.ID+"/check-payment", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got.Completed)
	require.NotNil(t, got.Invoice.Paid)
	assert.True(t, *got.Invoice.Paid)

	product, err := products.Default().Get(products.PurpleOneMonth)
	require.NoError(t, err)

	account, err := env.accounts.Get(context.Background(), "npub1alice")
	require.NoError(t, err)
	assert.Equal(t, env.now.Unix()+product.Expiry, account.Expiry)
	assert.Equal(t, 1, account.SubscriberNumber)
}
