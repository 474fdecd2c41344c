package iap

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/purplehq/purple-api/internal/logging"
)

// ErrOrderNotFound is returned when Apple has no transactions for an order id.
var ErrOrderNotFound = errors.New("iap: order not found")

// Environment base URLs for the App Store Server API.
const (
	ProductionAPIBase = "https://api.storekit.itunes.apple.com"
	SandboxAPIBase    = "https://api.storekit-sandbox.itunes.apple.com"
)

// AppStoreConfig configures the App Store Server API client.
type AppStoreConfig struct {
	BaseURL    string
	IssuerID   string
	KeyID      string
	BundleID   string
	PrivateKey *ecdsa.PrivateKey
}

// AppStoreClient talks to the App Store Server API, authenticating each
// request with a short-lived ES256 token.
type AppStoreClient struct {
	cfg    AppStoreConfig
	client *http.Client
	now    func() time.Time
}

// NewAppStoreClient creates a new App Store Server API client.
func NewAppStoreClient(cfg AppStoreConfig) *AppStoreClient {
	return &AppStoreClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
}

type historyResponse struct {
	Revision           string   `json:"revision"`
	HasMore            bool     `json:"hasMore"`
	SignedTransactions []string `json:"signedTransactions"`
}

type lookupResponse struct {
	Status             int      `json:"status"`
	SignedTransactions []string `json:"signedTransactions"`
}

// TransactionHistory pages through the transaction history for a
// transaction id, ascending, auto-renewable products only, excluding
// revoked entries. Pagination is best-effort: if a page request fails, the
// blobs collected so far are returned with truncated set, not an error.
func (c *AppStoreClient) TransactionHistory(ctx context.Context, transactionID string) ([]string, bool, error) {
	var blobs []string
	revision := ""

	for {
		query := url.Values{
			"sort":        {"ASCENDING"},
			"productType": {"AUTO_RENEWABLE"},
			"revoked":     {"false"},
		}
		if revision != "" {
			query.Set("revision", revision)
		}
		path := fmt.Sprintf("/inApps/v1/history/%s?%s", url.PathEscape(transactionID), query.Encode())

		var page historyResponse
		if err := c.get(ctx, path, &page); err != nil {
			// Callers must treat the result as potentially incomplete.
			logging.L(ctx).Warn("transaction history page failed",
				"transaction_id", transactionID,
				"pages_collected", len(blobs),
				"error", err,
			)
			return blobs, true, nil
		}

		blobs = append(blobs, page.SignedTransactions...)
		if !page.HasMore {
			return blobs, false, nil
		}
		revision = page.Revision
	}
}

// LookupOrder returns the signed transactions for a customer order id.
func (c *AppStoreClient) LookupOrder(ctx context.Context, orderID string) ([]string, error) {
	var resp lookupResponse
	if err := c.get(ctx, "/inApps/v1/lookup/"+url.PathEscape(orderID), &resp); err != nil {
		return nil, err
	}
	// Status 1 means the order id was not found or no longer valid.
	if resp.Status != 0 || len(resp.SignedTransactions) == 0 {
		return nil, ErrOrderNotFound
	}
	return resp.SignedTransactions, nil
}

func (c *AppStoreClient) get(ctx context.Context, path string, out any) error {
	token, err := c.token()
	if err != nil {
		return fmt.Errorf("sign api token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("app store api: status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// token mints a short-lived App Store Server API token.
func (c *AppStoreClient) token() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.cfg.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": c.cfg.BundleID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = c.cfg.KeyID
	return t.SignedString(c.cfg.PrivateKey)
}
