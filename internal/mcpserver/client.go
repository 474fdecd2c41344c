// Package mcpserver exposes Purple support operations as MCP tools.
//
// Support staff run an MCP-capable assistant against this server to answer
// "where is my subscription" tickets: look up an App Store order id, inspect
// a checkout, read an account's entitlement. Everything goes through the
// public HTTP API; the MCP server holds the gateway secret so it can act on
// behalf of the user's pubkey.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/purplehq/purple-api/internal/auth"
)

// Config holds the configuration for connecting to the Purple API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8989"
	GatewaySecret string // Shared secret for signing requests on a user's behalf
}

// PurpleClient is a pure HTTP client for the Purple API.
type PurpleClient struct {
	cfg        Config
	signer     *auth.GatewayAuthenticator
	httpClient *http.Client
}

// NewPurpleClient creates a new client for the Purple API.
func NewPurpleClient(cfg Config) *PurpleClient {
	return &PurpleClient{
		cfg:    cfg,
		signer: auth.NewGatewayAuthenticator(cfg.GatewaySecret),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API. When pubkey is non-empty the
// request is signed as that user.
func (c *PurpleClient) doRequest(ctx context.Context, method, path, pubkey string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if pubkey != "" {
		ts := time.Now().Unix()
		req.Header.Set(auth.HeaderPubkey, pubkey)
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, c.signer.Sign(pubkey, ts))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// LookupOrder verifies an App Store order id on behalf of a user.
func (c *PurpleClient) LookupOrder(ctx context.Context, orderID, pubkey string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/iap/order/"+orderID, pubkey, nil)
}

// GetCheckout fetches a checkout by id.
func (c *PurpleClient) GetCheckout(ctx context.Context, checkoutID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/checkouts/"+checkoutID, "", nil)
}

// GetAccount fetches a user's account and entitlement status.
func (c *PurpleClient) GetAccount(ctx context.Context, pubkey string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/account", pubkey, nil)
}

// ListProducts fetches the product catalog.
func (c *PurpleClient) ListProducts(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/products", "", nil)
}
