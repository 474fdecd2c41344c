package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RestConfig configures the Core Lightning REST client.
type RestConfig struct {
	BaseURL string // e.g. "https://ln.example.com:3010"
	Rune    string // rune authorizing invoice and listinvoices calls

	// Connection parameters handed to paying clients alongside each
	// invoice. ClientRune should be a read-restricted rune, never the
	// server's own.
	NodeID     string
	Address    string
	ClientRune string
}

// RestClient talks to a Core Lightning node over its REST interface.
type RestClient struct {
	cfg        RestConfig
	httpClient *http.Client
}

// NewRestClient creates a client for the node's REST interface.
func NewRestClient(cfg RestConfig) *RestClient {
	return &RestClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type invoiceRequest struct {
	AmountMsat  int64  `json:"amount_msat"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type invoiceResponse struct {
	Bolt11 string `json:"bolt11"`
}

type listInvoicesRequest struct {
	Label string `json:"label"`
}

type listInvoicesResponse struct {
	Invoices []struct {
		Label  string `json:"label"`
		Status string `json:"status"` // "unpaid", "paid", "expired"
	} `json:"invoices"`
}

// CreateInvoice registers an invoice on the node.
func (c *RestClient) CreateInvoice(ctx context.Context, amountMsat int64, label, description string) (*Invoice, error) {
	if amountMsat <= 0 {
		return nil, fmt.Errorf("%w: %d msat", ErrInvalidAmount, amountMsat)
	}

	var resp invoiceResponse
	err := c.post(ctx, "/v1/invoice", invoiceRequest{
		AmountMsat:  amountMsat,
		Label:       label,
		Description: description,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Bolt11 == "" {
		return nil, fmt.Errorf("%w: node returned no bolt11", ErrNodeUnavailable)
	}

	return &Invoice{
		Bolt11: resp.Bolt11,
		Label:  label,
		ConnectionParams: ConnectionParams{
			NodeID:  c.cfg.NodeID,
			Address: c.cfg.Address,
			Rune:    c.cfg.ClientRune,
		},
	}, nil
}

// QueryPaid checks the invoice status by label.
func (c *RestClient) QueryPaid(ctx context.Context, label string) (bool, error) {
	var resp listInvoicesResponse
	if err := c.post(ctx, "/v1/listinvoices", listInvoicesRequest{Label: label}, &resp); err != nil {
		return false, err
	}
	if len(resp.Invoices) == 0 {
		return false, fmt.Errorf("%w: label %s", ErrInvoiceNotFound, label)
	}
	return resp.Invoices[0].Status == "paid", nil
}

// Ping checks node reachability for health reporting.
func (c *RestClient) Ping(ctx context.Context) error {
	var resp listInvoicesResponse
	return c.post(ctx, "/v1/listinvoices", struct{}{}, &resp)
}

func (c *RestClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Rune", c.cfg.Rune)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrNodeUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: %s returned %d: %s", ErrNodeUnavailable, path, resp.StatusCode, truncate(respBody, 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrNodeUnavailable, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
