package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PurpleClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PurpleClient) *Handlers {
	return &Handlers{client: client}
}

// HandleLookupOrder verifies an order id. With a pubkey the entitlement is
// granted to that account; without one the order is inspected unfiltered.
func (h *Handlers) HandleLookupOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	pubkey := req.GetString("pubkey", "")

	raw, err := h.client.LookupOrder(ctx, orderID, pubkey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Order lookup failed: %v", err)), nil
	}

	text, err := formatOrderResult(raw, pubkey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCheckout fetches a checkout's current state.
func (h *Handlers) HandleGetCheckout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkoutID := req.GetString("checkout_id", "")
	if checkoutID == "" {
		return mcp.NewToolResultError("checkout_id is required"), nil
	}

	raw, err := h.client.GetCheckout(ctx, checkoutID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get checkout: %v", err)), nil
	}

	text, err := formatCheckout(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse checkout: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetAccount fetches a user's account.
func (h *Handlers) HandleGetAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pubkey := req.GetString("pubkey", "")
	if pubkey == "" {
		return mcp.NewToolResultError("pubkey is required"), nil
	}

	raw, err := h.client.GetAccount(ctx, pubkey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	var resp struct {
		Account accountInfo `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}

	return mcp.NewToolResultText(formatAccount(resp.Account)), nil
}

// HandleListProducts lists the product catalog.
func (h *Handlers) HandleListProducts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListProducts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list products: %v", err)), nil
	}

	text, err := formatProducts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse products: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type accountInfo struct {
	Pubkey           string `json:"pubkey"`
	CreatedAt        int64  `json:"created_at"`
	Expiry           int64  `json:"expiry"`
	SubscriberNumber int    `json:"subscriber_number"`
	Active           bool   `json:"active"`
}

func formatAccount(a accountInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s\n", a.Pubkey)
	fmt.Fprintf(&sb, "  Subscriber #%d\n", a.SubscriberNumber)
	fmt.Fprintf(&sb, "  Created: %s\n", formatUnix(a.CreatedAt))
	if a.Active {
		fmt.Fprintf(&sb, "  Subscription: active until %s\n", formatUnix(a.Expiry))
	} else {
		fmt.Fprintf(&sb, "  Subscription: expired %s\n", formatUnix(a.Expiry))
	}
	return sb.String()
}

func formatOrderResult(raw json.RawMessage, pubkey string) (string, error) {
	var resp struct {
		Transactions []struct {
			ID      string `json:"id"`
			EndDate *int64 `json:"end_date"`
		} `json:"transactions"`
		Account *accountInfo `json:"account"`
		Partial bool         `json:"partial"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Transactions) == 0 {
		if pubkey == "" {
			return "Order found but it contains no verified transactions.", nil
		}
		return fmt.Sprintf("Order found but it grants no entitlement to %s. "+
			"The purchase likely belongs to a different account.", pubkey), nil
	}

	var sb strings.Builder
	if pubkey == "" {
		fmt.Fprintf(&sb, "Order verified: %d transaction(s), nothing granted\n", len(resp.Transactions))
	} else {
		fmt.Fprintf(&sb, "Order verified: %d transaction(s) granted to %s\n", len(resp.Transactions), pubkey)
	}
	for _, t := range resp.Transactions {
		if t.EndDate != nil {
			fmt.Fprintf(&sb, "  %s through %s\n", t.ID, formatUnix(*t.EndDate))
		} else {
			fmt.Fprintf(&sb, "  %s\n", t.ID)
		}
	}
	if resp.Account != nil {
		sb.WriteString("\n")
		sb.WriteString(formatAccount(*resp.Account))
	}
	if resp.Partial {
		sb.WriteString("\nNote: Apple returned a partial history; some transactions may be missing.\n")
	}
	return sb.String(), nil
}

func formatCheckout(raw json.RawMessage) (string, error) {
	var resp struct {
		Checkout struct {
			ID                  string  `json:"id"`
			ProductTemplateName string  `json:"product_template_name"`
			CreatedAt           int64   `json:"created_at"`
			VerifiedPubkey      *string `json:"verified_pubkey"`
			Completed           bool    `json:"completed"`
			Invoice             *struct {
				Bolt11 string `json:"bolt11"`
				Label  string `json:"label"`
				Paid   *bool  `json:"paid"`
			} `json:"invoice"`
		} `json:"checkout"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	co := resp.Checkout

	var sb strings.Builder
	fmt.Fprintf(&sb, "Checkout %s\n", co.ID)
	fmt.Fprintf(&sb, "  Product: %s\n", co.ProductTemplateName)
	fmt.Fprintf(&sb, "  Created: %s\n", formatUnix(co.CreatedAt))
	if co.VerifiedPubkey != nil {
		fmt.Fprintf(&sb, "  Buyer: %s\n", *co.VerifiedPubkey)
	} else {
		sb.WriteString("  Buyer: not yet verified\n")
	}
	switch {
	case co.Completed:
		sb.WriteString("  Status: completed (paid, entitlement granted)\n")
	case co.Invoice == nil:
		sb.WriteString("  Status: created, no invoice issued yet\n")
	default:
		fmt.Fprintf(&sb, "  Status: awaiting payment of invoice %s\n", co.Invoice.Label)
		fmt.Fprintf(&sb, "  Invoice: %s\n", co.Invoice.Bolt11)
	}
	return sb.String(), nil
}

func formatProducts(raw json.RawMessage) (string, error) {
	var resp struct {
		Products map[string]struct {
			Description string `json:"description"`
			AmountMsat  int64  `json:"amount_msat"`
			Expiry      int64  `json:"expiry"`
		} `json:"products"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Products) == 0 {
		return "No products configured.", nil
	}

	names := make([]string, 0, len(resp.Products))
	for name := range resp.Products {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d product(s):\n\n", len(names))
	for _, name := range names {
		p := resp.Products[name]
		fmt.Fprintf(&sb, "%s - %s\n", name, p.Description)
		fmt.Fprintf(&sb, "  Price: %d sats, duration: %d days\n\n",
			p.AmountMsat/1000, p.Expiry/86400)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04 MST")
}
