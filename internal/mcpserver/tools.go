package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolLookupOrder verifies an App Store order id, optionally granting the
// entitlement when a pubkey is supplied.
var ToolLookupOrder = mcp.NewTool("lookup_order_id",
	mcp.WithDescription("Look up an App Store order ID (from the user's Apple receipt email). With a pubkey, the resulting subscription is granted to that account; without one, all verified transactions on the order are returned for inspection. Use this when a user reports a purchase that did not show up."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The App Store order ID, e.g. MT271234567890"),
	),
	mcp.WithString("pubkey",
		mcp.Description("The user's pubkey the entitlement should be granted to. Omit to inspect the order without granting."),
	),
)

// ToolGetCheckout inspects a Lightning checkout.
var ToolGetCheckout = mcp.NewTool("get_checkout",
	mcp.WithDescription("Fetch a Lightning checkout by its ID, including its invoice and payment state. Checkout IDs start with co_."),
	mcp.WithString("checkout_id",
		mcp.Required(),
		mcp.Description("The checkout ID, e.g. co_a1b2c3d4"),
	),
)

// ToolGetAccount reads a user's account and entitlement status.
var ToolGetAccount = mcp.NewTool("get_account",
	mcp.WithDescription("Fetch a user's account: subscriber number, expiry and whether the subscription is currently active."),
	mcp.WithString("pubkey",
		mcp.Required(),
		mcp.Description("The user's pubkey"),
	),
)

// ToolListProducts lists the purchasable product templates.
var ToolListProducts = mcp.NewTool("list_products",
	mcp.WithDescription("List the product templates available for purchase, with prices and subscription durations."),
)
