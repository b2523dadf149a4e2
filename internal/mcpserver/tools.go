package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the offersync MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSetRegistry = mcp.NewTool("set_registry",
	mcp.WithDescription(
		"Point offersync at an on-chain offer registry contract. "+
			"Changing the registry clears the loaded offers and the selected offer. "+
			"Pass an empty address to clear it, or deployed=true to use the address recorded for the connected network."),
	mcp.WithString("address",
		mcp.Description("Registry contract address (0x followed by 40 hex characters)")),
	mcp.WithBoolean("deployed",
		mcp.Description("Use the registry deployed on the connected network instead of an explicit address")),
)

var ToolLoadOffers = mcp.NewTool("load_offers",
	mcp.WithDescription(
		"Connect the wallet if needed and load every offer from the registry, "+
			"with the active account's subscription expiration for each. "+
			"Fees are in wei; minimum subscription times are in seconds."),
)

var ToolCreateSubscription = mcp.NewTool("create_subscription",
	mcp.WithDescription(
		"Subscribe the active account to an offer. The fee is computed on-chain for the duration "+
			"and paid from the account; the wallet may ask for approval. "+
			"Returns once the transaction is submitted. Use get_state to see the confirmation."),
	mcp.WithNumber("offer_index",
		mcp.Required(),
		mcp.Description("Index of the offer, as listed by load_offers")),
	mcp.WithNumber("duration_minutes",
		mcp.Description("Subscription length in minutes, 1 to 180 (default 30)"),
		mcp.Min(1), mcp.Max(180)),
)

var ToolGetState = mcp.NewTool("get_state",
	mcp.WithDescription(
		"Show the active account and balance, the registry, the loaded offers, "+
			"the selected offer and duration, and the latest pending or confirmed subscription."),
)
