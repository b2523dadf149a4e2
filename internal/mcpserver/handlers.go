package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/engine"
	"github.com/mbd888/offersync/internal/subscription"
	"github.com/mbd888/offersync/internal/units"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, now: time.Now}
}

// HandleSetRegistry binds the registry address.
func (h *Handlers) HandleSetRegistry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	deployed := req.GetBool("deployed", false)

	if _, err := h.client.Bootstrap(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect wallet: %v", err)), nil
	}
	st, err := h.client.SetRegistry(ctx, address, deployed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to set registry: %v", err)), nil
	}

	if st.Registry == nil {
		return mcp.NewToolResultText("Registry address cleared. Offers will be empty until a registry is set."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Registry set to %s. Run load_offers to read its offers.", st.Registry.Hex())), nil
}

// HandleLoadOffers connects the wallet if needed and rebuilds the catalog.
func (h *Handlers) HandleLoadOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := h.client.Bootstrap(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect wallet: %v", err)), nil
	}
	snap, err := h.client.LoadOffers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load offers: %v", err)), nil
	}
	return mcp.NewToolResultText(formatCatalog(snap, h.now())), nil
}

// HandleCreateSubscription selects the offer and duration, then submits.
func (h *Handlers) HandleCreateSubscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if _, ok := args["offer_index"]; !ok {
		return mcp.NewToolResultError("offer_index is required"), nil
	}
	index := req.GetInt("offer_index", -1)
	if index < 0 {
		return mcp.NewToolResultError("offer_index must not be negative"), nil
	}
	minutes := req.GetInt("duration_minutes", engine.DefaultDurationMinutes)
	if minutes < engine.MinDurationMinutes || minutes > engine.MaxDurationMinutes {
		return mcp.NewToolResultError(fmt.Sprintf("duration_minutes must be between %d and %d",
			engine.MinDurationMinutes, engine.MaxDurationMinutes)), nil
	}

	if err := h.client.SelectOffer(ctx, int64(index)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to select offer %d: %v", index, err)), nil
	}
	if err := h.client.SetDuration(ctx, int64(minutes)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to set duration: %v", err)), nil
	}
	p, err := h.client.CreateSubscription(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Subscription failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPending(p)), nil
}

// HandleGetState summarizes the engine state.
func (h *Handlers) HandleGetState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.GetState(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get state: %v", err)), nil
	}
	return mcp.NewToolResultText(formatState(st, h.now())), nil
}

// --- Formatting ---

func formatCatalog(snap catalog.Snapshot, now time.Time) string {
	if len(snap.Offers) == 0 {
		if snap.Registry == nil {
			return "No registry address is set, so there are no offers."
		}
		return fmt.Sprintf("Registry %s has no offers.", snap.Registry.Hex())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d offer(s)", len(snap.Offers)))
	if snap.Registry != nil {
		sb.WriteString(" in registry " + snap.Registry.Hex())
	}
	sb.WriteString(":\n\n")
	for _, o := range snap.Offers {
		sb.WriteString(formatOffer(o, now))
	}
	return sb.String()
}

func formatOffer(o catalog.OfferRecord, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d. %s\n", o.Index, o.Name))
	sb.WriteString(fmt.Sprintf("   Base fee: %s wei (%s ETH) per %s s minimum\n",
		o.BaseFee, units.FormatEther(o.BaseFee), o.MinimumSubscriptionTime))
	if o.IsRetired {
		sb.WriteString("   Retired\n")
	}
	switch {
	case o.Expiration == nil:
		sb.WriteString("   Not subscribed\n")
	case o.Active(now):
		sb.WriteString(fmt.Sprintf("   Subscribed until %s\n", o.Expiration.UTC().Format(time.RFC1123)))
	default:
		sb.WriteString(fmt.Sprintf("   Expired %s\n", o.Expiration.UTC().Format(time.RFC1123)))
	}
	return sb.String()
}

func formatPending(p subscription.Pending) string {
	var sb strings.Builder
	sb.WriteString("Subscription submitted:\n")
	sb.WriteString(fmt.Sprintf("  Offer:    %d\n", p.OfferIndex))
	sb.WriteString(fmt.Sprintf("  Duration: %d s\n", p.DurationSeconds))
	sb.WriteString(fmt.Sprintf("  Fee:      %s wei (%s ETH)\n", p.Fee, units.FormatEther(p.Fee)))
	sb.WriteString(fmt.Sprintf("  Tx:       %s\n", p.TxHash.Hex()))
	sb.WriteString("Confirmation arrives asynchronously; check get_state.")
	return sb.String()
}

func formatState(st engine.State, now time.Time) string {
	var sb strings.Builder
	if !st.Bootstrapped || st.Account == nil {
		sb.WriteString("Wallet: not connected\n")
	} else {
		sb.WriteString(fmt.Sprintf("Account: %s\n", st.Account.Address.Hex()))
		sb.WriteString(fmt.Sprintf("Balance: %s ETH\n", st.Account.Balance))
	}
	if st.Registry != nil {
		sb.WriteString(fmt.Sprintf("Registry: %s\n", st.Registry.Hex()))
	} else {
		sb.WriteString("Registry: not set\n")
	}

	sb.WriteString(fmt.Sprintf("Offers loaded: %d\n", len(st.Catalog.Offers)))
	if st.Intent.OfferIndex != nil {
		sb.WriteString(fmt.Sprintf("Selected offer: %d for %d min\n", *st.Intent.OfferIndex, st.Intent.DurationMinutes))
	} else {
		sb.WriteString(fmt.Sprintf("Selected offer: none (duration %d min)\n", st.Intent.DurationMinutes))
	}

	if st.Pending != nil {
		sb.WriteString(fmt.Sprintf("Pending: tx %s for offer %d\n", st.Pending.TxHash.Hex(), st.Pending.OfferIndex))
	}
	if c := st.LastConfirmation; c != nil {
		verb := "valid until"
		if !c.Expiration.After(now) {
			verb = "expired"
		}
		sb.WriteString(fmt.Sprintf("Last confirmed: offer %d %s %s\n",
			c.OfferIndex, verb, c.Expiration.UTC().Format(time.RFC1123)))
	}
	if st.Listening {
		sb.WriteString("Listening for confirmations\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
