// Package mcpserver exposes the marketplace as MCP tools over stdio so any
// MCP-capable agent can negotiate and settle without speaking the gateway's
// WebSocket protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agora/internal/domain"
	"agora/internal/usecase/negotiation"
	"agora/internal/usecase/reputation"
	"agora/internal/usecase/settlement"
)

// Deps holds the use cases the MCP tools call into.
type Deps struct {
	Engine     *negotiation.Engine
	Settlement *settlement.Orchestrator
	Reputation *reputation.Service
	Discovery  domain.Discovery
	Logger     *slog.Logger
}

// New builds the MCP server with all marketplace tools registered.
func New(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"agora",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("request_quote",
		mcp.WithDescription("Request a quote for a product, opening a negotiation session."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Buyer agent id")),
		mcp.WithString("product_id", mcp.Required(), mcp.Description("Catalog product id")),
		mcp.WithNumber("quantity", mcp.Required(), mcp.Description("Units requested")),
		mcp.WithNumber("max_price", mcp.Required(), mcp.Description("Highest total price the buyer will pay")),
		mcp.WithString("currency", mcp.Description("ISO currency code; defaults to the product's currency")),
	), requestQuoteTool(deps))

	s.AddTool(mcp.NewTool("counter_offer",
		mcp.WithDescription("Counter the live quote with a lower price."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Buyer agent id")),
		mcp.WithString("negotiation_id", mcp.Required()),
		mcp.WithNumber("price", mcp.Required(), mcp.Description("Counter price")),
	), counterOfferTool(deps))

	s.AddTool(mcp.NewTool("accept_quote",
		mcp.WithDescription("Accept the live quote and initiate settlement."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Buyer agent id")),
		mcp.WithString("negotiation_id", mcp.Required()),
		mcp.WithString("rail", mcp.Description("Settlement rail: mock, card-network, ledger, or escrow")),
	), acceptQuoteTool(deps))

	s.AddTool(mcp.NewTool("reject_quote",
		mcp.WithDescription("Walk away from the negotiation."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Buyer or seller agent id")),
		mcp.WithString("negotiation_id", mcp.Required()),
		mcp.WithString("note", mcp.Description("Optional closing note")),
	), rejectQuoteTool(deps))

	s.AddTool(mcp.NewTool("get_negotiation",
		mcp.WithDescription("Fetch a negotiation session by id."),
		mcp.WithString("negotiation_id", mcp.Required()),
	), getNegotiationTool(deps))

	s.AddTool(mcp.NewTool("negotiation_history",
		mcp.WithDescription("List archived negotiations involving an agent."),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum entries, default 50")),
	), negotiationHistoryTool(deps))

	s.AddTool(mcp.NewTool("initiate_settlement",
		mcp.WithDescription("Start or retry settlement for an accepted negotiation. Idempotent per negotiation."),
		mcp.WithString("negotiation_id", mcp.Required()),
		mcp.WithString("rail", mcp.Description("Settlement rail: mock, card-network, ledger, or escrow")),
	), initiateSettlementTool(deps))

	s.AddTool(mcp.NewTool("release_escrow",
		mcp.WithDescription("Acknowledge an escrow release; funds move when both parties have acknowledged."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Buyer or seller agent id")),
		mcp.WithString("negotiation_id", mcp.Required()),
	), releaseEscrowTool(deps))

	s.AddTool(mcp.NewTool("get_settlement",
		mcp.WithDescription("Fetch the settlement record for a negotiation."),
		mcp.WithString("negotiation_id", mcp.Required()),
	), getSettlementTool(deps))

	s.AddTool(mcp.NewTool("get_reputation",
		mcp.WithDescription("Fetch an agent's reputation score and trust tier."),
		mcp.WithString("agent_id", mcp.Required()),
	), getReputationTool(deps))

	s.AddTool(mcp.NewTool("search_sellers",
		mcp.WithDescription("List active sellers in a product category."),
		mcp.WithString("category", mcp.Required()),
	), searchSellersTool(deps))

	return s
}

// ServeStdio runs the MCP server on stdin/stdout until EOF.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// toolResult marshals v as the tool's text result.
func toolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports a domain error as a tool error with its machine code.
func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", domain.ErrorCodeOf(err), err.Error())), nil
}

func requestQuoteTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		productID, err := req.RequireString("product_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		quantity, err := req.RequireInt("quantity")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		maxPrice, err := req.RequireFloat("max_price")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		session, err := deps.Engine.RequestQuote(ctx, domain.RFQ{
			BuyerID:   agentID,
			ProductID: productID,
			Quantity:  quantity,
			MaxPrice:  maxPrice,
			Currency:  req.GetString("currency", ""),
			Deadline:  time.Now().Add(time.Hour),
		})
		if err != nil {
			return toolError(err)
		}
		return toolResult(session)
	}
}

func counterOfferTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		price, err := req.RequireFloat("price")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		session, err := deps.Engine.CounterOffer(ctx, negotiationID, agentID, price)
		if err != nil {
			return toolError(err)
		}
		return toolResult(session)
	}
}

func acceptQuoteTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		session, err := deps.Engine.Accept(ctx, negotiationID, agentID,
			domain.RailKind(req.GetString("rail", "")))
		if err != nil {
			return toolError(err)
		}
		return toolResult(session)
	}
}

func rejectQuoteTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		session, err := deps.Engine.Reject(ctx, negotiationID, agentID, req.GetString("note", ""))
		if err != nil {
			return toolError(err)
		}
		return toolResult(session)
	}
}

func getNegotiationTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		session, err := deps.Engine.Get(ctx, negotiationID)
		if err != nil {
			return toolError(err)
		}
		return toolResult(session)
	}
}

func negotiationHistoryTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		archives, err := deps.Engine.History(ctx, agentID, req.GetInt("limit", 50))
		if err != nil {
			return toolError(err)
		}
		return toolResult(archives)
	}
}

func initiateSettlementTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rec, err := deps.Settlement.Initiate(ctx, negotiationID,
			domain.RailKind(req.GetString("rail", "")))
		if err != nil {
			return toolError(err)
		}
		return toolResult(rec)
	}
}

func releaseEscrowTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rec, err := deps.Settlement.Release(ctx, negotiationID, agentID)
		if err != nil {
			return toolError(err)
		}
		return toolResult(rec)
	}
}

func getSettlementTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		negotiationID, err := req.RequireString("negotiation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rec, err := deps.Settlement.Get(ctx, negotiationID)
		if err != nil {
			return toolError(err)
		}
		return toolResult(rec)
	}
}

func getReputationTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rec, err := deps.Reputation.Record(ctx, agentID)
		if err != nil {
			return toolError(err)
		}
		return toolResult(rec)
	}
}

func searchSellersTool(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		category, err := req.RequireString("category")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sellers, err := deps.Discovery.SearchSellers(ctx, category)
		if err != nil {
			return toolError(err)
		}
		return toolResult(sellers)
	}
}
