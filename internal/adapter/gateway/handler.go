package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonschema"

	"agora/internal/domain"
	"agora/internal/usecase/negotiation"
	"agora/internal/usecase/reputation"
	"agora/internal/usecase/settlement"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Engine     *negotiation.Engine
	Settlement *settlement.Orchestrator
	Reputation *reputation.Service
	Discovery  domain.Discovery
	Logger     *slog.Logger
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("market.request_quote", requestQuoteHandler(deps))
	s.RegisterHandler("market.counter_offer", counterOfferHandler(deps))
	s.RegisterHandler("market.accept", acceptHandler(deps))
	s.RegisterHandler("market.reject", rejectHandler(deps))
	s.RegisterHandler("market.get", marketGetHandler(deps))
	s.RegisterHandler("market.history", marketHistoryHandler(deps))
	s.RegisterHandler("settle.initiate", settleInitiateHandler(deps))
	s.RegisterHandler("settle.release", settleReleaseHandler(deps))
	s.RegisterHandler("settle.get", settleGetHandler(deps))
	s.RegisterHandler("reputation.get", reputationGetHandler(deps))
	s.RegisterHandler("reputation.history", reputationHistoryHandler(deps))
	s.RegisterHandler("discovery.search", discoverySearchHandler(deps))
}

// mustCompileSchema compiles a JSON Schema at registration time. Panics on
// invalid schema text; these are program constants.
func mustCompileSchema(text string) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(text))
	if err != nil {
		panic(fmt.Sprintf("gateway: compile schema: %v", err))
	}
	return schema
}

// decodePayload validates the raw payload against the schema, then decodes
// it into out.
func decodePayload(schema *jsonschema.Schema, payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return domain.NewDomainError("Gateway.decode", domain.ErrValidation, "payload is not valid JSON")
	}
	if result := schema.Validate(generic); !result.IsValid() {
		return domain.NewDomainError("Gateway.decode", domain.ErrValidation, result.Error())
	}
	return json.Unmarshal(payload, out)
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, domain.WrapOp("Gateway.encode", err)
	}
	return data, nil
}

var requestQuoteSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"product_id": {"type": "string", "minLength": 1},
		"quantity": {"type": "integer", "minimum": 1},
		"max_price": {"type": "number", "exclusiveMinimum": 0},
		"currency": {"type": "string"},
		"deadline": {"type": "string", "format": "date-time"}
	},
	"required": ["product_id", "quantity", "max_price"]
}`)

func requestQuoteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			ProductID string  `json:"product_id"`
			Quantity  int     `json:"quantity"`
			MaxPrice  float64 `json:"max_price"`
			Currency  string  `json:"currency"`
			Deadline  string  `json:"deadline"`
		}
		if err := decodePayload(requestQuoteSchema, payload, &req); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(time.Hour)
		if req.Deadline != "" {
			parsed, err := time.Parse(time.RFC3339, req.Deadline)
			if err != nil {
				return nil, domain.NewDomainError("Gateway.request_quote", domain.ErrValidation,
					"deadline must be RFC 3339")
			}
			deadline = parsed
		}

		session, err := deps.Engine.RequestQuote(ctx, domain.RFQ{
			BuyerID:   client.AgentID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			MaxPrice:  req.MaxPrice,
			Currency:  req.Currency,
			Deadline:  deadline,
		})
		if err != nil {
			return nil, err
		}
		return marshalResult(session)
	}
}

var counterOfferSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"negotiation_id": {"type": "string", "minLength": 1},
		"price": {"type": "number", "minimum": 0}
	},
	"required": ["negotiation_id", "price"]
}`)

func counterOfferHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string  `json:"negotiation_id"`
			Price         float64 `json:"price"`
		}
		if err := decodePayload(counterOfferSchema, payload, &req); err != nil {
			return nil, err
		}
		session, err := deps.Engine.CounterOffer(ctx, req.NegotiationID, client.AgentID, req.Price)
		if err != nil {
			return nil, err
		}
		return marshalResult(session)
	}
}

var acceptSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"negotiation_id": {"type": "string", "minLength": 1},
		"rail": {"type": "string", "enum": ["", "mock", "card-network", "ledger", "escrow"]}
	},
	"required": ["negotiation_id"]
}`)

func acceptHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string `json:"negotiation_id"`
			Rail          string `json:"rail"`
		}
		if err := decodePayload(acceptSchema, payload, &req); err != nil {
			return nil, err
		}
		session, err := deps.Engine.Accept(ctx, req.NegotiationID, client.AgentID, domain.RailKind(req.Rail))
		if err != nil {
			return nil, err
		}
		return marshalResult(session)
	}
}

var rejectSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"negotiation_id": {"type": "string", "minLength": 1},
		"note": {"type": "string", "maxLength": 500}
	},
	"required": ["negotiation_id"]
}`)

func rejectHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string `json:"negotiation_id"`
			Note          string `json:"note"`
		}
		if err := decodePayload(rejectSchema, payload, &req); err != nil {
			return nil, err
		}
		session, err := deps.Engine.Reject(ctx, req.NegotiationID, client.AgentID, req.Note)
		if err != nil {
			return nil, err
		}
		return marshalResult(session)
	}
}

var negotiationIDSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"negotiation_id": {"type": "string", "minLength": 1}
	},
	"required": ["negotiation_id"]
}`)

func marketGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string `json:"negotiation_id"`
		}
		if err := decodePayload(negotiationIDSchema, payload, &req); err != nil {
			return nil, err
		}
		session, err := deps.Engine.Get(ctx, req.NegotiationID)
		if err != nil {
			return nil, err
		}
		// Sessions are visible only to their parties.
		if client.AgentID != session.BuyerID && client.AgentID != session.SellerID {
			return nil, domain.NewDomainError("Gateway.market_get", domain.ErrNotFound,
				"negotiation "+req.NegotiationID)
		}
		return marshalResult(session)
	}
}

var historySchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "minimum": 1, "maximum": 500}
	}
}`)

func marketHistoryHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Limit int `json:"limit"`
		}
		if err := decodePayload(historySchema, payload, &req); err != nil {
			return nil, err
		}
		archives, err := deps.Engine.History(ctx, client.AgentID, req.Limit)
		if err != nil {
			return nil, err
		}
		return marshalResult(archives)
	}
}

var settleInitiateSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"negotiation_id": {"type": "string", "minLength": 1},
		"rail": {"type": "string", "enum": ["", "mock", "card-network", "ledger", "escrow"]}
	},
	"required": ["negotiation_id"]
}`)

// settleInitiateHandler retries settlement for an accepted negotiation
// whose handoff failed. Idempotent; an existing record is returned as-is.
func settleInitiateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string `json:"negotiation_id"`
			Rail          string `json:"rail"`
		}
		if err := decodePayload(settleInitiateSchema, payload, &req); err != nil {
			return nil, err
		}
		session, err := deps.Engine.Get(ctx, req.NegotiationID)
		if err != nil {
			return nil, err
		}
		if client.AgentID != session.BuyerID && client.AgentID != session.SellerID {
			return nil, domain.NewDomainError("Gateway.settle_initiate", domain.ErrNotFound,
				"negotiation "+req.NegotiationID)
		}
		rail := domain.RailKind(req.Rail)
		if rail == "" {
			rail = session.Rail
		}
		rec, err := deps.Settlement.Initiate(ctx, req.NegotiationID, rail)
		if err != nil {
			return nil, err
		}
		return marshalResult(rec)
	}
}

func settleReleaseHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string `json:"negotiation_id"`
		}
		if err := decodePayload(negotiationIDSchema, payload, &req); err != nil {
			return nil, err
		}
		rec, err := deps.Settlement.Release(ctx, req.NegotiationID, client.AgentID)
		if err != nil {
			return nil, err
		}
		return marshalResult(rec)
	}
}

func settleGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			NegotiationID string `json:"negotiation_id"`
		}
		if err := decodePayload(negotiationIDSchema, payload, &req); err != nil {
			return nil, err
		}
		rec, err := deps.Settlement.Get(ctx, req.NegotiationID)
		if err != nil {
			return nil, err
		}
		if client.AgentID != rec.BuyerID && client.AgentID != rec.SellerID {
			return nil, domain.NewDomainError("Gateway.settle_get", domain.ErrNotFound,
				"settlement for negotiation "+req.NegotiationID)
		}
		return marshalResult(rec)
	}
}

var agentIDSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 500}
	},
	"required": ["agent_id"]
}`)

func reputationGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := decodePayload(agentIDSchema, payload, &req); err != nil {
			return nil, err
		}
		rec, err := deps.Reputation.Record(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		return marshalResult(rec)
	}
}

func reputationHistoryHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			AgentID string `json:"agent_id"`
			Limit   int    `json:"limit"`
		}
		if err := decodePayload(agentIDSchema, payload, &req); err != nil {
			return nil, err
		}
		deltas, err := deps.Reputation.History(ctx, req.AgentID, req.Limit)
		if err != nil {
			return nil, err
		}
		return marshalResult(deltas)
	}
}

var searchSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"category": {"type": "string", "minLength": 1}
	},
	"required": ["category"]
}`)

func discoverySearchHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Category string `json:"category"`
		}
		if err := decodePayload(searchSchema, payload, &req); err != nil {
			return nil, err
		}
		sellers, err := deps.Discovery.SearchSellers(ctx, req.Category)
		if err != nil {
			return nil, err
		}
		return marshalResult(sellers)
	}
}
