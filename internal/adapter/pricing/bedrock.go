// Package pricing provides a model-backed price policy on AWS Bedrock with
// a deterministic concession fallback.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"agora/internal/domain"
	"agora/internal/infra/config"
)

const defaultModelTimeout = 5 * time.Second

// bedrockConverseAPI abstracts the Bedrock runtime method for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockPolicy proposes prices with a Bedrock model. Every proposal is
// bounded by the fallback policy's invariants: if the model times out,
// errors, or proposes a price outside the valid band, the deterministic
// fallback decides instead. Negotiations never stall on a model outage.
type BedrockPolicy struct {
	model    string
	timeout  time.Duration
	client   bedrockConverseAPI
	fallback domain.PricePolicy
	logger   *slog.Logger
}

// NewBedrockPolicy creates a Bedrock-backed policy using the default AWS
// credential chain.
func NewBedrockPolicy(cfg config.BedrockConfig, fallback domain.PricePolicy, logger *slog.Logger) (*BedrockPolicy, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBedrockPolicyWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg), fallback, logger), nil
}

// newBedrockPolicyWithClient creates a BedrockPolicy with an injected client
// (for testing).
func newBedrockPolicyWithClient(cfg config.BedrockConfig, client bedrockConverseAPI, fallback domain.PricePolicy, logger *slog.Logger) *BedrockPolicy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}
	return &BedrockPolicy{
		model:    cfg.Model,
		timeout:  timeout,
		client:   client,
		fallback: fallback,
		logger:   logger,
	}
}

const pricingSystemPrompt = `You are a pricing agent negotiating on behalf of a seller.
Given the negotiation state, propose the seller's next offer price.
Respond with a single JSON object: {"price": <number>}. No other text.`

type modelProposal struct {
	Price float64 `json:"price"`
}

// ProposePrice implements domain.PricePolicy.
func (p *BedrockPolicy) ProposePrice(ctx context.Context, pc domain.PriceContext) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	price, err := p.propose(ctx, pc)
	if err != nil {
		p.logger.Warn("model pricing failed, using fallback", "round", pc.Round, "error", err)
		return p.fallback.ProposePrice(context.WithoutCancel(ctx), pc)
	}
	if !validProposal(price, pc) {
		p.logger.Warn("model proposed out-of-band price, using fallback",
			"round", pc.Round, "proposed", price, "floor", pc.FloorPrice)
		return p.fallback.ProposePrice(context.WithoutCancel(ctx), pc)
	}
	return price, nil
}

func (p *BedrockPolicy) propose(ctx context.Context, pc domain.PriceContext) (float64, error) {
	state, err := json.Marshal(map[string]any{
		"round":         pc.Round,
		"floor_price":   pc.FloorPrice,
		"current_offer": pc.CurrentOffer,
		"buyer_counter": pc.CounterOffer,
		"buyer_max":     pc.MaxPrice,
		"buyer_tier":    string(pc.BuyerTier),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal price context: %w", err)
	}

	output, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: pricingSystemPrompt},
		},
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: string(state)},
			},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(128),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("bedrock converse: %w", err)
	}

	text := extractText(output)
	if text == "" {
		return 0, fmt.Errorf("empty model response")
	}

	var proposal modelProposal
	if err := json.Unmarshal([]byte(text), &proposal); err != nil {
		return 0, fmt.Errorf("parse model response %q: %w", text, err)
	}
	return proposal.Price, nil
}

func extractText(output *bedrockruntime.ConverseOutput) string {
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	for _, block := range msg.Value.Content {
		if b, ok := block.(*types.ContentBlockMemberText); ok {
			return strings.TrimSpace(b.Value)
		}
	}
	return ""
}

// validProposal bounds a model proposal. Opening quotes must not undercut
// the floor; later rounds must concede monotonically and never drop below
// the floor or the buyer's counter.
func validProposal(price float64, pc domain.PriceContext) bool {
	if price <= 0 {
		return false
	}
	if price < pc.FloorPrice {
		return false
	}
	if pc.Round > 0 && price > pc.CurrentOffer {
		return false
	}
	return true
}

var _ domain.PricePolicy = (*BedrockPolicy)(nil)
