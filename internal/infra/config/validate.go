package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateMarket(cfg, ve)
	validateReputation(cfg, ve)
	validateSettlement(cfg, ve)
	validateRails(cfg, ve)
	validateDiscovery(cfg, ve)
	validatePricing(cfg, ve)
	validateStore(cfg, ve)
	validateScheduler(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validRails = map[string]bool{
	"mock":         true,
	"card-network": true,
	"ledger":       true,
	"escrow":       true,
}

func validateMarket(cfg *Config, ve *ValidationError) {
	m := cfg.Market
	if m.MaxRounds <= 0 {
		ve.Add("market.max_rounds must be > 0")
	}
	if m.QuoteTTL <= 0 {
		ve.Add("market.quote_ttl must be > 0")
	}
	if m.CounterQuoteTTL <= 0 {
		ve.Add("market.counter_quote_ttl must be > 0")
	}
	if m.Concession <= 0 || m.Concession > 1 {
		ve.Add("market.concession must be in (0, 1]")
	}
	if m.MinBuyerScore < 0 || m.MinBuyerScore > 100 {
		ve.Add("market.min_buyer_score must be between 0 and 100")
	}
	if !validRails[m.DefaultRail] {
		ve.Add("market.default_rail %q is invalid (want: mock, card-network, ledger, escrow)", m.DefaultRail)
	}
	if m.LockWait <= 0 {
		ve.Add("market.lock_wait must be > 0")
	}
}

func validateReputation(cfg *Config, ve *ValidationError) {
	if cfg.Reputation.DefaultScore < 0 || cfg.Reputation.DefaultScore > 100 {
		ve.Add("reputation.default_score must be between 0 and 100")
	}
	if cfg.Reputation.CacheTTL <= 0 {
		ve.Add("reputation.cache_ttl must be > 0")
	}
}

func validateSettlement(cfg *Config, ve *ValidationError) {
	s := cfg.Settlement
	if s.EscrowHold <= 0 {
		ve.Add("settlement.escrow_hold must be > 0")
	}
	if s.ConfirmWindow <= 0 {
		ve.Add("settlement.confirm_window must be > 0")
	}
	if s.MaxAttempts <= 0 {
		ve.Add("settlement.max_attempts must be > 0")
	}
	if s.RetryBackoff <= 0 {
		ve.Add("settlement.retry_backoff must be > 0")
	}
}

func validateRails(cfg *Config, ve *ValidationError) {
	// The card and ledger rails are remote services; base URLs are only
	// required when the default rail actually points at them.
	if cfg.Market.DefaultRail == "card-network" && cfg.Rails.Card.BaseURL == "" {
		ve.Add("rails.card.base_url is required when market.default_rail is card-network (set via AGORA_RAILS_CARD_BASE_URL)")
	}
	if cfg.Market.DefaultRail == "ledger" && cfg.Rails.Ledger.BaseURL == "" {
		ve.Add("rails.ledger.base_url is required when market.default_rail is ledger (set via AGORA_RAILS_LEDGER_BASE_URL)")
	}
	if cfg.Rails.Card.Timeout <= 0 {
		ve.Add("rails.card.timeout must be > 0")
	}
	if cfg.Rails.Ledger.Timeout <= 0 {
		ve.Add("rails.ledger.timeout must be > 0")
	}
	if cb := cfg.Rails.Card.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("rails.card.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("rails.card.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.Timeout <= 0 {
		ve.Add("discovery.timeout must be > 0")
	}
	if cfg.Discovery.RequestsPerSecond <= 0 {
		ve.Add("discovery.requests_per_second must be > 0")
	}
	if cfg.Discovery.Burst <= 0 {
		ve.Add("discovery.burst must be > 0")
	}
}

var validPricingPolicies = map[string]bool{
	"concession": true,
	"bedrock":    true,
}

func validatePricing(cfg *Config, ve *ValidationError) {
	if !validPricingPolicies[cfg.Pricing.Policy] {
		ve.Add("pricing.policy %q is invalid (want: concession, bedrock)", cfg.Pricing.Policy)
	}
	if cfg.Pricing.Policy == "bedrock" {
		if cfg.Pricing.Bedrock.Region == "" {
			ve.Add("pricing.bedrock.region is required when policy is bedrock")
		}
		if cfg.Pricing.Bedrock.Model == "" {
			ve.Add("pricing.bedrock.model is required when policy is bedrock")
		}
		if cfg.Pricing.Bedrock.Timeout <= 0 {
			ve.Add("pricing.bedrock.timeout must be > 0 when policy is bedrock")
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

var validActions = map[string]bool{
	"negotiation_sweep":  true,
	"settlement_recover": true,
	"ledger_confirm":     true,
	"escrow_sweep":       true,
	"reputation_purge":   true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: negotiation_sweep, settlement_recover, ledger_confirm, escrow_sweep, reputation_purge)", i, t.Action)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RequestsPerSecond <= 0 {
		ve.Add("gateway.requests_per_second must be > 0 when gateway is enabled")
	}
	if cfg.Gateway.Burst <= 0 {
		ve.Add("gateway.burst must be > 0 when gateway is enabled")
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
		if t.AgentID == "" {
			ve.Add("gateway.auth.tokens[%d].agent_id must not be empty", i)
		}
	}
}
