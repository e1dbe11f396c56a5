package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Market     MarketConfig     `yaml:"market"`
	Reputation ReputationConfig `yaml:"reputation"`
	Settlement SettlementConfig `yaml:"settlement"`
	Rails      RailsConfig      `yaml:"rails"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// MarketConfig holds negotiation engine settings.
type MarketConfig struct {
	MaxRounds               int           `yaml:"max_rounds"`
	QuoteTTL                time.Duration `yaml:"quote_ttl"`         // first quote
	CounterQuoteTTL         time.Duration `yaml:"counter_quote_ttl"` // re-quotes after a counter
	Concession              float64       `yaml:"concession"`        // fraction of the gap conceded per round
	MinBuyerScore           int           `yaml:"min_buyer_score"`
	PenalizeSellerRejection bool          `yaml:"penalize_seller_rejection"`
	DefaultRail             string        `yaml:"default_rail"`
	LockWait                time.Duration `yaml:"lock_wait"` // max wait for a session lock
}

// ReputationConfig holds trust scoring settings.
type ReputationConfig struct {
	DefaultScore int           `yaml:"default_score"` // score for agents never seen before
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// SettlementConfig holds payment orchestration settings.
type SettlementConfig struct {
	EscrowHold    time.Duration `yaml:"escrow_hold"`    // auto-refund deadline for held funds
	ConfirmWindow time.Duration `yaml:"confirm_window"` // ledger confirmation deadline
	MaxAttempts   int           `yaml:"max_attempts"`   // charge retries on transient rail failure
	RetryBackoff  time.Duration `yaml:"retry_backoff"`  // base backoff between retries
}

// RailsConfig holds per-rail backend settings.
type RailsConfig struct {
	Card   CardRailConfig   `yaml:"card"`
	Ledger LedgerRailConfig `yaml:"ledger"`
}

// CardRailConfig holds card network rail settings.
type CardRailConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// LedgerRailConfig holds shared ledger rail settings.
type LedgerRailConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for outbound rails.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for outbound clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// DiscoveryConfig holds agent registry client settings.
type DiscoveryConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Pool              PoolConfig    `yaml:"pool"`
}

// PricingConfig holds quote pricing policy settings.
type PricingConfig struct {
	Policy  string        `yaml:"policy"` // "concession" or "bedrock"
	Bedrock BedrockConfig `yaml:"bedrock"`
}

// BedrockConfig holds AWS Bedrock model settings for the LLM-backed policy.
type BedrockConfig struct {
	Region  string        `yaml:"region"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file path, ":memory:" for ephemeral
}

// SchedulerConfig holds background sweep settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled           bool       `yaml:"enabled"`
	Addr              string     `yaml:"addr"`
	Auth              AuthConfig `yaml:"auth"`
	RequestsPerSecond float64    `yaml:"requests_per_second"` // per connection
	Burst             int        `yaml:"burst"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig binds a gateway auth token to an agent identity.
type TokenConfig struct {
	Token   string   `yaml:"token"`
	AgentID string   `yaml:"agent_id"`
	Roles   []string `yaml:"roles"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agora.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agora")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Market: MarketConfig{
			MaxRounds:               5,
			QuoteTTL:                time.Hour,
			CounterQuoteTTL:         30 * time.Minute,
			Concession:              0.5,
			MinBuyerScore:           50,
			PenalizeSellerRejection: true,
			DefaultRail:             "mock",
			LockWait:                2 * time.Second,
		},
		Reputation: ReputationConfig{
			DefaultScore: 50,
			CacheTTL:     30 * time.Minute,
		},
		Settlement: SettlementConfig{
			EscrowHold:    7 * 24 * time.Hour,
			ConfirmWindow: time.Hour,
			MaxAttempts:   3,
			RetryBackoff:  time.Second,
		},
		Rails: RailsConfig{
			Card: CardRailConfig{
				Timeout: 15 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					Enabled:     true,
					MaxFailures: 5,
					Timeout:     30 * time.Second,
					Interval:    60 * time.Second,
				},
			},
			Ledger: LedgerRailConfig{
				Timeout: 15 * time.Second,
			},
		},
		Discovery: DiscoveryConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			Pool: PoolConfig{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Pricing: PricingConfig{
			Policy: "concession",
			Bedrock: BedrockConfig{
				Region:  "us-east-1",
				Model:   "anthropic.claude-3-haiku-20240307-v1:0",
				Timeout: 10 * time.Second,
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "agora.db"),
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "negotiation-sweep", Schedule: "1m", Action: "negotiation_sweep"},
				{Name: "settlement-recover", Schedule: "1m", Action: "settlement_recover"},
				{Name: "ledger-confirm", Schedule: "30s", Action: "ledger_confirm"},
				{Name: "escrow-sweep", Schedule: "10m", Action: "escrow_sweep"},
				{Name: "reputation-purge", Schedule: "30m", Action: "reputation_purge"},
			},
		},
		Gateway: GatewayConfig{
			Enabled:           false,
			Addr:              ":8090",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("AGORA_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGORA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGORA_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGORA_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGORA_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGORA_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGORA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("AGORA_MARKET_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Market.MaxRounds = n
		}
	}
	if v := os.Getenv("AGORA_MARKET_QUOTE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Market.QuoteTTL = d
		}
	}
	if v := os.Getenv("AGORA_MARKET_COUNTER_QUOTE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Market.CounterQuoteTTL = d
		}
	}
	if v := os.Getenv("AGORA_MARKET_CONCESSION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Market.Concession = f
		}
	}
	if v := os.Getenv("AGORA_MARKET_MIN_BUYER_SCORE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Market.MinBuyerScore = n
		}
	}
	if v := os.Getenv("AGORA_MARKET_DEFAULT_RAIL"); v != "" {
		cfg.Market.DefaultRail = v
	}

	if v := os.Getenv("AGORA_REPUTATION_DEFAULT_SCORE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			cfg.Reputation.DefaultScore = n
		}
	}
	if v := os.Getenv("AGORA_REPUTATION_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Reputation.CacheTTL = d
		}
	}

	if v := os.Getenv("AGORA_SETTLEMENT_ESCROW_HOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Settlement.EscrowHold = d
		}
	}
	if v := os.Getenv("AGORA_SETTLEMENT_CONFIRM_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Settlement.ConfirmWindow = d
		}
	}
	if v := os.Getenv("AGORA_SETTLEMENT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Settlement.MaxAttempts = n
		}
	}

	if v := os.Getenv("AGORA_RAILS_CARD_BASE_URL"); v != "" {
		cfg.Rails.Card.BaseURL = v
	}
	if v := os.Getenv("AGORA_RAILS_CARD_API_KEY"); v != "" {
		cfg.Rails.Card.APIKey = v
	}
	if v := os.Getenv("AGORA_RAILS_LEDGER_BASE_URL"); v != "" {
		cfg.Rails.Ledger.BaseURL = v
	}
	if v := os.Getenv("AGORA_RAILS_LEDGER_API_KEY"); v != "" {
		cfg.Rails.Ledger.APIKey = v
	}

	if v := os.Getenv("AGORA_DISCOVERY_BASE_URL"); v != "" {
		cfg.Discovery.BaseURL = v
	}
	if v := os.Getenv("AGORA_DISCOVERY_API_KEY"); v != "" {
		cfg.Discovery.APIKey = v
	}
	if v := os.Getenv("AGORA_DISCOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Discovery.Timeout = d
		}
	}

	if v := os.Getenv("AGORA_PRICING_POLICY"); v != "" {
		cfg.Pricing.Policy = v
	}
	if v := os.Getenv("AGORA_PRICING_BEDROCK_REGION"); v != "" {
		cfg.Pricing.Bedrock.Region = v
	}
	if v := os.Getenv("AGORA_PRICING_BEDROCK_MODEL"); v != "" {
		cfg.Pricing.Bedrock.Model = v
	}

	if v := os.Getenv("AGORA_SCHEDULER_ENABLED"); v == "true" {
		cfg.Scheduler.Enabled = true
	} else if v == "false" {
		cfg.Scheduler.Enabled = false
	}

	if v := os.Getenv("AGORA_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("AGORA_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"rails.card.api_key", &cfg.Rails.Card.APIKey},
		{"rails.ledger.api_key", &cfg.Rails.Ledger.APIKey},
		{"discovery.api_key", &cfg.Discovery.APIKey},
	}
	for _, s := range secrets {
		if strings.HasPrefix(*s.field, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			*s.field = decrypted
		}
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].AgentID, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
