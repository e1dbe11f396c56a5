package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Market.MaxRounds != 5 {
		t.Errorf("MaxRounds = %d, want 5", cfg.Market.MaxRounds)
	}
	if cfg.Market.QuoteTTL != time.Hour {
		t.Errorf("QuoteTTL = %s, want 1h", cfg.Market.QuoteTTL)
	}
	if cfg.Settlement.EscrowHold != 7*24*time.Hour {
		t.Errorf("EscrowHold = %s, want 168h", cfg.Settlement.EscrowHold)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Market.MaxRounds != 5 {
		t.Errorf("expected defaults, got MaxRounds=%d", cfg.Market.MaxRounds)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
market:
  max_rounds: 3
  min_buyer_score: 60
reputation:
  default_score: 40
rails:
  card:
    base_url: "https://cards.example.com"
    api_key: "test-key"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Market.MaxRounds != 3 {
		t.Errorf("MaxRounds = %d, want 3", cfg.Market.MaxRounds)
	}
	if cfg.Market.MinBuyerScore != 60 {
		t.Errorf("MinBuyerScore = %d, want 60", cfg.Market.MinBuyerScore)
	}
	if cfg.Reputation.DefaultScore != 40 {
		t.Errorf("DefaultScore = %d, want 40", cfg.Reputation.DefaultScore)
	}
	if cfg.Rails.Card.APIKey != "test-key" {
		t.Errorf("Card.APIKey = %q, want %q", cfg.Rails.Card.APIKey, "test-key")
	}
	// Unset fields keep defaults.
	if cfg.Market.QuoteTTL != time.Hour {
		t.Errorf("QuoteTTL = %s, want 1h", cfg.Market.QuoteTTL)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("market:\n  max_rounds: 3\n"), 0666); err != nil {
		t.Fatal(err)
	}
	// WriteFile's mode is subject to umask; chmod to guarantee insecure bits.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Errorf("expected insecure permissions error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGORA_MARKET_MAX_ROUNDS", "7")
	t.Setenv("AGORA_LOGGER_LEVEL", "debug")
	t.Setenv("AGORA_MARKET_DEFAULT_RAIL", "escrow")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Market.MaxRounds != 7 {
		t.Errorf("MaxRounds = %d, want 7", cfg.Market.MaxRounds)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Market.DefaultRail != "escrow" {
		t.Errorf("DefaultRail = %q, want %q", cfg.Market.DefaultRail, "escrow")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecretsInConfig(t *testing.T) {
	passphrase := "test-config-key"
	plainAPIKey := "sk-secret123456"

	encrypted, err := EncryptValue(plainAPIKey, passphrase)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.Rails.Card.APIKey = "enc:" + encrypted
	cfg.Gateway.Auth.Tokens = []TokenConfig{
		{Token: "enc:" + encrypted, AgentID: "buyer-1"},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Rails.Card.APIKey != plainAPIKey {
		t.Errorf("Card.APIKey = %q, want %q", cfg.Rails.Card.APIKey, plainAPIKey)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != plainAPIKey {
		t.Errorf("gateway token = %q, want %q", cfg.Gateway.Auth.Tokens[0].Token, plainAPIKey)
	}
}
