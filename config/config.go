// Package config loads the gateway's runtime configuration from an optional
// TOML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration parses "1h30m" style strings in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the gateway's runtime configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	NodeURL       string `toml:"NodeURL"`
	NodeAuthToken string `toml:"NodeAuthToken"`

	DatabaseDSN string `toml:"DatabaseDSN"`

	ProviderWIF        string `toml:"ProviderWIF"`
	ProviderPublicKey  string `toml:"ProviderPublicKey"`
	ProviderAccount    string `toml:"ProviderAccount"`
	ProviderPermission string `toml:"ProviderPermission"`
	SystemAccount      string `toml:"SystemAccount"`
	DelegationAction   string `toml:"DelegationAction"`

	ChannelTTL             Duration `toml:"ChannelTTL"`
	CacheCleanupInterval   Duration `toml:"CacheCleanupInterval"`
	ProposalReaperInterval Duration `toml:"ProposalReaperInterval"`
	ExternalCallTimeout    Duration `toml:"ExternalCallTimeout"`

	RegistrationEnabled bool   `toml:"RegistrationEnabled"`
	RegistrationURL     string `toml:"RegistrationURL"`
	ContentURL          string `toml:"ContentURL"`

	AllowedContracts []string `toml:"AllowedContracts"`
	ProposalMethods  []string `toml:"ProposalMethods"`

	RPCAuthToken string  `toml:"RPCAuthToken"`
	RateLimit    float64 `toml:"RateLimit"`
	RateBurst    int     `toml:"RateBurst"`
}

// Load reads the TOML file when present, applies BW_* environment overrides,
// and validates the result. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:          ":8090",
		ProviderPermission:     "providebw",
		SystemAccount:          "cyber",
		DelegationAction:       "providebw",
		ChannelTTL:             Duration(time.Hour),
		CacheCleanupInterval:   Duration(time.Hour),
		ProposalReaperInterval: Duration(2 * time.Minute),
		ExternalCallTimeout:    Duration(15 * time.Second),
		RateBurst:              10,
	}
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("BW_LISTEN_ADDRESS", &c.ListenAddress)
	setString("BW_ENVIRONMENT", &c.Environment)
	setString("BW_NODE_URL", &c.NodeURL)
	setString("BW_NODE_AUTH_TOKEN", &c.NodeAuthToken)
	setString("BW_DATABASE_DSN", &c.DatabaseDSN)
	setString("BW_PROVIDER_WIF", &c.ProviderWIF)
	setString("BW_PROVIDER_PUBLIC_KEY", &c.ProviderPublicKey)
	setString("BW_PROVIDER_ACCOUNT", &c.ProviderAccount)
	setString("BW_PROVIDER_PERMISSION", &c.ProviderPermission)
	setString("BW_SYSTEM_ACCOUNT", &c.SystemAccount)
	setString("BW_REGISTRATION_URL", &c.RegistrationURL)
	setString("BW_CONTENT_URL", &c.ContentURL)
	setString("BW_RPC_AUTH_TOKEN", &c.RPCAuthToken)

	if v := strings.TrimSpace(os.Getenv("BW_REGISTRATION_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse BW_REGISTRATION_ENABLED: %w", err)
		}
		c.RegistrationEnabled = enabled
	}
	for key, dst := range map[string]*Duration{
		"BW_CHANNEL_TTL":              &c.ChannelTTL,
		"BW_CACHE_CLEANUP_INTERVAL":   &c.CacheCleanupInterval,
		"BW_PROPOSAL_REAPER_INTERVAL": &c.ProposalReaperInterval,
		"BW_EXTERNAL_CALL_TIMEOUT":    &c.ExternalCallTimeout,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("BW_ALLOWED_CONTRACTS")); v != "" {
		c.AllowedContracts = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("BW_PROPOSAL_METHODS")); v != "" {
		c.ProposalMethods = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("BW_RATE_LIMIT")); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse BW_RATE_LIMIT: %w", err)
		}
		c.RateLimit = limit
	}
	return nil
}

// Validate enforces the settings the gateway cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ProviderWIF) == "" {
		return errors.New("provider signing key is required")
	}
	if strings.TrimSpace(c.ProviderAccount) == "" {
		return errors.New("provider account is required")
	}
	if strings.TrimSpace(c.NodeURL) == "" {
		return errors.New("node RPC URL is required")
	}
	if c.RegistrationEnabled && strings.TrimSpace(c.RegistrationURL) == "" {
		return errors.New("registration URL is required when registration is enforced")
	}
	if c.ChannelTTL <= 0 {
		return errors.New("channel TTL must be positive")
	}
	return nil
}

// ProposalMethodPairs splits "contract:method" entries.
func (c *Config) ProposalMethodPairs() ([][2]string, error) {
	pairs := make([][2]string, 0, len(c.ProposalMethods))
	for _, raw := range c.ProposalMethods {
		parts := strings.SplitN(raw, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed proposal method %q, want contract:method", raw)
		}
		pairs = append(pairs, [2]string{parts[0], parts[1]})
	}
	return pairs, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
