package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bwgateway.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
NodeURL = "http://localhost:8888"
ProviderWIF = "5KQwrPbwdL6PhXujxW37FSSQZ1JiwsST4cqQzDeyXtP79zkvFD3"
ProviderPublicKey = "GLS6pub"
ProviderAccount = "gls"
`

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig+`
ChannelTTL = "30m"
AllowedContracts = ["cyber", "gls.publish"]
ProposalMethods = ["cyber.token:transfer"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8090" {
		t.Fatalf("default listen address lost: %s", cfg.ListenAddress)
	}
	if cfg.SystemAccount != "cyber" || cfg.DelegationAction != "providebw" {
		t.Fatalf("delegation defaults lost: %s %s", cfg.SystemAccount, cfg.DelegationAction)
	}
	if cfg.ChannelTTL.Std() != 30*time.Minute {
		t.Fatalf("duration not parsed: %v", cfg.ChannelTTL.Std())
	}
	if cfg.ProposalReaperInterval.Std() != 2*time.Minute {
		t.Fatalf("reaper default lost: %v", cfg.ProposalReaperInterval.Std())
	}
	if len(cfg.AllowedContracts) != 2 {
		t.Fatalf("allowed contracts %v", cfg.AllowedContracts)
	}

	pairs, err := cfg.ProposalMethodPairs()
	if err != nil {
		t.Fatalf("method pairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0] != [2]string{"cyber.token", "transfer"} {
		t.Fatalf("method pairs %v", pairs)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("BW_NODE_URL", "http://localhost:8888")
	t.Setenv("BW_PROVIDER_WIF", "5KQwr")
	t.Setenv("BW_PROVIDER_ACCOUNT", "gls")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeURL != "http://localhost:8888" {
		t.Fatalf("env override lost: %s", cfg.NodeURL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	t.Setenv("BW_NODE_URL", "http://override:8888")
	t.Setenv("BW_CHANNEL_TTL", "45m")
	t.Setenv("BW_PROPOSAL_METHODS", "cyber.token:transfer, gls.vesting:delegate")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeURL != "http://override:8888" {
		t.Fatalf("env did not win: %s", cfg.NodeURL)
	}
	if cfg.ChannelTTL.Std() != 45*time.Minute {
		t.Fatalf("env duration lost: %v", cfg.ChannelTTL.Std())
	}
	if len(cfg.ProposalMethods) != 2 {
		t.Fatalf("env list %v", cfg.ProposalMethods)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.ProviderWIF = "" }},
		{"missing account", func(c *Config) { c.ProviderAccount = "" }},
		{"missing node", func(c *Config) { c.NodeURL = "" }},
		{"registration without url", func(c *Config) { c.RegistrationEnabled = true; c.RegistrationURL = "" }},
		{"zero ttl", func(c *Config) { c.ChannelTTL = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.NodeURL = "http://localhost:8888"
			cfg.ProviderWIF = "5KQwr"
			cfg.ProviderAccount = "gls"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}
}

func TestProposalMethodPairsRejectsMalformed(t *testing.T) {
	cfg := defaults()
	cfg.ProposalMethods = []string{"no-colon"}
	if _, err := cfg.ProposalMethodPairs(); err == nil {
		t.Fatalf("malformed pair accepted")
	}
	cfg.ProposalMethods = []string{":transfer"}
	if _, err := cfg.ProposalMethodPairs(); err == nil {
		t.Fatalf("empty contract accepted")
	}
}
