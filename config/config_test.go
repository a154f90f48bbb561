package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"settlecore/crypto"
	nativecommon "settlecore/native/common"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "protocol.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.MinRedemptionAmount != 2_000_000_000 {
		t.Fatalf("unexpected min redemption %d", params.MinRedemptionAmount)
	}
	if params.SettlementDelay != 5*time.Second {
		t.Fatalf("unexpected delay %s", params.SettlementDelay)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Protocol.TotalEmission != "31000000" {
		t.Fatalf("unexpected emission %q", reloaded.Protocol.TotalEmission)
	}
}

func TestLoadParsesProtocol(t *testing.T) {
	treasury := crypto.ModuleAddress("ops/treasury")
	path := filepath.Join(t.TempDir(), "protocol.toml")
	contents := `[protocol]
StablecoinSymbol = "usdx"
Treasury = "` + treasury.String() + `"
MaxOrders = 4
SettlementDelay = "30s"
MinRedemptionAmount = "12.5"
LiquidationClaimWindow = "1m"

[[assets]]
symbol = "sol"
decimals = 9

[pauses]
Redemption = true

[quotas.redemption]
max_requests_per_epoch = 3
epoch_seconds = 600
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.StablecoinSymbol != "USDX" || len(params.Assets) != 1 || params.Assets[0].Symbol != "SOL" {
		t.Fatalf("unexpected symbols: %+v", params)
	}
	if !params.Treasury.Equal(treasury) {
		t.Fatalf("treasury not decoded: %s", params.Treasury)
	}
	if params.TreasuryFeeBps != 1_500 {
		t.Fatalf("treasury fee share not defaulted: %d", params.TreasuryFeeBps)
	}
	if params.MaxOrders != 4 || params.MaxCandidates != 32 {
		t.Fatalf("defaults not merged: %d %d", params.MaxOrders, params.MaxCandidates)
	}
	if params.MinRedemptionAmount != 12_500_000 {
		t.Fatalf("unexpected min redemption %d", params.MinRedemptionAmount)
	}
	if params.SettlementDelay != 30*time.Second || params.LiquidationClaimWindow != time.Minute {
		t.Fatalf("unexpected durations %s %s", params.SettlementDelay, params.LiquidationClaimWindow)
	}
	if nativecommon.Guard(cfg.Pauses.View(), nativecommon.ModuleRedemption) == nil {
		t.Fatalf("redemption pause not applied")
	}
	if cfg.Quotas.Redemption.MaxRequestsPerEpoch != 3 || cfg.Quotas.Redemption.EpochSeconds != 600 {
		t.Fatalf("unexpected quota %+v", cfg.Quotas.Redemption)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "[protocol]\nMaxOrderz = 3\n",
		"bad amount":     "[protocol]\nMinRedemptionAmount = \"1.0000001\"\n",
		"bad duration":   "[protocol]\nSettlementDelay = \"soon\"\n",
		"mcr below 100":  "[protocol]\nMCRPercent = 90\n",
		"long quota":     "[quotas.loans]\nepoch_seconds = 100000\n",
		"negative total": "[protocol]\nTotalEmission = \"-1\"\n",
		"treasury share": "[protocol]\nTreasuryFeeBps = 10001\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "protocol.toml")
			if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseStable(t *testing.T) {
	got, err := parseStable(" 2000 ")
	if err != nil || got != 2_000_000_000 {
		t.Fatalf("parse: %d %v", got, err)
	}
	if _, err := parseStable("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
	if s := formatStable(1_500_000); !strings.EqualFold(s, "1.5") {
		t.Fatalf("unexpected format %q", s)
	}
}
