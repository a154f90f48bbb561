package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
)

// Load loads the protocol configuration from the given path. A missing file is
// created with the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}
	cfg.fillDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default renders cdp.DefaultParams as a configuration.
func Default() *Config {
	params := cdp.DefaultParams()
	return &Config{
		Protocol: Protocol{
			StablecoinSymbol:       params.StablecoinSymbol,
			EmissionSymbol:         params.EmissionSymbol,
			TreasuryFeeBps:         params.TreasuryFeeBps,
			MaxOrders:              params.MaxOrders,
			MaxCandidates:          params.MaxCandidates,
			MaxFillBatch:           params.MaxFillBatch,
			MaxClearLoans:          params.MaxClearLoans,
			MaxClearFillers:        params.MaxClearFillers,
			SettlementDelay:        params.SettlementDelay.String(),
			MinRedemptionAmount:    formatStable(params.MinRedemptionAmount),
			BootstrapUntil:         params.BootstrapUntil,
			MCRPercent:             params.MCRPercent,
			RecoveryMCRPercent:     params.RecoveryMCRPercent,
			RedemptionFillerBps:    params.RedemptionFillerBps,
			RedemptionClearerBps:   params.RedemptionClearerBps,
			LiquidationClearerBps:  params.LiquidationClearerBps,
			LiquidationClaimWindow: params.LiquidationClaimWindow.String(),
			TotalEmission:          formatStable(params.TotalEmission),
			EmissionFactor:         params.EmissionFactor,
		},
		Assets: append([]collateral.Asset(nil), params.Assets...),
	}
}

// fillDefaults copies default values into fields the file left empty.
func (c *Config) fillDefaults() {
	def := Default()
	p := &c.Protocol
	d := def.Protocol
	if strings.TrimSpace(p.StablecoinSymbol) == "" {
		p.StablecoinSymbol = d.StablecoinSymbol
	}
	if strings.TrimSpace(p.EmissionSymbol) == "" {
		p.EmissionSymbol = d.EmissionSymbol
	}
	if p.TreasuryFeeBps == 0 {
		p.TreasuryFeeBps = d.TreasuryFeeBps
	}
	if p.MaxOrders == 0 {
		p.MaxOrders = d.MaxOrders
	}
	if p.MaxCandidates == 0 {
		p.MaxCandidates = d.MaxCandidates
	}
	if p.MaxFillBatch == 0 {
		p.MaxFillBatch = d.MaxFillBatch
	}
	if p.MaxClearLoans == 0 {
		p.MaxClearLoans = d.MaxClearLoans
	}
	if p.MaxClearFillers == 0 {
		p.MaxClearFillers = d.MaxClearFillers
	}
	if p.SettlementDelay == "" {
		p.SettlementDelay = d.SettlementDelay
	}
	if p.MinRedemptionAmount == "" {
		p.MinRedemptionAmount = d.MinRedemptionAmount
	}
	if p.MCRPercent == 0 {
		p.MCRPercent = d.MCRPercent
	}
	if p.RecoveryMCRPercent == 0 {
		p.RecoveryMCRPercent = d.RecoveryMCRPercent
	}
	if p.LiquidationClaimWindow == "" {
		p.LiquidationClaimWindow = d.LiquidationClaimWindow
	}
	if p.TotalEmission == "" {
		p.TotalEmission = d.TotalEmission
	}
	if p.EmissionFactor == 0 {
		p.EmissionFactor = d.EmissionFactor
	}
	if len(c.Assets) == 0 {
		c.Assets = def.Assets
	}
}

// Params converts the file into engine parameters.
func (c *Config) Params() (cdp.Params, error) {
	params := cdp.DefaultParams()
	p := c.Protocol
	params.Assets = make([]collateral.Asset, len(c.Assets))
	for i, asset := range c.Assets {
		params.Assets[i] = collateral.Asset{Symbol: collateral.NormalizeSymbol(asset.Symbol), Decimals: asset.Decimals}
	}
	params.StablecoinSymbol = collateral.NormalizeSymbol(p.StablecoinSymbol)
	params.EmissionSymbol = collateral.NormalizeSymbol(p.EmissionSymbol)
	if strings.TrimSpace(p.Treasury) != "" {
		treasury, err := crypto.DecodeAddress(p.Treasury)
		if err != nil {
			return params, fmt.Errorf("protocol.Treasury: %w", err)
		}
		params.Treasury = treasury
	}
	params.TreasuryFeeBps = p.TreasuryFeeBps
	params.MaxOrders = p.MaxOrders
	params.MaxCandidates = p.MaxCandidates
	params.MaxFillBatch = p.MaxFillBatch
	params.MaxClearLoans = p.MaxClearLoans
	params.MaxClearFillers = p.MaxClearFillers

	var err error
	if params.SettlementDelay, err = time.ParseDuration(p.SettlementDelay); err != nil {
		return params, fmt.Errorf("protocol.SettlementDelay: %w", err)
	}
	if params.LiquidationClaimWindow, err = time.ParseDuration(p.LiquidationClaimWindow); err != nil {
		return params, fmt.Errorf("protocol.LiquidationClaimWindow: %w", err)
	}
	if params.MinRedemptionAmount, err = parseStable(p.MinRedemptionAmount); err != nil {
		return params, fmt.Errorf("protocol.MinRedemptionAmount: %w", err)
	}
	if params.TotalEmission, err = parseStable(p.TotalEmission); err != nil {
		return params, fmt.Errorf("protocol.TotalEmission: %w", err)
	}
	params.BootstrapUntil = p.BootstrapUntil
	params.MCRPercent = p.MCRPercent
	params.RecoveryMCRPercent = p.RecoveryMCRPercent
	params.RedemptionFillerBps = p.RedemptionFillerBps
	params.RedemptionClearerBps = p.RedemptionClearerBps
	params.LiquidationClearerBps = p.LiquidationClearerBps
	params.EmissionFactor = p.EmissionFactor
	return params, nil
}

// parseStable converts whole stablecoin units such as "2000" or "0.5" into
// base units.
func parseStable(value string) (uint64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative")
	}
	base := amount.Shift(collateral.StablecoinDecimals)
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimals", value, collateral.StablecoinDecimals)
	}
	if !base.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %s overflows", value)
	}
	return base.BigInt().Uint64(), nil
}

func formatStable(base uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), -collateral.StablecoinDecimals).String()
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
