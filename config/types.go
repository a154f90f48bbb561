package config

import (
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
)

// Protocol mirrors cdp.Params in a form operators can edit. Amounts are whole
// stablecoin units written as decimal strings and durations use Go syntax.
type Protocol struct {
	StablecoinSymbol string `toml:"StablecoinSymbol"`
	EmissionSymbol   string `toml:"EmissionSymbol"`
	Treasury         string `toml:"Treasury"`
	TreasuryFeeBps   uint64 `toml:"TreasuryFeeBps"`

	MaxOrders       int `toml:"MaxOrders"`
	MaxCandidates   int `toml:"MaxCandidates"`
	MaxFillBatch    int `toml:"MaxFillBatch"`
	MaxClearLoans   int `toml:"MaxClearLoans"`
	MaxClearFillers int `toml:"MaxClearFillers"`

	SettlementDelay     string `toml:"SettlementDelay"`
	MinRedemptionAmount string `toml:"MinRedemptionAmount"`
	BootstrapUntil      uint64 `toml:"BootstrapUntil"`

	MCRPercent           uint64 `toml:"MCRPercent"`
	RecoveryMCRPercent   uint64 `toml:"RecoveryMCRPercent"`
	RedemptionFillerBps  uint64 `toml:"RedemptionFillerBps"`
	RedemptionClearerBps uint64 `toml:"RedemptionClearerBps"`

	LiquidationClearerBps  uint64 `toml:"LiquidationClearerBps"`
	LiquidationClaimWindow string `toml:"LiquidationClaimWindow"`

	TotalEmission  string `toml:"TotalEmission"`
	EmissionFactor uint64 `toml:"EmissionFactor"`
}

// Pauses switches whole modules off.
type Pauses struct {
	Loans      bool `toml:"Loans"`
	Redemption bool `toml:"Redemption"`
	Stability  bool `toml:"Stability"`
	Staking    bool `toml:"Staking"`
}

// View exposes the switches to the engine pause guard.
func (p Pauses) View() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{
		nativecommon.ModuleLoans:      p.Loans,
		nativecommon.ModuleRedemption: p.Redemption,
		nativecommon.ModuleStability:  p.Stability,
		nativecommon.ModuleStaking:    p.Staking,
	}
}

// Quotas groups per-caller quotas for each module.
type Quotas struct {
	Loans      nativecommon.Quota `toml:"loans"`
	Redemption nativecommon.Quota `toml:"redemption"`
	Stability  nativecommon.Quota `toml:"stability"`
	Staking    nativecommon.Quota `toml:"staking"`
}

// Config is the protocol configuration file.
type Config struct {
	Protocol Protocol           `toml:"protocol"`
	Assets   []collateral.Asset `toml:"assets"`
	Pauses   Pauses             `toml:"pauses"`
	Quotas   Quotas             `toml:"quotas"`
}
