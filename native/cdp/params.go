package cdp

import (
	"errors"
	"fmt"
	"time"

	"settlecore/crypto"
	"settlecore/native/collateral"
)

// Params groups the governance controlled settlement parameters.
type Params struct {
	// Assets lists the collateral tokens in ledger column order.
	Assets           []collateral.Asset
	StablecoinSymbol string
	// EmissionSymbol names the token streamed to stability depositors.
	EmissionSymbol string
	// Treasury receives borrowing fees and may sweep the redemption stakers share.
	Treasury crypto.Address
	// TreasuryFeeBps is the treasury cut of borrowing fees while anyone is
	// staked. The rest goes to stakers.
	TreasuryFeeBps uint64

	MaxOrders       int
	MaxCandidates   int
	MaxFillBatch    int
	MaxClearLoans   int
	MaxClearFillers int

	SettlementDelay     time.Duration
	MinRedemptionAmount uint64
	// BootstrapUntil disables redemptions before this unix second.
	BootstrapUntil uint64

	MCRPercent           uint64
	RecoveryMCRPercent   uint64
	RedemptionFillerBps  uint64
	RedemptionClearerBps uint64

	LiquidationClearerBps  uint64
	LiquidationClaimWindow time.Duration

	// TotalEmission is issued to the pool on a curve halving every year.
	TotalEmission uint64
	// EmissionFactor is the per-minute retention factor in 1e18 units.
	EmissionFactor uint64
}

// DefaultParams mirrors the production deployment.
func DefaultParams() Params {
	return Params{
		Assets: []collateral.Asset{
			{Symbol: "SOL", Decimals: 9},
			{Symbol: "ETH", Decimals: 8},
			{Symbol: "BTC", Decimals: 6},
		},
		StablecoinSymbol:       "USDS",
		EmissionSymbol:         "STL",
		Treasury:               crypto.ModuleAddress("cdp/treasury"),
		TreasuryFeeBps:         1_500,
		MaxOrders:              15,
		MaxCandidates:          32,
		MaxFillBatch:           3,
		MaxClearLoans:          5,
		MaxClearFillers:        1,
		SettlementDelay:        5 * time.Second,
		MinRedemptionAmount:    2_000 * collateral.StablecoinFactor,
		MCRPercent:             110,
		RecoveryMCRPercent:     150,
		RedemptionFillerBps:    5,
		RedemptionClearerBps:   5,
		LiquidationClearerBps:  50,
		LiquidationClaimWindow: 5 * time.Second,
		TotalEmission:          31_000_000 * collateral.StablecoinFactor,
		EmissionFactor:         999_998_681_227_695_000,
	}
}

// Validate rejects parameter sets the engine cannot operate under.
func (p Params) Validate() error {
	if len(p.Assets) == 0 || len(p.Assets) > collateral.MaxAssets {
		return fmt.Errorf("cdp params: between 1 and %d assets required", collateral.MaxAssets)
	}
	seen := make(map[string]struct{}, len(p.Assets)+2)
	for _, asset := range p.Assets {
		symbol := collateral.NormalizeSymbol(asset.Symbol)
		if symbol == "" {
			return errors.New("cdp params: asset symbol required")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("cdp params: duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
	}
	for _, symbol := range []string{p.StablecoinSymbol, p.EmissionSymbol} {
		symbol = collateral.NormalizeSymbol(symbol)
		if symbol == "" {
			return errors.New("cdp params: stablecoin and emission symbols required")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("cdp params: symbol %s reused", symbol)
		}
		seen[symbol] = struct{}{}
	}
	switch {
	case p.Treasury.IsZero():
		return errors.New("cdp params: treasury address required")
	case p.MaxOrders <= 0:
		return errors.New("cdp params: max orders must be positive")
	case p.MaxCandidates <= 0:
		return errors.New("cdp params: max candidates must be positive")
	case p.MaxFillBatch <= 0 || p.MaxClearLoans <= 0 || p.MaxClearFillers <= 0:
		return errors.New("cdp params: batch bounds must be positive")
	case p.SettlementDelay < 0 || p.LiquidationClaimWindow < 0:
		return errors.New("cdp params: delays must not be negative")
	case p.MCRPercent < 100 || p.RecoveryMCRPercent < p.MCRPercent:
		return errors.New("cdp params: recovery mcr must be at least mcr, mcr at least 100%")
	case p.RedemptionFillerBps+p.RedemptionClearerBps > 50:
		return errors.New("cdp params: filler and clearer shares exceed the redemption fee floor")
	case p.TreasuryFeeBps > collateral.BasisPoints:
		return errors.New("cdp params: treasury fee share exceeds 100%")
	case p.LiquidationClearerBps > collateral.BasisPoints:
		return errors.New("cdp params: liquidation clearer share exceeds 100%")
	case p.EmissionFactor >= collateral.Wad:
		return errors.New("cdp params: emission factor must be below one")
	}
	return nil
}

func (p Params) width() int { return len(p.Assets) }

// emissionColumn is the ledger column of the emission token.
func (p Params) emissionColumn() int { return len(p.Assets) }

// stablecoinColumn is the staking reward column of the stablecoin.
func (p Params) stablecoinColumn() int { return len(p.Assets) }

func (p Params) assetIndex(symbol string) (int, error) {
	idx := collateral.IndexOf(p.Assets, symbol)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return idx, nil
}

func (p Params) mcr() uint64         { return collateral.PercentRatio(p.MCRPercent) }
func (p Params) recoveryMCR() uint64 { return collateral.PercentRatio(p.RecoveryMCRPercent) }
func (p Params) allAssetsMask() uint64 {
	return uint64(1)<<uint(len(p.Assets)) - 1
}
