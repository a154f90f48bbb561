package cdp

import (
	"github.com/holiman/uint256"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
)

// LiquidationResult summarises one liquidation.
type LiquidationResult struct {
	Debt       *uint256.Int
	Collateral collateral.Amounts
	Reserve    collateral.Amounts
	NewEpoch   bool
	NewScale   bool
}

// Liquidate offsets an undercollateralised loan's debt against the stability
// pool and moves all of its collateral into the staging buckets. Depositors can
// harvest the gain only after every bucket has been cleared.
func (e *Engine) Liquidate(liquidator crypto.Address, loanID uint64, prices collateral.Prices) (LiquidationResult, error) {
	var res LiquidationResult
	err := e.update(nativecommon.ModuleStability, func(s *session) error {
		if err := prices.Validate(s.params.Assets); err != nil {
			return err
		}
		loan, err := s.loan(loanID)
		if err != nil {
			return err
		}
		if loan.Debt.IsZero() {
			return ErrNotLiquidatable
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		if sys.ActiveLoans <= 1 {
			return ErrLastLoan
		}
		threshold := s.params.mcr()
		tcr, err := collateral.CollateralRatio(sys.TotalCollateral, sys.TotalDebt, s.params.Assets, prices)
		if err != nil {
			return err
		}
		if tcr < s.params.recoveryMCR() {
			threshold = s.params.recoveryMCR()
		}
		ratio, err := collateral.CollateralRatio(loan.Collateral, loan.Debt, s.params.Assets, prices)
		if err != nil {
			return err
		}
		if ratio >= threshold {
			return ErrNotLiquidatable
		}

		if err := s.issueEmissions(); err != nil {
			return err
		}
		pool, err := s.loadPool()
		if err != nil {
			return err
		}
		if pool.Deposits.Lt(loan.Debt) {
			return ErrInsufficientPool
		}
		ledger, err := s.loadLedger()
		if err != nil {
			return err
		}
		seized := loan.Collateral.Clone()
		reserve, err := seized.MulBps(s.params.LiquidationClearerBps)
		if err != nil {
			return err
		}
		gains, err := seized.Sub(reserve)
		if err != nil {
			return err
		}
		offset, err := ledger.Offset(pool.Deposits, loan.Debt, gains.Normalize(s.params.width()+1))
		if err != nil {
			return err
		}
		pool.Deposits = offset.Remaining
		if err := s.burn(s.e.stabilityAccount, s.params.StablecoinSymbol, loan.Debt); err != nil {
			return err
		}
		for i, asset := range s.params.Assets {
			if err := s.transfer(s.e.collateralAccount, s.e.stagingAccount, asset.Symbol, seized.At(i)); err != nil {
				return err
			}
		}
		if pool.Staging, err = pool.Staging.Add(seized); err != nil {
			return err
		}
		if pool.Reserve, err = pool.Reserve.Add(reserve); err != nil {
			return err
		}
		if pool.Pending, err = pool.Pending.Add(offset.Distributed); err != nil {
			return err
		}
		if pool.CumulativeGains, err = pool.CumulativeGains.Add(offset.Distributed); err != nil {
			return err
		}
		pool.PendingMask = s.params.allAssetsMask()
		pool.LastLiquidator = liquidator
		pool.LastLiquidationAt = s.now
		pool.Liquidations++

		if sys.TotalDebt, err = collateral.Sub(sys.TotalDebt, loan.Debt); err != nil {
			return err
		}
		if sys.TotalCollateral, err = sys.TotalCollateral.Sub(seized); err != nil {
			return err
		}
		sys.ActiveLoans--

		res = LiquidationResult{
			Debt:       collateral.Clone(loan.Debt),
			Collateral: seized,
			Reserve:    reserve,
			NewEpoch:   offset.NewEpoch,
			NewScale:   offset.NewScale,
		}
		loan.Collateral = collateral.NewAmounts(s.params.width())
		loan.Debt = new(uint256.Int)
		loan.Status = LoanInactive

		s.emit(events.LoanLiquidated{
			LoanID:     loan.ID,
			Liquidator: liquidator,
			Debt:       collateral.Clone(res.Debt),
			Collateral: seized.Clone(),
			Reserve:    reserve.Clone(),
			Epoch:      ledger.Epoch,
			Scale:      ledger.Scale,
		})
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	return res, nil
}

// ClearLiquidationGains moves one staging bucket into the vault and pays its
// clearing reserve to the caller. Zero-valued buckets still have to be cleared.
// During the claim window only the last liquidator may clear.
func (e *Engine) ClearLiquidationGains(clearer crypto.Address, symbol string) (*uint256.Int, error) {
	var reward *uint256.Int
	err := e.update(nativecommon.ModuleStability, func(s *session) error {
		idx, err := s.params.assetIndex(symbol)
		if err != nil {
			return err
		}
		pool, err := s.loadPool()
		if err != nil {
			return err
		}
		bit := uint64(1) << uint(idx)
		if pool.PendingMask&bit == 0 {
			return ErrNothingToClear
		}
		window := uint64(s.params.LiquidationClaimWindow.Milliseconds())
		if s.now < pool.LastLiquidationAt+window && !clearer.Equal(pool.LastLiquidator) {
			return ErrUnauthorized
		}
		asset := s.params.Assets[idx].Symbol
		reward = pool.Reserve.At(idx)
		gain, err := collateral.Sub(pool.Staging.At(idx), reward)
		if err != nil {
			return err
		}
		if err := s.transfer(s.e.stagingAccount, s.e.vaultAccount, asset, gain); err != nil {
			return err
		}
		if err := s.transfer(s.e.stagingAccount, s.e.collateralAccount, asset, reward); err != nil {
			return err
		}
		if err := s.creditInactive(clearer, collateral.Single(s.params.width(), idx, reward)); err != nil {
			return err
		}
		pool.Staging[idx] = new(uint256.Int)
		pool.Reserve[idx] = new(uint256.Int)
		pool.Pending[idx] = new(uint256.Int)
		pool.PendingMask &^= bit
		s.emit(events.StabilityCleared{
			Asset:   asset,
			Clearer: clearer,
			Gain:    gain,
			Reward:  collateral.Clone(reward),
			Mask:    pool.PendingMask,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reward, nil
}
