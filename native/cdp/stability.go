package cdp

import (
	"github.com/holiman/uint256"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
)

// HarvestResult is what one harvest paid out.
type HarvestResult struct {
	Asset    string
	Amount   *uint256.Int
	Emission *uint256.Int
}

// issueEmissions distributes the emission token released since the pool
// started as a zero-loss gain on the emission column. Nothing is issued while
// the pool is empty; the backlog is released to the next depositors.
func (s *session) issueEmissions() error {
	pool, err := s.loadPool()
	if err != nil {
		return err
	}
	if pool.Deposits.IsZero() || s.params.TotalEmission == 0 {
		return nil
	}
	now := s.nowSeconds()
	if now <= pool.EmissionStart {
		return nil
	}
	minutes := (now - pool.EmissionStart) / 60
	factor, err := collateral.WadPow(collateral.U(s.params.EmissionFactor), minutes)
	if err != nil {
		return err
	}
	released, err := collateral.Sub(collateral.U(collateral.Wad), factor)
	if err != nil {
		return err
	}
	expected, err := collateral.MulDiv(collateral.U(s.params.TotalEmission), released, collateral.U(collateral.Wad))
	if err != nil {
		return err
	}
	if !expected.Gt(pool.EmissionIssued) {
		return nil
	}
	delta := new(uint256.Int).Sub(expected, pool.EmissionIssued)
	ledger, err := s.loadLedger()
	if err != nil {
		return err
	}
	col := s.params.emissionColumn()
	offset, err := ledger.Offset(pool.Deposits, nil, collateral.Single(col+1, col, delta))
	if err != nil {
		return err
	}
	issued := offset.Distributed.At(col)
	if issued.IsZero() {
		return nil
	}
	if pool.EmissionIssued, err = collateral.Add(pool.EmissionIssued, issued); err != nil {
		return err
	}
	if pool.CumulativeGains, err = pool.CumulativeGains.AddAt(col, issued); err != nil {
		return err
	}
	return s.mint(s.e.vaultAccount, s.params.EmissionSymbol, issued)
}

// settleProvider folds the gains earned since the provider's snapshot into
// PendingGains and compounds the deposit to the current ledger position.
func (s *session) settleProvider(p *Provider) error {
	ledger, err := s.loadLedger()
	if err != nil {
		return err
	}
	gains, err := ledger.PendingGains(p.Deposit, p.Snapshot)
	if err != nil {
		return err
	}
	if p.PendingGains, err = p.PendingGains.Add(gains); err != nil {
		return err
	}
	if p.CumulativeGains, err = p.CumulativeGains.Add(gains); err != nil {
		return err
	}
	compounded, err := ledger.Compounded(p.Deposit, p.Snapshot)
	if err != nil {
		return err
	}
	p.Deposit = compounded
	p.Snapshot = ledger.SnapshotFor(compounded)
	return nil
}

// Provide deposits stablecoin into the stability pool.
func (e *Engine) Provide(owner crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if collateral.Or(amount).IsZero() {
		return nil, ErrInvalidAmount
	}
	var deposit *uint256.Int
	err := e.update(nativecommon.ModuleStability, func(s *session) error {
		if owner.IsZero() {
			return ErrUnauthorized
		}
		if err := s.issueEmissions(); err != nil {
			return err
		}
		pool, err := s.loadPool()
		if err != nil {
			return err
		}
		p, err := s.provider(owner)
		if err != nil {
			return err
		}
		if err := s.settleProvider(p); err != nil {
			return err
		}
		if err := s.transfer(owner, s.e.stabilityAccount, s.params.StablecoinSymbol, amount); err != nil {
			return err
		}
		if p.Deposit, err = collateral.Add(p.Deposit, amount); err != nil {
			return err
		}
		if pool.Deposits, err = collateral.Add(pool.Deposits, amount); err != nil {
			return err
		}
		ledger, err := s.loadLedger()
		if err != nil {
			return err
		}
		p.Snapshot = ledger.SnapshotFor(p.Deposit)
		deposit = collateral.Clone(p.Deposit)
		s.emit(events.StabilityProvided{Owner: owner, Amount: collateral.Clone(amount), Deposit: collateral.Clone(deposit)})
		return nil
	})
	return deposit, err
}

// Withdraw returns up to amount of the provider's compounded deposit. It is
// refused while liquidation gains are waiting to be cleared.
func (e *Engine) Withdraw(owner crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if collateral.Or(amount).IsZero() {
		return nil, ErrInvalidAmount
	}
	var paid *uint256.Int
	err := e.update(nativecommon.ModuleStability, func(s *session) error {
		pool, err := s.loadPool()
		if err != nil {
			return err
		}
		if !pool.Cleared() {
			return ErrNotCleared
		}
		if err := s.issueEmissions(); err != nil {
			return err
		}
		p, err := s.provider(owner)
		if err != nil {
			return err
		}
		if err := s.settleProvider(p); err != nil {
			return err
		}
		paid = collateral.Min(collateral.Min(amount, p.Deposit), pool.Deposits)
		if paid.IsZero() {
			return ErrNoDeposit
		}
		if p.Deposit, err = collateral.Sub(p.Deposit, paid); err != nil {
			return err
		}
		if pool.Deposits, err = collateral.Sub(pool.Deposits, paid); err != nil {
			return err
		}
		if err := s.transfer(s.e.stabilityAccount, owner, s.params.StablecoinSymbol, paid); err != nil {
			return err
		}
		ledger, err := s.loadLedger()
		if err != nil {
			return err
		}
		p.Snapshot = ledger.SnapshotFor(p.Deposit)
		s.emit(events.StabilityWithdrawn{Owner: owner, Amount: collateral.Clone(paid), Deposit: collateral.Clone(p.Deposit)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// Harvest pays the provider's accumulated gain in one asset to their inactive
// balance together with any emission reward. It fails with ErrNotCleared until
// every staging bucket of the last liquidation has been cleared.
func (e *Engine) Harvest(owner crypto.Address, symbol string) (HarvestResult, error) {
	var res HarvestResult
	err := e.update(nativecommon.ModuleStability, func(s *session) error {
		idx, err := s.params.assetIndex(symbol)
		if err != nil {
			return err
		}
		pool, err := s.loadPool()
		if err != nil {
			return err
		}
		if !pool.Cleared() {
			return ErrNotCleared
		}
		p, err := s.tx.GetProvider(owner)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNoDeposit
		}
		if err := s.issueEmissions(); err != nil {
			return err
		}
		provider, err := s.provider(owner)
		if err != nil {
			return err
		}
		if err := s.settleProvider(provider); err != nil {
			return err
		}
		asset := s.params.Assets[idx].Symbol
		col := s.params.emissionColumn()
		res = HarvestResult{
			Asset:    asset,
			Amount:   provider.PendingGains.At(idx),
			Emission: provider.PendingGains.At(col),
		}
		if err := s.transfer(s.e.vaultAccount, s.e.collateralAccount, asset, res.Amount); err != nil {
			return err
		}
		if err := s.creditInactive(owner, collateral.Single(s.params.width(), idx, res.Amount)); err != nil {
			return err
		}
		if err := s.transfer(s.e.vaultAccount, owner, s.params.EmissionSymbol, res.Emission); err != nil {
			return err
		}
		provider.PendingGains[idx] = new(uint256.Int)
		provider.PendingGains[col] = new(uint256.Int)
		s.emit(events.StabilityHarvested{
			Owner:    owner,
			Asset:    asset,
			Amount:   collateral.Clone(res.Amount),
			Emission: collateral.Clone(res.Emission),
		})
		return nil
	})
	if err != nil {
		return HarvestResult{}, err
	}
	return res, nil
}

// WithdrawStakingFees sweeps the stakers share of redeemed collateral that
// accrued while nobody was staked to the treasury's inactive balance.
func (e *Engine) WithdrawStakingFees(caller crypto.Address) (collateral.Amounts, error) {
	var swept collateral.Amounts
	err := e.update(nativecommon.ModuleRedemption, func(s *session) error {
		if !caller.Equal(s.params.Treasury) {
			return ErrUnauthorized
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		if sys.StakingFees.IsZero() {
			return ErrNothingToClear
		}
		swept = sys.StakingFees.Clone()
		if err := s.creditInactive(caller, swept); err != nil {
			return err
		}
		sys.StakingFees = collateral.NewAmounts(s.params.width())
		return nil
	})
	return swept, err
}
