package cdp

import (
	"errors"

	"github.com/holiman/uint256"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
	"settlecore/native/staking"
)

// StakeResult describes a stake or unstake. Rewards holds the reward paid out
// on the way; columns follow the assets with the stablecoin last.
type StakeResult struct {
	Change  *uint256.Int
	Stake   *uint256.Int
	Rewards collateral.Amounts
}

// Stake locks amount of the emission token in the staking pool.
func (e *Engine) Stake(owner crypto.Address, amount *uint256.Int) (StakeResult, error) {
	if owner.IsZero() {
		return StakeResult{}, ErrUnauthorized
	}
	if collateral.Or(amount).IsZero() {
		return StakeResult{}, ErrInvalidAmount
	}
	var res StakeResult
	err := e.update(nativecommon.ModuleStaking, func(s *session) error {
		pool, err := s.loadStaking()
		if err != nil {
			return err
		}
		st, err := s.staker(owner)
		if err != nil {
			return err
		}
		if err := s.transfer(owner, s.e.stakingAccount, s.params.EmissionSymbol, amount); err != nil {
			return err
		}
		if err := pool.Stake(&st.Position, amount); err != nil {
			return err
		}
		res = StakeResult{
			Change:  collateral.Clone(amount),
			Stake:   collateral.Clone(st.Position.Stake),
			Rewards: collateral.NewAmounts(s.params.width() + 1),
		}
		s.emitStake(owner, "stake", res, pool)
		return nil
	})
	if err != nil {
		return StakeResult{}, err
	}
	return res, nil
}

// Unstake returns up to amount of the owner's stake together with everything
// it earned. A nil or zero amount unstakes the whole position.
func (e *Engine) Unstake(owner crypto.Address, amount *uint256.Int) (StakeResult, error) {
	var res StakeResult
	err := e.update(nativecommon.ModuleStaking, func(s *session) error {
		pool, err := s.loadStaking()
		if err != nil {
			return err
		}
		st, err := s.staker(owner)
		if err != nil {
			return err
		}
		withdrawn, reward, err := pool.Unstake(&st.Position, amount)
		if err != nil {
			return err
		}
		if err := s.transfer(s.e.stakingAccount, owner, s.params.EmissionSymbol, withdrawn); err != nil {
			return err
		}
		if err := s.payStakingReward(owner, reward); err != nil {
			return err
		}
		res = StakeResult{
			Change:  withdrawn,
			Stake:   collateral.Clone(st.Position.Stake),
			Rewards: reward,
		}
		s.emitStake(owner, "unstake", res, pool)
		return nil
	})
	if err != nil {
		return StakeResult{}, err
	}
	return res, nil
}

// HarvestStakingReward pays out the owner's share of fees collected since
// their last settlement. Collateral rewards land on the owner's inactive
// balance; the stablecoin reward is transferred directly.
func (e *Engine) HarvestStakingReward(owner crypto.Address) (collateral.Amounts, error) {
	var reward collateral.Amounts
	err := e.update(nativecommon.ModuleStaking, func(s *session) error {
		pool, err := s.loadStaking()
		if err != nil {
			return err
		}
		st, err := s.staker(owner)
		if err != nil {
			return err
		}
		if reward, err = pool.Harvest(&st.Position); err != nil {
			return err
		}
		if err := s.payStakingReward(owner, reward); err != nil {
			return err
		}
		s.emit(events.StakingHarvested{Owner: owner, Rewards: reward.Clone()})
		return nil
	})
	return reward, err
}

func (s *session) payStakingReward(owner crypto.Address, reward collateral.Amounts) error {
	w := s.params.width()
	if err := s.creditInactive(owner, reward.Normalize(w)); err != nil {
		return err
	}
	return s.transfer(s.e.stakingAccount, owner, s.params.StablecoinSymbol, reward.At(s.params.stablecoinColumn()))
}

// payBorrowingFee mints the treasury cut of a borrowing fee and distributes the
// rest to stakers. With nobody staked the treasury takes it all.
func (s *session) payBorrowingFee(fee *uint256.Int) error {
	fee = collateral.Or(fee)
	if fee.IsZero() {
		return nil
	}
	pool, err := s.loadStaking()
	if err != nil {
		return err
	}
	if !pool.HasStake() {
		return s.mint(s.params.Treasury, s.params.StablecoinSymbol, fee)
	}
	treasury, err := collateral.MulBps(fee, s.params.TreasuryFeeBps)
	if err != nil {
		return err
	}
	stakers, err := collateral.Sub(fee, treasury)
	if err != nil {
		return err
	}
	if err := s.mint(s.params.Treasury, s.params.StablecoinSymbol, treasury); err != nil {
		return err
	}
	if stakers.IsZero() {
		return nil
	}
	funded := collateral.Single(s.params.width()+1, s.params.stablecoinColumn(), stakers)
	if err := pool.Distribute(funded); err != nil {
		return err
	}
	if err := s.mint(s.e.stakingAccount, s.params.StablecoinSymbol, stakers); err != nil {
		return err
	}
	s.emit(events.StakingFunded{Source: "borrow", Fees: funded})
	return nil
}

// shareRedemptionFee hands the stakers share of redeemed collateral to the
// staking pool. With nobody staked it accrues on the system record for the
// treasury to sweep. The collateral itself stays in custody until withdrawn.
func (s *session) shareRedemptionFee(sys *System, share collateral.Amounts) error {
	if share.IsZero() {
		return nil
	}
	pool, err := s.loadStaking()
	if err != nil {
		return err
	}
	funded := share.Normalize(s.params.width() + 1)
	switch err := pool.Distribute(funded); {
	case errors.Is(err, staking.ErrNoStake):
		sys.StakingFees, err = sys.StakingFees.Add(share)
		return err
	case err != nil:
		return err
	}
	s.emit(events.StakingFunded{Source: "redemption", Fees: funded})
	return nil
}

func (s *session) emitStake(owner crypto.Address, action string, res StakeResult, pool *staking.Pool) {
	s.emit(events.StakeUpdated{
		Owner:   owner,
		Action:  action,
		Change:  collateral.Clone(res.Change),
		Stake:   collateral.Clone(res.Stake),
		Total:   collateral.Clone(pool.TotalStake),
		Rewards: res.Rewards.Clone(),
	})
}
