// Package staking shares protocol fees among holders of the emission token in
// proportion to their stake.
//
// Each reward column keeps a running reward per staked unit scaled by ONE. A
// position records a tally of stake × reward-per-token at its last settlement,
// so its pending reward is stake × rewardPerToken − tally. Rounding remainders
// are carried into the next distribution.
package staking

import (
	"errors"

	"github.com/holiman/uint256"

	"settlecore/native/collateral"
)

var (
	ErrZeroAmount    = errors.New("staking: amount must be positive")
	ErrNothingStaked = errors.New("staking: nothing staked")
	ErrNoReward      = errors.New("staking: no reward to harvest")
	ErrNoStake       = errors.New("staking: pool has no stake")
	ErrWidth         = errors.New("staking: reward vector width mismatch")
)

// Pool is the global staking state.
type Pool struct {
	Width          uint64
	TotalStake     *uint256.Int
	Stakers        uint64
	RewardPerToken collateral.Amounts
	RewardLoss     collateral.Amounts
	Unclaimed      collateral.Amounts
	Distributed    collateral.Amounts
}

// Position is one holder's stake.
type Position struct {
	Stake *uint256.Int
	Tally collateral.Amounts
}

func New(width int) *Pool {
	p := &Pool{Width: uint64(width)}
	p.Ensure(width)
	return p
}

// Ensure prepares a decoded or zero-value pool and widens it when columns were
// added.
func (p *Pool) Ensure(width int) {
	if uint64(width) > p.Width {
		p.Width = uint64(width)
	}
	w := int(p.Width)
	p.TotalStake = collateral.Or(p.TotalStake)
	p.RewardPerToken = p.RewardPerToken.Normalize(w)
	p.RewardLoss = p.RewardLoss.Normalize(w)
	p.Unclaimed = p.Unclaimed.Normalize(w)
	p.Distributed = p.Distributed.Normalize(w)
}

func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	return &Pool{
		Width:          p.Width,
		TotalStake:     collateral.Clone(p.TotalStake),
		Stakers:        p.Stakers,
		RewardPerToken: p.RewardPerToken.Clone(),
		RewardLoss:     p.RewardLoss.Clone(),
		Unclaimed:      p.Unclaimed.Clone(),
		Distributed:    p.Distributed.Clone(),
	}
}

// HasStake reports whether a distribution would reach anyone.
func (p *Pool) HasStake() bool { return !collateral.Or(p.TotalStake).IsZero() }

func (pos *Position) ensure(width int) {
	pos.Stake = collateral.Or(pos.Stake)
	pos.Tally = pos.Tally.Normalize(width)
}

func (pos Position) Clone() Position {
	return Position{Stake: collateral.Clone(pos.Stake), Tally: pos.Tally.Clone()}
}

// Distribute credits fees to every staked unit. It fails with ErrNoStake when
// nobody is staked; the caller decides where those fees go instead.
func (p *Pool) Distribute(fees collateral.Amounts) error {
	if uint64(len(fees)) > p.Width {
		return ErrWidth
	}
	p.Ensure(int(p.Width))
	if fees.IsZero() {
		return nil
	}
	if !p.HasStake() {
		return ErrNoStake
	}
	w := int(p.Width)
	fees = fees.Normalize(w)
	perToken, loss := collateral.NewAmounts(w), collateral.NewAmounts(w)
	for i := 0; i < w; i++ {
		scaled, err := collateral.Mul(fees.At(i), collateral.One())
		if err != nil {
			return err
		}
		if scaled, err = collateral.Add(scaled, p.RewardLoss.At(i)); err != nil {
			return err
		}
		unit := new(uint256.Int).Div(scaled, p.TotalStake)
		credited, err := collateral.Mul(unit, p.TotalStake)
		if err != nil {
			return err
		}
		perToken[i] = unit
		loss[i] = new(uint256.Int).Sub(scaled, credited)
	}
	rpt, err := p.RewardPerToken.Add(perToken)
	if err != nil {
		return err
	}
	unclaimed, err := p.Unclaimed.Add(fees)
	if err != nil {
		return err
	}
	distributed, err := p.Distributed.Add(fees)
	if err != nil {
		return err
	}
	p.RewardPerToken, p.RewardLoss, p.Unclaimed, p.Distributed = rpt, loss, unclaimed, distributed
	return nil
}

// Pending returns the reward pos has earned since it was last settled.
func (p *Pool) Pending(pos *Position) (collateral.Amounts, error) {
	w := int(p.Width)
	p.Ensure(w)
	pos.ensure(w)
	out := collateral.NewAmounts(w)
	for i := 0; i < w; i++ {
		earned, err := collateral.Mul(pos.Stake, p.RewardPerToken.At(i))
		if err != nil {
			return nil, err
		}
		owed, err := collateral.Sub(earned, pos.Tally.At(i))
		if err != nil {
			return nil, err
		}
		out[i] = new(uint256.Int).Div(owed, collateral.One())
	}
	return out, nil
}

// settle pays out everything pending and resets the tally to the current
// reward per token.
func (p *Pool) settle(pos *Position) (collateral.Amounts, error) {
	reward, err := p.Pending(pos)
	if err != nil {
		return nil, err
	}
	tally, err := p.RewardPerToken.MulDiv(pos.Stake, collateral.U(1))
	if err != nil {
		return nil, err
	}
	unclaimed, err := p.Unclaimed.Sub(reward)
	if err != nil {
		return nil, err
	}
	pos.Tally, p.Unclaimed = tally, unclaimed
	return reward, nil
}

// Stake adds amount to pos. Rewards already earned stay pending.
func (p *Pool) Stake(pos *Position, amount *uint256.Int) error {
	amount = collateral.Or(amount)
	if amount.IsZero() {
		return ErrZeroAmount
	}
	w := int(p.Width)
	p.Ensure(w)
	pos.ensure(w)
	added, err := p.RewardPerToken.MulDiv(amount, collateral.U(1))
	if err != nil {
		return err
	}
	tally, err := pos.Tally.Add(added)
	if err != nil {
		return err
	}
	stake, err := collateral.Add(pos.Stake, amount)
	if err != nil {
		return err
	}
	total, err := collateral.Add(p.TotalStake, amount)
	if err != nil {
		return err
	}
	if pos.Stake.IsZero() {
		p.Stakers++
	}
	pos.Stake, pos.Tally, p.TotalStake = stake, tally, total
	return nil
}

// Harvest pays out the pending reward of pos.
func (p *Pool) Harvest(pos *Position) (collateral.Amounts, error) {
	pos.ensure(int(p.Width))
	if pos.Stake.IsZero() {
		return nil, ErrNothingStaked
	}
	pending, err := p.Pending(pos)
	if err != nil {
		return nil, err
	}
	if pending.IsZero() {
		return nil, ErrNoReward
	}
	return p.settle(pos)
}

// Unstake withdraws up to amount from pos and pays out its pending reward.
// A nil or zero amount withdraws the whole stake.
func (p *Pool) Unstake(pos *Position, amount *uint256.Int) (*uint256.Int, collateral.Amounts, error) {
	pos.ensure(int(p.Width))
	if pos.Stake.IsZero() {
		return nil, nil, ErrNothingStaked
	}
	withdrawn := collateral.Or(amount)
	if withdrawn.IsZero() || withdrawn.Gt(pos.Stake) {
		withdrawn = collateral.Clone(pos.Stake)
	}
	reward, err := p.settle(pos)
	if err != nil {
		return nil, nil, err
	}
	removed, err := p.RewardPerToken.MulDiv(withdrawn, collateral.U(1))
	if err != nil {
		return nil, nil, err
	}
	if pos.Tally, err = pos.Tally.Sub(removed); err != nil {
		return nil, nil, err
	}
	if pos.Stake, err = collateral.Sub(pos.Stake, withdrawn); err != nil {
		return nil, nil, err
	}
	if p.TotalStake, err = collateral.Sub(p.TotalStake, withdrawn); err != nil {
		return nil, nil, err
	}
	if pos.Stake.IsZero() && p.Stakers > 0 {
		p.Stakers--
	}
	return withdrawn, reward, nil
}
