// Package fees tracks the protocol base rate that prices borrowing and
// redemption. Redemptions push the rate up in proportion to the share of supply
// redeemed; it then decays with a twelve hour half-life.
package fees

import (
	"errors"

	"github.com/holiman/uint256"

	"settlecore/native/collateral"
)

const (
	BorrowingFeeFloorBps  uint64 = 50
	MaxBorrowingFeeBps    uint64 = 500
	RedemptionFeeFloorBps uint64 = 50
	MaxRedemptionFeeBps   uint64 = 10_000

	secondsPerMinute = 60
	// MinuteDecayFactor is 0.5^(1/720) in 1e18 units.
	MinuteDecayFactor uint64 = 999_037_758_833_783_000
	bpsToWad          uint64 = collateral.Wad / collateral.BasisPoints
)

var ErrZeroAmount = errors.New("fees: redeemed amount and supply must be positive")

// BaseRate is the persisted base rate. Rate is a 1e18 fraction where 1e18 is
// 100%. LastEvent is a unix timestamp in seconds and only moves in whole
// minutes, so sub-minute remainders carry over to the next refresh.
type BaseRate struct {
	Rate      *uint256.Int
	LastEvent uint64
}

// FromBps converts basis points to a 1e18 rate.
func FromBps(bps uint64) *uint256.Int {
	return new(uint256.Int).Mul(collateral.U(bps), collateral.U(bpsToWad))
}

// Bps rounds the rate down to whole basis points.
func (r BaseRate) Bps() uint64 {
	rate := collateral.Or(r.Rate)
	return new(uint256.Int).Div(rate, collateral.U(bpsToWad)).Uint64()
}

// Decay applies minutes of decay to a 1e18 rate.
func Decay(rate *uint256.Int, minutes uint64) (*uint256.Int, error) {
	rate = collateral.Or(rate)
	if rate.IsZero() || minutes == 0 {
		return collateral.Clone(rate), nil
	}
	factor, err := collateral.WadPow(collateral.U(MinuteDecayFactor), minutes)
	if err != nil {
		return nil, err
	}
	return collateral.MulDiv(rate, factor, collateral.U(collateral.Wad))
}

// Increase adds half the redeemed fraction of supply to rate, capped at 100%.
func Increase(rate, supply, redeemed *uint256.Int) (*uint256.Int, error) {
	supply, redeemed = collateral.Or(supply), collateral.Or(redeemed)
	if supply.IsZero() || redeemed.IsZero() {
		return nil, ErrZeroAmount
	}
	fraction := collateral.U(collateral.Wad)
	if redeemed.Cmp(supply) < 0 {
		var err error
		fraction, err = collateral.MulDiv(redeemed, collateral.U(collateral.Wad), supply)
		if err != nil {
			return nil, err
		}
	}
	change := new(uint256.Int).Rsh(fraction, 1)
	next, err := collateral.Add(collateral.Or(rate), change)
	if err != nil {
		return nil, err
	}
	return collateral.Min(next, collateral.U(collateral.Wad)), nil
}

// Refresh decays the rate over the whole minutes elapsed since LastEvent.
// Timestamps never move backwards.
func (r *BaseRate) Refresh(now uint64) error {
	r.Rate = collateral.Or(r.Rate)
	if now <= r.LastEvent {
		return nil
	}
	minutes := (now - r.LastEvent) / secondsPerMinute
	if minutes == 0 {
		return nil
	}
	decayed, err := Decay(r.Rate, minutes)
	if err != nil {
		return err
	}
	r.Rate = decayed
	r.LastEvent += minutes * secondsPerMinute
	return nil
}

// RefreshRedemption decays the rate and then applies a redemption of redeemed
// out of supply.
func (r *BaseRate) RefreshRedemption(now uint64, supply, redeemed *uint256.Int) error {
	next := *r
	if err := next.Refresh(now); err != nil {
		return err
	}
	rate, err := Increase(next.Rate, supply, redeemed)
	if err != nil {
		return err
	}
	next.Rate = rate
	*r = next
	return nil
}

func (r BaseRate) Clone() BaseRate {
	return BaseRate{Rate: collateral.Clone(r.Rate), LastEvent: r.LastEvent}
}

// RedemptionFeeBps is the floor plus the base rate, between 0.5% and 100%.
func RedemptionFeeBps(base uint64) uint64 {
	return min(RedemptionFeeFloorBps+base, MaxRedemptionFeeBps)
}

// BorrowingFeeBps is the floor plus the base rate, between 0.5% and 5%.
func BorrowingFeeBps(base uint64) uint64 {
	return min(BorrowingFeeFloorBps+base, MaxBorrowingFeeBps)
}

// BorrowingFee rounds up in favour of the protocol.
func BorrowingFee(amount *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	return collateral.MulDivUp(amount, collateral.U(feeBps), collateral.U(collateral.BasisPoints))
}
