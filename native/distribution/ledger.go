// Package distribution implements the epoch/scale/sum ledger that spreads
// stability-pool losses and gains over every depositor in O(1) per event.
//
// A depositor's stake compounds through the running product P. Each column of the
// running sum S accumulates per-unit gains weighted by P. When P would drop below
// the precision floor the ledger moves to the next scale; when the pool is fully
// depleted it starts a new epoch and every earlier deposit compounds to zero.
package distribution

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"settlecore/native/collateral"
)

var (
	ErrEmptyPool           = errors.New("distribution: pool has no deposits")
	ErrDebtExceedsDeposits = errors.New("distribution: debt exceeds pool deposits")
	ErrWidth               = errors.New("distribution: gain vector width mismatch")
	ErrCorrupt             = errors.New("distribution: missing sum for epoch/scale")
)

// Ledger is the global state of the distribution ledger. Sums is indexed by
// epoch, then scale, then column.
type Ledger struct {
	Width          uint64
	P              *uint256.Int
	Epoch          uint64
	Scale          uint64
	Sums           [][]collateral.Amounts
	LastLossError  *uint256.Int
	LastGainErrors collateral.Amounts
}

// Snapshot pins the ledger position a depositor's stake was last settled at.
type Snapshot struct {
	Sums    collateral.Amounts
	Product *uint256.Int
	Scale   uint64
	Epoch   uint64
	Enabled bool
}

// OffsetResult reports what an Offset call distributed.
type OffsetResult struct {
	// Distributed is the gain actually credited per column after carrying the
	// rounding error forward.
	Distributed collateral.Amounts
	// Decrease is the amount the pool's total deposits must shrink by.
	Decrease *uint256.Int
	// Remaining is the pool's total deposits after the offset.
	Remaining *uint256.Int
	// NewEpoch is set when the offset depleted the pool.
	NewEpoch bool
	// NewScale is set when the product crossed the precision floor.
	NewScale bool
}

// New returns a ledger at epoch 0, scale 0 with P = 1.
func New(width int) *Ledger {
	l := &Ledger{Width: uint64(width)}
	l.normalize()
	return l
}

func (l *Ledger) normalize() {
	w := int(l.Width)
	if l.P == nil {
		l.P = collateral.One()
	}
	if l.LastLossError == nil {
		l.LastLossError = new(uint256.Int)
	}
	l.LastGainErrors = l.LastGainErrors.Normalize(w)
	for uint64(len(l.Sums)) <= l.Epoch {
		l.Sums = append(l.Sums, nil)
	}
	for e := range l.Sums {
		for s := range l.Sums[e] {
			l.Sums[e][s] = l.Sums[e][s].Normalize(w)
		}
	}
	for uint64(len(l.Sums[l.Epoch])) <= l.Scale {
		l.Sums[l.Epoch] = append(l.Sums[l.Epoch], collateral.NewAmounts(w))
	}
}

// Ensure prepares a decoded or zero-value ledger for use and widens it when
// columns were added.
func (l *Ledger) Ensure(width int) {
	if uint64(width) > l.Width {
		l.Width = uint64(width)
	}
	l.normalize()
}

func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		Width:          l.Width,
		P:              collateral.Clone(l.P),
		Epoch:          l.Epoch,
		Scale:          l.Scale,
		LastLossError:  collateral.Clone(l.LastLossError),
		LastGainErrors: l.LastGainErrors.Clone(),
		Sums:           make([][]collateral.Amounts, len(l.Sums)),
	}
	for e := range l.Sums {
		out.Sums[e] = make([]collateral.Amounts, len(l.Sums[e]))
		for s := range l.Sums[e] {
			out.Sums[e][s] = l.Sums[e][s].Clone()
		}
	}
	return out
}

// SumAt returns the running sum recorded for (epoch, scale).
func (l *Ledger) SumAt(epoch, scale uint64) (collateral.Amounts, bool) {
	if epoch >= uint64(len(l.Sums)) || scale >= uint64(len(l.Sums[epoch])) {
		return nil, false
	}
	return l.Sums[epoch][scale].Clone(), true
}

// Current returns the snapshot a deposit made now would record.
func (l *Ledger) Current() Snapshot {
	sums, _ := l.SumAt(l.Epoch, l.Scale)
	return Snapshot{
		Sums:    sums,
		Product: collateral.Clone(l.P),
		Scale:   l.Scale,
		Epoch:   l.Epoch,
		Enabled: true,
	}
}

// SnapshotFor returns the snapshot for a deposit of the given size. Empty
// deposits get a disabled snapshot.
func (l *Ledger) SnapshotFor(deposit *uint256.Int) Snapshot {
	if collateral.Or(deposit).IsZero() {
		return Snapshot{}
	}
	return l.Current()
}

// Offset absorbs debt from a pool holding total deposits and credits gains per
// column. debt may be zero, which distributes gains without any loss.
func (l *Ledger) Offset(total, debt *uint256.Int, gains collateral.Amounts) (OffsetResult, error) {
	l.normalize()
	if l.P.IsZero() {
		return OffsetResult{}, fmt.Errorf("%w: product is zero at epoch %d scale %d", ErrCorrupt, l.Epoch, l.Scale)
	}
	total, debt = collateral.Or(total), collateral.Or(debt)
	if uint64(len(gains)) > l.Width {
		return OffsetResult{}, ErrWidth
	}
	gains = gains.Normalize(int(l.Width))
	if total.IsZero() {
		return OffsetResult{}, ErrEmptyPool
	}
	if debt.Cmp(total) > 0 {
		return OffsetResult{}, ErrDebtExceedsDeposits
	}

	lossPerUnit, lossErr, err := l.lossPerUnitStaked(total, debt)
	if err != nil {
		return OffsetResult{}, err
	}
	gainPerUnit, gainErrs, distributed, err := l.gainPerUnitStaked(total, gains)
	if err != nil {
		return OffsetResult{}, err
	}

	current, ok := l.SumAt(l.Epoch, l.Scale)
	if !ok {
		return OffsetResult{}, ErrCorrupt
	}
	weighted, err := gainPerUnit.MulDiv(l.P, collateral.U(1))
	if err != nil {
		return OffsetResult{}, err
	}
	newSum, err := current.Add(weighted)
	if err != nil {
		return OffsetResult{}, err
	}

	factor, err := collateral.Sub(collateral.One(), lossPerUnit)
	if err != nil {
		return OffsetResult{}, err
	}
	newP, newEpoch, newScale := l.P, l.Epoch, l.Scale
	switch {
	case factor.IsZero():
		newP, newEpoch, newScale = collateral.One(), l.Epoch+1, 0
	default:
		scaled, err := collateral.MulDiv(l.P, factor, collateral.One())
		if err != nil {
			return OffsetResult{}, err
		}
		if scaled.Cmp(collateral.Scale()) < 0 {
			// Rescale before dividing so the digits below ONE survive.
			product, err := collateral.Mul(l.P, factor)
			if err != nil {
				return OffsetResult{}, err
			}
			if scaled, err = collateral.MulDiv(product, collateral.Scale(), collateral.One()); err != nil {
				return OffsetResult{}, err
			}
			newScale = l.Scale + 1
		}
		if scaled.IsZero() {
			return OffsetResult{}, fmt.Errorf("%w: product reached zero at epoch %d scale %d", ErrCorrupt, l.Epoch, newScale)
		}
		newP = scaled
	}

	decrease, err := collateral.Add(debt, new(uint256.Int).Div(lossErr, collateral.One()))
	if err != nil {
		return OffsetResult{}, err
	}
	decrease = collateral.Min(decrease, total)
	remaining, err := collateral.Sub(total, decrease)
	if err != nil {
		return OffsetResult{}, err
	}

	l.Sums[l.Epoch][l.Scale] = newSum
	res := OffsetResult{
		Distributed: distributed,
		Decrease:    decrease,
		Remaining:   remaining,
		NewEpoch:    newEpoch != l.Epoch,
		NewScale:    newEpoch == l.Epoch && newScale != l.Scale,
	}
	l.P, l.Epoch, l.Scale = newP, newEpoch, newScale
	l.LastLossError = lossErr
	l.LastGainErrors = gainErrs
	l.normalize()
	return res, nil
}

// lossPerUnitStaked rounds the per-unit loss up so compounded deposits never
// exceed what the pool holds, carrying the excess forward as an error term.
func (l *Ledger) lossPerUnitStaked(total, debt *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	switch {
	case debt.Cmp(total) == 0:
		return collateral.One(), new(uint256.Int), nil
	case debt.IsZero():
		return new(uint256.Int), collateral.Clone(l.LastLossError), nil
	}
	numerator, err := collateral.Mul(debt, collateral.One())
	if err != nil {
		return nil, nil, err
	}
	if numerator, err = collateral.Sub(numerator, l.LastLossError); err != nil {
		return nil, nil, err
	}
	perUnit, err := collateral.Div(numerator, total)
	if err != nil {
		return nil, nil, err
	}
	if perUnit, err = collateral.Add(perUnit, collateral.U(1)); err != nil {
		return nil, nil, err
	}
	scaled, err := collateral.Mul(perUnit, total)
	if err != nil {
		return nil, nil, err
	}
	lossErr, err := collateral.Sub(scaled, numerator)
	if err != nil {
		return nil, nil, err
	}
	return perUnit, lossErr, nil
}

// gainPerUnitStaked rounds per-unit gains down and carries the remainder into
// the next distribution.
func (l *Ledger) gainPerUnitStaked(total *uint256.Int, gains collateral.Amounts) (perUnit, errs, distributed collateral.Amounts, err error) {
	w := int(l.Width)
	perUnit, errs, distributed = collateral.NewAmounts(w), collateral.NewAmounts(w), collateral.NewAmounts(w)
	for i := 0; i < w; i++ {
		numerator, err := collateral.Mul(gains.At(i), collateral.One())
		if err != nil {
			return nil, nil, nil, err
		}
		if numerator, err = collateral.Add(numerator, l.LastGainErrors.At(i)); err != nil {
			return nil, nil, nil, err
		}
		unit := new(uint256.Int).Div(numerator, total)
		credited, err := collateral.Mul(unit, total)
		if err != nil {
			return nil, nil, nil, err
		}
		remainder, err := collateral.Sub(numerator, credited)
		if err != nil {
			return nil, nil, nil, err
		}
		perUnit[i] = unit
		errs[i] = remainder
		distributed[i] = new(uint256.Int).Div(credited, collateral.One())
	}
	return perUnit, errs, distributed, nil
}

// Compounded returns what remains of a deposit recorded at snap.
func (l *Ledger) Compounded(deposit *uint256.Int, snap Snapshot) (*uint256.Int, error) {
	deposit = collateral.Or(deposit)
	if deposit.IsZero() || !snap.Enabled {
		return new(uint256.Int), nil
	}
	if snap.Epoch < l.Epoch {
		return new(uint256.Int), nil
	}
	if snap.Epoch > l.Epoch || snap.Scale > l.Scale || collateral.Or(snap.Product).IsZero() {
		return nil, fmt.Errorf("%w: snapshot at epoch %d scale %d", ErrCorrupt, snap.Epoch, snap.Scale)
	}
	switch l.Scale - snap.Scale {
	case 0:
		return collateral.MulDiv(deposit, l.P, snap.Product)
	case 1:
		v, err := collateral.MulDiv(deposit, l.P, snap.Product)
		if err != nil {
			return nil, err
		}
		return collateral.Div(v, collateral.Scale())
	default:
		return new(uint256.Int), nil
	}
}

// PendingGains returns the per-column gains a deposit earned since snap.
func (l *Ledger) PendingGains(deposit *uint256.Int, snap Snapshot) (collateral.Amounts, error) {
	w := int(l.Width)
	deposit = collateral.Or(deposit)
	if deposit.IsZero() || !snap.Enabled {
		return collateral.NewAmounts(w), nil
	}
	if collateral.Or(snap.Product).IsZero() {
		return nil, fmt.Errorf("%w: snapshot product is zero", ErrCorrupt)
	}
	first, ok := l.SumAt(snap.Epoch, snap.Scale)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d scale %d", ErrCorrupt, snap.Epoch, snap.Scale)
	}
	portion, err := first.Sub(snap.Sums.Normalize(w))
	if err != nil {
		return nil, err
	}
	if next, ok := l.SumAt(snap.Epoch, snap.Scale+1); ok {
		carried, err := next.MulDiv(collateral.U(1), collateral.Scale())
		if err != nil {
			return nil, err
		}
		if portion, err = portion.Add(carried); err != nil {
			return nil, err
		}
	}
	out := collateral.NewAmounts(w)
	den, err := collateral.Mul(snap.Product, collateral.One())
	if err != nil {
		return nil, err
	}
	for i := 0; i < w; i++ {
		v, err := collateral.MulDiv(portion.At(i), deposit, den)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
