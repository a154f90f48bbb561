// Package collateral holds the fixed-point amount types shared by the settlement
// modules: per-asset amount vectors, price snapshots, valuation and collateral
// ratios. Every operation is checked; nothing wraps silently.
package collateral

import (
	"errors"

	"github.com/holiman/uint256"
)

const (
	// DecimalPrecision is the fixed-point unit ("one") used for ratios and
	// per-unit ledger values.
	DecimalPrecision = 1_000_000_000_000
	// ScaleFactor is the precision floor of the distribution ledger product.
	ScaleFactor = 1_000_000_000
	// StablecoinDecimals is the number of decimals of the stablecoin smallest unit.
	StablecoinDecimals = 6
	// StablecoinFactor is 10^StablecoinDecimals.
	StablecoinFactor = 1_000_000
	// BasisPoints is 100% in basis points.
	BasisPoints = 10_000
	// MaxAssets bounds the number of collateral asset types.
	MaxAssets = 16
)

var (
	ErrOverflow  = errors.New("collateral: arithmetic overflow")
	ErrUnderflow = errors.New("collateral: arithmetic underflow")
	ErrDivByZero = errors.New("collateral: division by zero")
)

var (
	one        = uint256.NewInt(DecimalPrecision)
	scale      = uint256.NewInt(ScaleFactor)
	bpsDivisor = uint256.NewInt(BasisPoints)
)

// One returns a fresh copy of DecimalPrecision.
func One() *uint256.Int { return new(uint256.Int).Set(one) }

// Scale returns a fresh copy of ScaleFactor.
func Scale() *uint256.Int { return new(uint256.Int).Set(scale) }

// U wraps a uint64.
func U(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Zero returns a new zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Or returns v, or zero when v is nil.
func Or(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Clone copies v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	return new(uint256.Int).Set(Or(v))
}

func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(Or(a), Or(b))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(Or(a), Or(b))
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(Or(a), Or(b))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func Div(a, b *uint256.Int) (*uint256.Int, error) {
	if Or(b).IsZero() {
		return nil, ErrDivByZero
	}
	return new(uint256.Int).Div(Or(a), b), nil
}

// MulDiv returns floor(a*b/d) with a 512-bit intermediate product.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if Or(d).IsZero() {
		return nil, ErrDivByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(Or(a), Or(b), d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(a*b/d).
func MulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(Or(a), Or(b), d).IsZero() {
		return z, nil
	}
	return Add(z, U(1))
}

// MulBps returns floor(amount*bps/10_000).
func MulBps(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(amount, U(bps), bpsDivisor)
}

// Pow10 returns 10^exp, failing when it does not fit in 256 bits.
func Pow10(exp uint) (*uint256.Int, error) {
	if exp > 77 {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(U(10), U(uint64(exp))), nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if Or(a).Cmp(Or(b)) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Wad is the 1e18 fixed-point unit used by rate and decay factors.
const Wad = 1_000_000_000_000_000_000

var wad = uint256.NewInt(Wad)

// WadPow raises a 1e18-scaled base to the n-th power by repeated squaring,
// rounding down at each step.
func WadPow(base *uint256.Int, n uint64) (*uint256.Int, error) {
	result := new(uint256.Int).Set(wad)
	b := Clone(base)
	for n > 0 {
		if n&1 == 1 {
			next, err := MulDiv(result, b, wad)
			if err != nil {
				return nil, err
			}
			result = next
		}
		n >>= 1
		if n == 0 {
			break
		}
		sq, err := MulDiv(b, b, wad)
		if err != nil {
			return nil, err
		}
		b = sq
	}
	return result, nil
}
