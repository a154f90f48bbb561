package collateral

import (
	"errors"
	"strings"

	"github.com/holiman/uint256"
)

var ErrAssetIndex = errors.New("collateral: asset index out of range")

// Amounts is a per-asset vector of smallest-unit amounts. Index i refers to the
// i-th configured asset.
type Amounts []*uint256.Int

// NewAmounts returns a zeroed vector of length n.
func NewAmounts(n int) Amounts {
	out := make(Amounts, n)
	for i := range out {
		out[i] = new(uint256.Int)
	}
	return out
}

// Single returns a zeroed vector of length n holding amount at index idx.
func Single(n, idx int, amount *uint256.Int) Amounts {
	out := NewAmounts(n)
	if idx >= 0 && idx < n {
		out[idx] = Clone(amount)
	}
	return out
}

// Normalize pads or truncates the vector to n entries and replaces nil entries.
func (a Amounts) Normalize(n int) Amounts {
	out := NewAmounts(n)
	for i := 0; i < n && i < len(a); i++ {
		out[i] = Clone(a[i])
	}
	return out
}

func (a Amounts) Clone() Amounts {
	return a.Normalize(len(a))
}

// At returns the amount at idx, or zero when idx is out of range.
func (a Amounts) At(idx int) *uint256.Int {
	if idx < 0 || idx >= len(a) {
		return new(uint256.Int)
	}
	return Clone(a[idx])
}

func (a Amounts) IsZero() bool {
	for _, v := range a {
		if v != nil && !v.IsZero() {
			return false
		}
	}
	return true
}

func (a Amounts) Add(b Amounts) (Amounts, error) {
	n := max(len(a), len(b))
	out := NewAmounts(n)
	for i := 0; i < n; i++ {
		sum, err := Add(a.At(i), b.At(i))
		if err != nil {
			return nil, err
		}
		out[i] = sum
	}
	return out, nil
}

func (a Amounts) Sub(b Amounts) (Amounts, error) {
	n := max(len(a), len(b))
	out := NewAmounts(n)
	for i := 0; i < n; i++ {
		diff, err := Sub(a.At(i), b.At(i))
		if err != nil {
			return nil, err
		}
		out[i] = diff
	}
	return out, nil
}

// AddAt adds amount to the entry at idx.
func (a Amounts) AddAt(idx int, amount *uint256.Int) (Amounts, error) {
	if idx < 0 || idx >= len(a) {
		return nil, ErrAssetIndex
	}
	return a.Add(Single(len(a), idx, amount))
}

// SubAt subtracts amount from the entry at idx.
func (a Amounts) SubAt(idx int, amount *uint256.Int) (Amounts, error) {
	if idx < 0 || idx >= len(a) {
		return nil, ErrAssetIndex
	}
	return a.Sub(Single(len(a), idx, amount))
}

// MulBps scales every entry by bps/10_000, rounding down.
func (a Amounts) MulBps(bps uint64) (Amounts, error) {
	out := NewAmounts(len(a))
	for i := range a {
		v, err := MulBps(a.At(i), bps)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// MulDiv scales every entry by num/den, rounding down.
func (a Amounts) MulDiv(num, den *uint256.Int) (Amounts, error) {
	out := NewAmounts(len(a))
	for i := range a {
		v, err := MulDiv(a.At(i), num, den)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Equal compares entry-wise, treating missing entries as zero.
func (a Amounts) Equal(b Amounts) bool {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		if a.At(i).Cmp(b.At(i)) != 0 {
			return false
		}
	}
	return true
}

// String renders the vector as [a, b, ...].
func (a Amounts) String() string {
	parts := make([]string, len(a))
	for i := range a {
		parts[i] = a.At(i).Dec()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
