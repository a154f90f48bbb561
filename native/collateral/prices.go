package collateral

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrPriceCount = errors.New("collateral: price count does not match asset count")
	ErrZeroPrice  = errors.New("collateral: price must be positive")
)

// Asset describes one collateral token.
type Asset struct {
	Symbol   string `toml:"symbol" yaml:"symbol" json:"symbol"`
	Decimals uint8  `toml:"decimals" yaml:"decimals" json:"decimals"`
}

// Price is the value of one whole token in stablecoin units: Value / 10^Exp.
type Price struct {
	Value uint64 `json:"value"`
	Exp   uint8  `json:"exp"`
}

// Prices holds one price per configured asset, in asset order.
type Prices []Price

// Validate checks that every configured asset has a positive price.
func (p Prices) Validate(assets []Asset) error {
	if len(p) != len(assets) {
		return fmt.Errorf("%w: %d prices for %d assets", ErrPriceCount, len(p), len(assets))
	}
	for i, price := range p {
		if price.Value == 0 {
			return fmt.Errorf("%w: %s", ErrZeroPrice, assets[i].Symbol)
		}
	}
	return nil
}

func (p Prices) Clone() Prices {
	return append(Prices(nil), p...)
}

// NormalizeSymbol folds compatibility forms such as full-width letters before
// upper-casing, so every spelling of a ticker maps to one storage key.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(symbol)))
}

// IndexOf returns the position of symbol in assets, or -1.
func IndexOf(assets []Asset, symbol string) int {
	symbol = NormalizeSymbol(symbol)
	for i, asset := range assets {
		if NormalizeSymbol(asset.Symbol) == symbol {
			return i
		}
	}
	return -1
}

// AssetValue converts a token amount into stablecoin smallest units:
// amount * value / 10^(decimals + exp - stablecoinDecimals).
func AssetValue(amount *uint256.Int, asset Asset, price Price) (*uint256.Int, error) {
	if Or(amount).IsZero() {
		return new(uint256.Int), nil
	}
	shift := int(asset.Decimals) + int(price.Exp) - StablecoinDecimals
	if shift >= 0 {
		den, err := Pow10(uint(shift))
		if err != nil {
			return nil, err
		}
		return MulDiv(amount, U(price.Value), den)
	}
	factor, err := Pow10(uint(-shift))
	if err != nil {
		return nil, err
	}
	scaled, err := Mul(amount, U(price.Value))
	if err != nil {
		return nil, err
	}
	return Mul(scaled, factor)
}

// Value sums the stablecoin value of every entry.
func Value(amounts Amounts, assets []Asset, prices Prices) (*uint256.Int, error) {
	if len(prices) < len(assets) {
		return nil, ErrPriceCount
	}
	total := new(uint256.Int)
	for i, asset := range assets {
		v, err := AssetValue(amounts.At(i), asset, prices[i])
		if err != nil {
			return nil, err
		}
		if total, err = Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Ratio returns value*DecimalPrecision/debt as a uint64. A zero debt and any
// ratio beyond uint64 saturate at math.MaxUint64.
func Ratio(value, debt *uint256.Int) uint64 {
	if Or(debt).IsZero() {
		return math.MaxUint64
	}
	r, overflow := new(uint256.Int).MulDivOverflow(Or(value), one, debt)
	if overflow || !r.IsUint64() {
		return math.MaxUint64
	}
	return r.Uint64()
}

// CollateralRatio values amounts at prices and divides by debt.
func CollateralRatio(amounts Amounts, debt *uint256.Int, assets []Asset, prices Prices) (uint64, error) {
	value, err := Value(amounts, assets, prices)
	if err != nil {
		return 0, err
	}
	return Ratio(value, debt), nil
}

// PercentRatio converts a whole percentage (110 = 110%) to ratio units.
func PercentRatio(percent uint64) uint64 {
	return percent * (DecimalPrecision / 100)
}
