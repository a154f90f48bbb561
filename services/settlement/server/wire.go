package server

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	"settlecore/native/staking"
)

// Amount is a token quantity rendered in whole units, e.g. "2000.5".
type Amount string

// maxAmountDigits bounds the digits on either side of the point before any
// scaling. A uint256 holds at most 78 decimal digits.
const maxAmountDigits = 80

// toBase converts whole units into base units with the given decimals.
func (a Amount) toBase(decimals uint8) (*uint256.Int, error) {
	raw := strings.TrimSpace(string(a))
	if raw == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", raw)
	}
	exp := int64(value.Exponent())
	if int64(value.NumDigits())+exp+int64(decimals) > maxAmountDigits {
		return nil, fmt.Errorf("amount %q overflows", raw)
	}
	if exp < -maxAmountDigits {
		return nil, fmt.Errorf("amount %q has more than %d decimals", raw, decimals)
	}
	base := value.Shift(int32(decimals))
	if !base.Equal(base.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", raw, decimals)
	}
	out, overflow := uint256.FromBig(base.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows", raw)
	}
	return out, nil
}

func formatAmount(v *uint256.Int, decimals uint8) Amount {
	if v == nil {
		return "0"
	}
	return Amount(decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String())
}

func formatAmounts(v collateral.Amounts, assets []collateral.Asset) map[string]Amount {
	out := make(map[string]Amount, len(assets))
	for i, asset := range assets {
		var amount *uint256.Int
		if i < len(v) {
			amount = v[i]
		}
		out[asset.Symbol] = formatAmount(amount, asset.Decimals)
	}
	return out
}

// PriceInput is one oracle price: Value / 10^Exp stablecoin per whole token.
type PriceInput struct {
	Value uint64 `json:"value"`
	Exp   uint8  `json:"exp"`
}

func toPrices(in []PriceInput) collateral.Prices {
	out := make(collateral.Prices, len(in))
	for i, p := range in {
		out[i] = collateral.Price{Value: p.Value, Exp: p.Exp}
	}
	return out
}

type addOrderRequest struct {
	Amount Amount       `json:"amount"`
	Prices []PriceInput `json:"prices"`
}

type fillRequest struct {
	LoanIDs []uint64 `json:"loanIds"`
}

type clearRequest struct {
	LoanIDs []uint64 `json:"loanIds"`
	Fillers []string `json:"fillers"`
}

type assetAmountRequest struct {
	Asset  string `json:"asset"`
	Amount Amount `json:"amount"`
	// Prices is required when a collateral ratio has to be checked.
	Prices []PriceInput `json:"prices,omitempty"`
}

type pricedAmountRequest struct {
	Amount Amount       `json:"amount"`
	Prices []PriceInput `json:"prices"`
}

type amountRequest struct {
	Amount Amount `json:"amount"`
}

type pricesRequest struct {
	Prices []PriceInput `json:"prices"`
}

type mintRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount Amount `json:"amount"`
}

type candidateView struct {
	LoanID uint64 `json:"loanId"`
	Filler string `json:"filler"`
	// RatioPercent is the collateral ratio at the order's price snapshot.
	RatioPercent uint64 `json:"ratioPercent"`
}

type orderView struct {
	ID          uint64          `json:"id"`
	Status      string          `json:"status"`
	Redeemer    string          `json:"redeemer"`
	Requested   Amount          `json:"requested"`
	Remaining   Amount          `json:"remaining"`
	BaseRateBps uint64          `json:"baseRateBps"`
	CreatedAt   uint64          `json:"createdAt"`
	LastReset   uint64          `json:"lastReset"`
	Candidates  []candidateView `json:"candidates"`
}

func toOrderView(o *cdp.Order) orderView {
	view := orderView{
		ID:          o.ID,
		Status:      o.Status.String(),
		Redeemer:    o.Redeemer.String(),
		Requested:   formatAmount(o.Requested, collateral.StablecoinDecimals),
		Remaining:   formatAmount(o.Remaining, collateral.StablecoinDecimals),
		BaseRateBps: o.BaseRateBps,
		CreatedAt:   o.CreatedAt,
		LastReset:   o.LastReset,
		Candidates:  make([]candidateView, 0, len(o.Candidates)),
	}
	for _, c := range o.Candidates {
		view.Candidates = append(view.Candidates, candidateView{LoanID: c.LoanID, Filler: c.Filler.String(), RatioPercent: c.Ratio})
	}
	return view
}

type loanView struct {
	ID         uint64            `json:"id"`
	Owner      string            `json:"owner"`
	Status     string            `json:"status"`
	Debt       Amount            `json:"debt"`
	Collateral map[string]Amount `json:"collateral"`
	Inactive   map[string]Amount `json:"inactive"`
	CreatedAt  uint64            `json:"createdAt"`
}

func toLoanView(l *cdp.Loan, assets []collateral.Asset) loanView {
	return loanView{
		ID:         l.ID,
		Owner:      l.Owner.String(),
		Status:     l.Status.String(),
		Debt:       formatAmount(l.Debt, collateral.StablecoinDecimals),
		Collateral: formatAmounts(l.Collateral, assets),
		Inactive:   formatAmounts(l.Inactive, assets),
		CreatedAt:  l.CreatedAt,
	}
}

type poolView struct {
	Deposits          Amount            `json:"deposits"`
	Staging           map[string]Amount `json:"staging"`
	Reserve           map[string]Amount `json:"reserve"`
	PendingAssets     []string          `json:"pendingAssets"`
	EmissionIssued    Amount            `json:"emissionIssued"`
	LastLiquidator    string            `json:"lastLiquidator,omitempty"`
	LastLiquidationAt uint64            `json:"lastLiquidationAt,omitempty"`
	Liquidations      uint64            `json:"liquidations"`
	Epoch             uint64            `json:"epoch"`
	Scale             uint64            `json:"scale"`
	Product           string            `json:"product"`
}

func toPoolView(p *cdp.StabilityPool, epoch, scale uint64, product *uint256.Int, assets []collateral.Asset) poolView {
	view := poolView{
		Deposits:          formatAmount(p.Deposits, collateral.StablecoinDecimals),
		Staging:           formatAmounts(p.Staging, assets),
		Reserve:           formatAmounts(p.Reserve, assets),
		PendingAssets:     []string{},
		EmissionIssued:    formatAmount(p.EmissionIssued, collateral.StablecoinDecimals),
		LastLiquidationAt: p.LastLiquidationAt,
		Liquidations:      p.Liquidations,
		Epoch:             epoch,
		Scale:             scale,
		Product:           "0",
	}
	if !p.LastLiquidator.IsZero() {
		view.LastLiquidator = p.LastLiquidator.String()
	}
	if product != nil {
		view.Product = product.Dec()
	}
	for i, asset := range assets {
		if p.PendingMask&(1<<uint(i)) != 0 {
			view.PendingAssets = append(view.PendingAssets, asset.Symbol)
		}
	}
	return view
}

type providerView struct {
	Owner    string            `json:"owner"`
	Deposit  Amount            `json:"deposit"`
	Gains    map[string]Amount `json:"gains"`
	Emission Amount            `json:"emission"`
}

func toProviderView(p *cdp.ProviderView, params cdp.Params) providerView {
	view := providerView{
		Owner:    p.Owner.String(),
		Deposit:  formatAmount(p.Deposit, collateral.StablecoinDecimals),
		Gains:    formatAmounts(p.PendingGains, params.Assets),
		Emission: "0",
	}
	if n := len(params.Assets); n < len(p.PendingGains) {
		view.Emission = formatAmount(p.PendingGains[n], collateral.StablecoinDecimals)
	}
	return view
}

// formatRewards renders a staking reward vector: the assets followed by the
// stablecoin column.
func formatRewards(v collateral.Amounts, params cdp.Params) map[string]Amount {
	out := formatAmounts(v, params.Assets)
	out[params.StablecoinSymbol] = formatAmount(v.At(len(params.Assets)), collateral.StablecoinDecimals)
	return out
}

type stakingPoolView struct {
	TotalStake  Amount            `json:"totalStake"`
	Stakers     uint64            `json:"stakers"`
	Unclaimed   map[string]Amount `json:"unclaimed"`
	Distributed map[string]Amount `json:"distributed"`
}

func toStakingPoolView(p *staking.Pool, params cdp.Params) stakingPoolView {
	return stakingPoolView{
		TotalStake:  formatAmount(p.TotalStake, collateral.StablecoinDecimals),
		Stakers:     p.Stakers,
		Unclaimed:   formatRewards(p.Unclaimed, params),
		Distributed: formatRewards(p.Distributed, params),
	}
}

type stakerView struct {
	Owner   string            `json:"owner"`
	Stake   Amount            `json:"stake"`
	Pending map[string]Amount `json:"pending"`
}

type stakeResultView struct {
	Change  Amount            `json:"change"`
	Stake   Amount            `json:"stake"`
	Rewards map[string]Amount `json:"rewards"`
}

func toStakeResultView(res cdp.StakeResult, params cdp.Params) stakeResultView {
	return stakeResultView{
		Change:  formatAmount(res.Change, collateral.StablecoinDecimals),
		Stake:   formatAmount(res.Stake, collateral.StablecoinDecimals),
		Rewards: formatRewards(res.Rewards, params),
	}
}

type systemView struct {
	NextLoanID      uint64            `json:"nextLoanId"`
	ActiveLoans     uint64            `json:"activeLoans"`
	TotalDebt       Amount            `json:"totalDebt"`
	TotalCollateral map[string]Amount `json:"totalCollateral"`
	BaseRateBps     uint64            `json:"baseRateBps"`
	StakingFees     map[string]Amount `json:"stakingFees"`
	Outstanding     Amount            `json:"outstanding"`
}

func decimalsOf(params cdp.Params, symbol string) uint8 {
	symbol = collateral.NormalizeSymbol(symbol)
	for _, asset := range params.Assets {
		if asset.Symbol == symbol {
			return asset.Decimals
		}
	}
	return collateral.StablecoinDecimals
}

func parseAddresses(raw []string) ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(raw))
	for _, value := range raw {
		addr, err := crypto.DecodeAddress(value)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", value, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func bigOrZero(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
