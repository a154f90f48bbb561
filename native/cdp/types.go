package cdp

import (
	"github.com/holiman/uint256"

	"settlecore/crypto"
	"settlecore/native/collateral"
	"settlecore/native/distribution"
	"settlecore/native/fees"
	"settlecore/native/staking"
)

// LoanStatus tracks whether a loan carries debt.
type LoanStatus uint8

const (
	LoanInactive LoanStatus = iota
	LoanActive
)

func (s LoanStatus) String() string {
	if s == LoanActive {
		return "active"
	}
	return "inactive"
}

// Loan is a borrower position. Collateral backs the debt; Inactive holds
// redemption and liquidation proceeds waiting to be withdrawn.
type Loan struct {
	ID         uint64
	Owner      crypto.Address
	Status     LoanStatus
	Collateral collateral.Amounts
	Inactive   collateral.Amounts
	Debt       *uint256.Int
	CreatedAt  uint64
}

func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	out := *l
	out.Collateral = l.Collateral.Clone()
	out.Inactive = l.Inactive.Clone()
	out.Debt = collateral.Clone(l.Debt)
	return &out
}

// OrderStatus is the lifecycle state of a redemption order slot.
type OrderStatus uint8

const (
	OrderEmpty OrderStatus = iota
	OrderActive
	OrderFilling
)

func (s OrderStatus) String() string {
	switch s {
	case OrderActive:
		return "active"
	case OrderFilling:
		return "filling"
	default:
		return "empty"
	}
}

// Candidate is a ranked loan on an order together with the filler that
// proposed it. Ratio is the collateral ratio at the order's price snapshot.
type Candidate struct {
	LoanID uint64
	Filler crypto.Address
	Ratio  uint64
}

func lessCandidate(a, b Candidate) bool {
	if a.Ratio != b.Ratio {
		return a.Ratio < b.Ratio
	}
	return a.LoanID < b.LoanID
}

// Order is one redemption order. Timestamps are unix milliseconds.
type Order struct {
	ID          uint64
	Status      OrderStatus
	Redeemer    crypto.Address
	Requested   *uint256.Int
	Remaining   *uint256.Int
	Prices      collateral.Prices
	BaseRateBps uint64
	CreatedAt   uint64
	LastReset   uint64
	Candidates  []Candidate
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Requested = collateral.Clone(o.Requested)
	out.Remaining = collateral.Clone(o.Remaining)
	out.Prices = o.Prices.Clone()
	out.Candidates = append([]Candidate(nil), o.Candidates...)
	return &out
}

// Settled is the amount redeemed so far.
func (o *Order) Settled() *uint256.Int {
	return new(uint256.Int).Sub(collateral.Or(o.Requested), collateral.Or(o.Remaining))
}

// OrderBook is the fixed table of order slots.
type OrderBook struct {
	NextID      uint64
	Outstanding *uint256.Int
	Orders      []Order
}

func (b *OrderBook) Clone() *OrderBook {
	if b == nil {
		return nil
	}
	out := &OrderBook{NextID: b.NextID, Outstanding: collateral.Clone(b.Outstanding)}
	out.Orders = make([]Order, len(b.Orders))
	for i := range b.Orders {
		out.Orders[i] = *b.Orders[i].Clone()
	}
	return out
}

func (b *OrderBook) slotOf(id uint64) int {
	if id == 0 {
		return -1
	}
	for i := range b.Orders {
		if b.Orders[i].Status != OrderEmpty && b.Orders[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *OrderBook) freeSlot() int {
	for i := range b.Orders {
		if b.Orders[i].Status == OrderEmpty {
			return i
		}
	}
	return -1
}

// System holds protocol-wide totals.
type System struct {
	NextLoanID      uint64
	ActiveLoans     uint64
	TotalDebt       *uint256.Int
	TotalCollateral collateral.Amounts
	BaseRate        fees.BaseRate
	StakingFees     collateral.Amounts
}

func (s *System) Clone() *System {
	if s == nil {
		return nil
	}
	out := *s
	out.TotalDebt = collateral.Clone(s.TotalDebt)
	out.TotalCollateral = s.TotalCollateral.Clone()
	out.BaseRate = s.BaseRate.Clone()
	out.StakingFees = s.StakingFees.Clone()
	return &out
}

// StabilityPool holds the pool totals, the staging buckets and the clearing
// barrier. Pending and CumulativeGains have one extra column for the emission
// token.
type StabilityPool struct {
	Deposits          *uint256.Int
	Staging           collateral.Amounts
	Reserve           collateral.Amounts
	PendingMask       uint64
	Pending           collateral.Amounts
	CumulativeGains   collateral.Amounts
	EmissionStart     uint64
	EmissionIssued    *uint256.Int
	LastLiquidator    crypto.Address
	LastLiquidationAt uint64
	Liquidations      uint64
}

func (p *StabilityPool) Clone() *StabilityPool {
	if p == nil {
		return nil
	}
	out := *p
	out.Deposits = collateral.Clone(p.Deposits)
	out.Staging = p.Staging.Clone()
	out.Reserve = p.Reserve.Clone()
	out.Pending = p.Pending.Clone()
	out.CumulativeGains = p.CumulativeGains.Clone()
	out.EmissionIssued = collateral.Clone(p.EmissionIssued)
	return &out
}

// Cleared reports whether every staging bucket has been cleared.
func (p *StabilityPool) Cleared() bool { return p.PendingMask == 0 }

// Provider is a stability depositor.
type Provider struct {
	Owner           crypto.Address
	Deposit         *uint256.Int
	Snapshot        distribution.Snapshot
	PendingGains    collateral.Amounts
	CumulativeGains collateral.Amounts
}

func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	out := *p
	out.Deposit = collateral.Clone(p.Deposit)
	out.Snapshot.Sums = p.Snapshot.Sums.Clone()
	out.Snapshot.Product = collateral.Clone(p.Snapshot.Product)
	out.PendingGains = p.PendingGains.Clone()
	out.CumulativeGains = p.CumulativeGains.Clone()
	return &out
}

// Staker is an emission token holder's share of protocol fees. Reward columns
// follow the asset order with the stablecoin last.
type Staker struct {
	Owner    crypto.Address
	Position staking.Position
}

func (s *Staker) Clone() *Staker {
	if s == nil {
		return nil
	}
	return &Staker{Owner: s.Owner, Position: s.Position.Clone()}
}
