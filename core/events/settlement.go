package events

import (
	"strconv"

	"github.com/holiman/uint256"

	"settlecore/core/types"
	"settlecore/crypto"
	"settlecore/native/collateral"
)

const (
	TypeOrderAdded        = "cdp.order.added"
	TypeOrderFilled       = "cdp.order.filled"
	TypeOrderCleared      = "cdp.order.cleared"
	TypeOrderRedeemed     = "cdp.order.redeemed"
	TypeOrderClosed       = "cdp.order.closed"
	TypeOrderCancelled    = "cdp.order.cancelled"
	TypeLoanUpdated       = "cdp.loan.updated"
	TypeLoanLiquidated    = "cdp.loan.liquidated"
	TypeStabilityCleared  = "cdp.stability.cleared"
	TypeStabilityHarvest  = "cdp.stability.harvested"
	TypeStabilityProvided = "cdp.stability.provided"
	TypeStabilityWithdraw = "cdp.stability.withdrawn"
	TypeStakeUpdated      = "cdp.staking.updated"
	TypeStakingHarvested  = "cdp.staking.harvested"
	TypeStakingFunded     = "cdp.staking.funded"
)

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func formatInt(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// OrderAdded is emitted when a redemption order takes a queue slot.
type OrderAdded struct {
	OrderID  uint64
	Redeemer crypto.Address
	Amount   *uint256.Int
	FeeBps   uint64
}

func (OrderAdded) EventType() string { return TypeOrderAdded }

func (e OrderAdded) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderAdded,
		Attributes: map[string]string{
			"orderId":  formatUint(e.OrderID),
			"redeemer": e.Redeemer.String(),
			"amount":   formatInt(e.Amount),
			"feeBps":   formatUint(e.FeeBps),
		},
	}
}

// OrderFilled reports the loans admitted to an order's candidate list.
type OrderFilled struct {
	OrderID  uint64
	Filler   crypto.Address
	Admitted []uint64
	Evicted  []uint64
}

func (OrderFilled) EventType() string { return TypeOrderFilled }

func (e OrderFilled) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderFilled,
		Attributes: map[string]string{
			"orderId":  formatUint(e.OrderID),
			"filler":   e.Filler.String(),
			"admitted": joinIDs(e.Admitted),
			"evicted":  joinIDs(e.Evicted),
		},
	}
}

// OrderRedeemed is emitted once per loan settled against an order.
type OrderRedeemed struct {
	OrderID    uint64
	LoanID     uint64
	Debt       *uint256.Int
	Redeemer   collateral.Amounts
	Filler     collateral.Amounts
	Clearer    collateral.Amounts
	Stakers    collateral.Amounts
	LoanClosed bool
}

func (OrderRedeemed) EventType() string { return TypeOrderRedeemed }

func (e OrderRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderRedeemed,
		Attributes: map[string]string{
			"orderId":    formatUint(e.OrderID),
			"loanId":     formatUint(e.LoanID),
			"debt":       formatInt(e.Debt),
			"redeemer":   e.Redeemer.String(),
			"filler":     e.Filler.String(),
			"clearer":    e.Clearer.String(),
			"stakers":    e.Stakers.String(),
			"loanClosed": strconv.FormatBool(e.LoanClosed),
		},
	}
}

// OrderCleared summarises one clear call.
type OrderCleared struct {
	OrderID   uint64
	Clearer   crypto.Address
	Settled   *uint256.Int
	Remaining *uint256.Int
	Dropped   int
}

func (OrderCleared) EventType() string { return TypeOrderCleared }

func (e OrderCleared) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderCleared,
		Attributes: map[string]string{
			"orderId":   formatUint(e.OrderID),
			"clearer":   e.Clearer.String(),
			"settled":   formatInt(e.Settled),
			"remaining": formatInt(e.Remaining),
			"dropped":   strconv.Itoa(e.Dropped),
		},
	}
}

// OrderClosed is emitted when an order is fully settled and its slot freed.
type OrderClosed struct {
	OrderID  uint64
	Redeemer crypto.Address
	Burned   *uint256.Int
}

func (OrderClosed) EventType() string { return TypeOrderClosed }

func (e OrderClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderClosed,
		Attributes: map[string]string{
			"orderId":  formatUint(e.OrderID),
			"redeemer": e.Redeemer.String(),
			"burned":   formatInt(e.Burned),
		},
	}
}

type OrderCancelled struct {
	OrderID  uint64
	Redeemer crypto.Address
	Refunded *uint256.Int
}

func (OrderCancelled) EventType() string { return TypeOrderCancelled }

func (e OrderCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderCancelled,
		Attributes: map[string]string{
			"orderId":  formatUint(e.OrderID),
			"redeemer": e.Redeemer.String(),
			"refunded": formatInt(e.Refunded),
		},
	}
}

// LoanUpdated is emitted by borrower operations.
type LoanUpdated struct {
	LoanID     uint64
	Owner      crypto.Address
	Action     string
	Debt       *uint256.Int
	Collateral collateral.Amounts
}

func (LoanUpdated) EventType() string { return TypeLoanUpdated }

func (e LoanUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanUpdated,
		Attributes: map[string]string{
			"loanId":     formatUint(e.LoanID),
			"owner":      e.Owner.String(),
			"action":     e.Action,
			"debt":       formatInt(e.Debt),
			"collateral": e.Collateral.String(),
		},
	}
}

type LoanLiquidated struct {
	LoanID     uint64
	Liquidator crypto.Address
	Debt       *uint256.Int
	Collateral collateral.Amounts
	Reserve    collateral.Amounts
	Epoch      uint64
	Scale      uint64
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanLiquidated,
		Attributes: map[string]string{
			"loanId":     formatUint(e.LoanID),
			"liquidator": e.Liquidator.String(),
			"debt":       formatInt(e.Debt),
			"collateral": e.Collateral.String(),
			"reserve":    e.Reserve.String(),
			"epoch":      formatUint(e.Epoch),
			"scale":      formatUint(e.Scale),
		},
	}
}

// StabilityCleared is emitted when one staging bucket is released.
type StabilityCleared struct {
	Asset   string
	Clearer crypto.Address
	Gain    *uint256.Int
	Reward  *uint256.Int
	Mask    uint64
}

func (StabilityCleared) EventType() string { return TypeStabilityCleared }

func (e StabilityCleared) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityCleared,
		Attributes: map[string]string{
			"asset":   normalizeAsset(e.Asset),
			"clearer": e.Clearer.String(),
			"gain":    formatInt(e.Gain),
			"reward":  formatInt(e.Reward),
			"mask":    formatUint(e.Mask),
		},
	}
}

type StabilityHarvested struct {
	Owner    crypto.Address
	Asset    string
	Amount   *uint256.Int
	Emission *uint256.Int
}

func (StabilityHarvested) EventType() string { return TypeStabilityHarvest }

func (e StabilityHarvested) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityHarvest,
		Attributes: map[string]string{
			"owner":    e.Owner.String(),
			"asset":    normalizeAsset(e.Asset),
			"amount":   formatInt(e.Amount),
			"emission": formatInt(e.Emission),
		},
	}
}

type StabilityProvided struct {
	Owner   crypto.Address
	Amount  *uint256.Int
	Deposit *uint256.Int
}

func (StabilityProvided) EventType() string { return TypeStabilityProvided }

func (e StabilityProvided) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityProvided,
		Attributes: map[string]string{
			"owner":   e.Owner.String(),
			"amount":  formatInt(e.Amount),
			"deposit": formatInt(e.Deposit),
		},
	}
}

type StabilityWithdrawn struct {
	Owner   crypto.Address
	Amount  *uint256.Int
	Deposit *uint256.Int
}

func (StabilityWithdrawn) EventType() string { return TypeStabilityWithdraw }

func (e StabilityWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeStabilityWithdraw,
		Attributes: map[string]string{
			"owner":   e.Owner.String(),
			"amount":  formatInt(e.Amount),
			"deposit": formatInt(e.Deposit),
		},
	}
}

// StakeUpdated is emitted when a holder stakes or unstakes. Change is the
// amount moved; Stake is the position afterwards.
type StakeUpdated struct {
	Owner   crypto.Address
	Action  string
	Change  *uint256.Int
	Stake   *uint256.Int
	Total   *uint256.Int
	Rewards collateral.Amounts
}

func (StakeUpdated) EventType() string { return TypeStakeUpdated }

func (e StakeUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeStakeUpdated,
		Attributes: map[string]string{
			"owner":   e.Owner.String(),
			"action":  e.Action,
			"change":  formatInt(e.Change),
			"stake":   formatInt(e.Stake),
			"total":   formatInt(e.Total),
			"rewards": e.Rewards.String(),
		},
	}
}

type StakingHarvested struct {
	Owner   crypto.Address
	Rewards collateral.Amounts
}

func (StakingHarvested) EventType() string { return TypeStakingHarvested }

func (e StakingHarvested) Event() *types.Event {
	return &types.Event{
		Type: TypeStakingHarvested,
		Attributes: map[string]string{
			"owner":   e.Owner.String(),
			"rewards": e.Rewards.String(),
		},
	}
}

// StakingFunded is emitted when protocol fees reach the staking pool. Source
// is "borrow" or "redemption".
type StakingFunded struct {
	Source string
	Fees   collateral.Amounts
}

func (StakingFunded) EventType() string { return TypeStakingFunded }

func (e StakingFunded) Event() *types.Event {
	return &types.Event{
		Type: TypeStakingFunded,
		Attributes: map[string]string{
			"source": e.Source,
			"fees":   e.Fees.String(),
		},
	}
}

func joinIDs(ids []uint64) string {
	buf := make([]byte, 0, len(ids)*4)
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, id, 10)
	}
	return string(buf)
}
