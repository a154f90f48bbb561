package cdp

import (
	"errors"

	"github.com/holiman/uint256"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
	"settlecore/native/common/topk"
	"settlecore/native/fees"
)

// FillResult reports how a fill batch changed the candidate list.
type FillResult struct {
	Admitted []uint64
	Evicted  []uint64
	Reranked []uint64
	Skipped  []uint64
}

// ClearResult reports the progress of one clear call.
type ClearResult struct {
	Settled   *uint256.Int
	Processed []uint64
	Dropped   []uint64
	Remaining *uint256.Int
	Completed bool
}

// AddOrder locks amount of the redeemer's stablecoin and opens an order priced
// at the supplied snapshot. The locked amount is burned once, when the order
// completes.
func (e *Engine) AddOrder(redeemer crypto.Address, amount *uint256.Int, prices collateral.Prices) (uint64, error) {
	if collateral.Or(amount).IsZero() {
		return 0, ErrInvalidAmount
	}
	var id uint64
	err := e.update(nativecommon.ModuleRedemption, func(s *session) error {
		if err := prices.Validate(s.params.Assets); err != nil {
			return err
		}
		if s.nowSeconds() < s.params.BootstrapUntil {
			return ErrBootstrapPeriod
		}
		if amount.Lt(collateral.U(s.params.MinRedemptionAmount)) {
			return ErrAmountTooSmall
		}
		book, err := s.loadBook()
		if err != nil {
			return err
		}
		slot := book.freeSlot()
		if slot < 0 {
			return ErrQueueFull
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		supply := new(uint256.Int)
		if sys.TotalDebt.Gt(book.Outstanding) {
			supply.Sub(sys.TotalDebt, book.Outstanding)
		}
		if amount.Gt(supply) {
			return ErrExceedsSupply
		}
		tcr, err := collateral.CollateralRatio(sys.TotalCollateral, sys.TotalDebt, s.params.Assets, prices)
		if err != nil {
			return err
		}
		if tcr < s.params.mcr() {
			return ErrSystemBelowMCR
		}
		if err := sys.BaseRate.RefreshRedemption(s.nowSeconds(), supply, amount); err != nil {
			return err
		}
		if err := s.transfer(redeemer, s.e.redemptionAccount, s.params.StablecoinSymbol, amount); err != nil {
			return err
		}
		if book.Outstanding, err = collateral.Add(book.Outstanding, amount); err != nil {
			return err
		}
		id = book.NextID
		book.NextID++
		book.Orders[slot] = Order{
			ID:          id,
			Status:      OrderActive,
			Redeemer:    redeemer,
			Requested:   collateral.Clone(amount),
			Remaining:   collateral.Clone(amount),
			Prices:      prices.Clone(),
			BaseRateBps: sys.BaseRate.Bps(),
			CreatedAt:   s.now,
			LastReset:   s.now,
		}
		s.emit(events.OrderAdded{
			OrderID:  id,
			Redeemer: redeemer,
			Amount:   collateral.Clone(amount),
			FeeBps:   fees.RedemptionFeeBps(sys.BaseRate.Bps()),
		})
		return nil
	})
	return id, err
}

func checkBatch(ids []uint64, max int) error {
	if len(ids) == 0 || len(ids) > max {
		return ErrBatchSize
	}
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return ErrDuplicateCandidate
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (s *session) order(id uint64) (*OrderBook, *Order, error) {
	book, err := s.loadBook()
	if err != nil {
		return nil, nil, err
	}
	slot := book.slotOf(id)
	if slot < 0 {
		return nil, nil, ErrUnknownOrder
	}
	return book, &book.Orders[slot], nil
}

// eligibleRatio returns the loan's ratio at the order's snapshot and whether the
// loan may be ranked at all.
func (s *session) eligibleRatio(loan *Loan, order *Order) (uint64, bool, error) {
	if loan.Status != LoanActive || loan.Debt.IsZero() {
		return 0, false, nil
	}
	ratio, err := collateral.CollateralRatio(loan.Collateral, loan.Debt, s.params.Assets, order.Prices)
	if err != nil {
		return 0, false, err
	}
	return ratio, ratio >= s.params.mcr(), nil
}

// Fill proposes loans for an order's candidate list. The list keeps the
// lowest-ratio loans seen so far; a full list admits a loan only when it ranks
// strictly better than the current worst entry.
func (e *Engine) Fill(filler crypto.Address, orderID uint64, loanIDs []uint64) (FillResult, error) {
	var res FillResult
	if err := checkBatch(loanIDs, e.params.MaxFillBatch); err != nil {
		return res, err
	}
	err := e.update(nativecommon.ModuleRedemption, func(s *session) error {
		res = FillResult{}
		_, order, err := s.order(orderID)
		if err != nil {
			return err
		}
		list := topk.From(s.params.MaxCandidates, lessCandidate, order.Candidates)
		for _, id := range loanIDs {
			loan, err := s.loan(id)
			if errors.Is(err, ErrUnknownLoan) {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			if err != nil {
				return err
			}
			ratio, ok, err := s.eligibleRatio(loan, order)
			if err != nil {
				return err
			}
			if !ok {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			if idx := list.IndexFunc(func(c Candidate) bool { return c.LoanID == id }); idx >= 0 {
				existing := list.At(idx)
				if existing.Ratio == ratio {
					res.Skipped = append(res.Skipped, id)
					continue
				}
				list.RemoveAt(idx)
				existing.Ratio = ratio
				list.Insert(existing)
				res.Reranked = append(res.Reranked, id)
				continue
			}
			evicted, didEvict, admitted := list.Insert(Candidate{LoanID: id, Filler: filler, Ratio: ratio})
			if !admitted {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			res.Admitted = append(res.Admitted, id)
			if didEvict {
				res.Evicted = append(res.Evicted, evicted.LoanID)
			}
		}
		if len(res.Admitted) == 0 && len(res.Reranked) == 0 {
			if list.Full() {
				return ErrNoImprovement
			}
			return nil
		}
		order.Candidates = list.Items()
		if order.Status == OrderActive && list.Len() > 0 {
			order.Status = OrderFilling
			order.LastReset = s.now
		}
		s.emit(events.OrderFilled{
			OrderID:  order.ID,
			Filler:   filler,
			Admitted: append([]uint64(nil), res.Admitted...),
			Evicted:  append([]uint64(nil), res.Evicted...),
		})
		return nil
	})
	if err != nil {
		return FillResult{}, err
	}
	return res, nil
}

// Clear settles ranked candidates once the settlement delay has passed since
// the order's last reset. The batch must name the first ranked loan and its
// filler; the walk stops at the first candidate the batch does not cover.
func (e *Engine) Clear(clearer crypto.Address, orderID uint64, loanIDs []uint64, fillers []crypto.Address) (ClearResult, error) {
	var res ClearResult
	if err := checkBatch(loanIDs, e.params.MaxClearLoans); err != nil {
		return res, err
	}
	if len(fillers) == 0 || len(fillers) > e.params.MaxClearFillers {
		return res, ErrBatchSize
	}
	for i := range fillers {
		for j := i + 1; j < len(fillers); j++ {
			if fillers[i].Equal(fillers[j]) {
				return res, ErrDuplicateCandidate
			}
		}
	}
	err := e.update(nativecommon.ModuleRedemption, func(s *session) error {
		res = ClearResult{Settled: new(uint256.Int)}
		book, order, err := s.order(orderID)
		if err != nil {
			return err
		}
		if s.now < order.LastReset+uint64(s.params.SettlementDelay.Milliseconds()) {
			return ErrTooEarly
		}
		if order.Status != OrderFilling || len(order.Candidates) == 0 {
			return ErrOrderNotFilling
		}
		loanSet := make(map[uint64]struct{}, len(loanIDs))
		for _, id := range loanIDs {
			loanSet[id] = struct{}{}
		}
		covered := func(c Candidate) bool {
			if _, ok := loanSet[c.LoanID]; !ok {
				return false
			}
			for _, f := range fillers {
				if f.Equal(c.Filler) {
					return true
				}
			}
			return false
		}
		if !covered(order.Candidates[0]) {
			return ErrBatchMismatch
		}

		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		feeBps := fees.RedemptionFeeBps(order.BaseRateBps)
		stakersBps := feeBps - s.params.RedemptionFillerBps - s.params.RedemptionClearerBps

		for len(order.Candidates) > 0 && !order.Remaining.IsZero() {
			cand := order.Candidates[0]
			if !covered(cand) {
				break
			}
			order.Candidates = order.Candidates[1:]
			loan, err := s.loan(cand.LoanID)
			if err != nil && !errors.Is(err, ErrUnknownLoan) {
				return err
			}
			stale := err != nil
			if !stale {
				ratio, ok, err := s.eligibleRatio(loan, order)
				if err != nil {
					return err
				}
				stale = !ok || ratio != cand.Ratio
			}
			if stale {
				res.Dropped = append(res.Dropped, cand.LoanID)
				continue
			}
			redeemed, err := s.redeemLoan(sys, book, order, loan, cand, clearer, stakersBps)
			if err != nil {
				return err
			}
			if res.Settled, err = collateral.Add(res.Settled, redeemed); err != nil {
				return err
			}
			res.Processed = append(res.Processed, cand.LoanID)
		}
		order.Candidates = append([]Candidate(nil), order.Candidates...)
		res.Remaining = collateral.Clone(order.Remaining)
		s.emit(events.OrderCleared{
			OrderID:   order.ID,
			Clearer:   clearer,
			Settled:   collateral.Clone(res.Settled),
			Remaining: collateral.Clone(order.Remaining),
			Dropped:   len(res.Dropped),
		})

		switch {
		case order.Remaining.IsZero():
			if err := s.burn(s.e.redemptionAccount, s.params.StablecoinSymbol, order.Requested); err != nil {
				return err
			}
			s.emit(events.OrderClosed{OrderID: order.ID, Redeemer: order.Redeemer, Burned: collateral.Clone(order.Requested)})
			*order = Order{}
			res.Completed = true
		case len(order.Candidates) == 0:
			order.Status = OrderActive
		}
		return nil
	})
	if err != nil {
		return ClearResult{}, err
	}
	return res, nil
}

// redeemLoan settles min(remaining, debt) against one loan at the order's price
// snapshot and splits the collateral taken between the parties.
func (s *session) redeemLoan(sys *System, book *OrderBook, order *Order, loan *Loan, cand Candidate, clearer crypto.Address, stakersBps uint64) (*uint256.Int, error) {
	redeem := collateral.Min(order.Remaining, loan.Debt)
	value, err := collateral.Value(loan.Collateral, s.params.Assets, order.Prices)
	if err != nil {
		return nil, err
	}
	taken, err := loan.Collateral.MulDiv(redeem, value)
	if err != nil {
		return nil, err
	}
	fillerShare, err := taken.MulBps(s.params.RedemptionFillerBps)
	if err != nil {
		return nil, err
	}
	clearerShare, err := taken.MulBps(s.params.RedemptionClearerBps)
	if err != nil {
		return nil, err
	}
	stakersShare, err := taken.MulBps(stakersBps)
	if err != nil {
		return nil, err
	}
	redeemerShare, err := taken.Sub(fillerShare)
	if err == nil {
		redeemerShare, err = redeemerShare.Sub(clearerShare)
	}
	if err == nil {
		redeemerShare, err = redeemerShare.Sub(stakersShare)
	}
	if err != nil {
		return nil, err
	}

	if loan.Collateral, err = loan.Collateral.Sub(taken); err != nil {
		return nil, err
	}
	if loan.Debt, err = collateral.Sub(loan.Debt, redeem); err != nil {
		return nil, err
	}
	if sys.TotalCollateral, err = sys.TotalCollateral.Sub(taken); err != nil {
		return nil, err
	}
	if sys.TotalDebt, err = collateral.Sub(sys.TotalDebt, redeem); err != nil {
		return nil, err
	}
	if err := s.shareRedemptionFee(sys, stakersShare); err != nil {
		return nil, err
	}
	if order.Remaining, err = collateral.Sub(order.Remaining, redeem); err != nil {
		return nil, err
	}
	if book.Outstanding, err = collateral.Sub(book.Outstanding, redeem); err != nil {
		return nil, err
	}

	closed := loan.Debt.IsZero()
	if closed {
		if sys.TotalCollateral, err = sys.TotalCollateral.Sub(loan.Collateral); err != nil {
			return nil, err
		}
		if loan.Inactive, err = loan.Inactive.Add(loan.Collateral); err != nil {
			return nil, err
		}
		loan.Collateral = collateral.NewAmounts(s.params.width())
		loan.Status = LoanInactive
		sys.ActiveLoans--
	}
	if err := s.creditInactive(order.Redeemer, redeemerShare); err != nil {
		return nil, err
	}
	if err := s.creditInactive(cand.Filler, fillerShare); err != nil {
		return nil, err
	}
	if err := s.creditInactive(clearer, clearerShare); err != nil {
		return nil, err
	}
	s.emit(events.OrderRedeemed{
		OrderID:    order.ID,
		LoanID:     loan.ID,
		Debt:       collateral.Clone(redeem),
		Redeemer:   redeemerShare,
		Filler:     fillerShare,
		Clearer:    clearerShare,
		Stakers:    stakersShare,
		LoanClosed: closed,
	})
	return redeem, nil
}

// CancelOrder returns the locked stablecoin of an order nothing has been
// settled against and frees its slot.
func (e *Engine) CancelOrder(caller crypto.Address, orderID uint64) error {
	return e.update(nativecommon.ModuleRedemption, func(s *session) error {
		book, order, err := s.order(orderID)
		if err != nil {
			return err
		}
		if !order.Redeemer.Equal(caller) {
			return ErrUnauthorized
		}
		if !order.Remaining.Eq(order.Requested) {
			return ErrOrderInProgress
		}
		if err := s.transfer(s.e.redemptionAccount, order.Redeemer, s.params.StablecoinSymbol, order.Requested); err != nil {
			return err
		}
		if book.Outstanding, err = collateral.Sub(book.Outstanding, order.Requested); err != nil {
			return err
		}
		s.emit(events.OrderCancelled{OrderID: order.ID, Redeemer: order.Redeemer, Refunded: collateral.Clone(order.Requested)})
		*order = Order{}
		return nil
	})
}
