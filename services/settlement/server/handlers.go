package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
	"settlecore/services/settlement/history"
	"settlecore/services/settlement/middleware"
)

const maxBodyBytes = 1 << 16

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func pathID(r *http.Request, name string) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s", name)
	}
	return id, nil
}

func pathAddress(r *http.Request) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		return crypto.Address{}, badRequest("invalid address")
	}
	return addr, nil
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s", key)
	}
	return v, nil
}

// caller returns the authenticated caller or writes 401.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		http.Error(w, "caller identity required", http.StatusUnauthorized)
		return crypto.Address{}, false
	}
	return caller, true
}

func (s *Server) stable(a Amount) (*uint256.Int, error) {
	v, err := a.toBase(collateral.StablecoinDecimals)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return v, nil
}

func (s *Server) assetAmount(symbol string, a Amount) (*uint256.Int, error) {
	v, err := a.toBase(decimalsOf(s.params, symbol))
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return v, nil
}

func (s *Server) handleAddOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req addOrderRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.stable(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.consume(nativecommon.ModuleRedemption, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	var id uint64
	err = s.observe(r.Context(), "add_order", func() (err error) {
		id, err = s.engine.AddOrder(caller, amount, toPrices(req.Prices))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"orderId": id})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.Orders()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderView(&orders[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.engine.Order(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(order))
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fillRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var result cdp.FillResult
	err = s.observe(r.Context(), "fill", func() (err error) {
		result, err = s.engine.Fill(caller, id, req.LoanIDs)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{
		"admitted": nonNil(result.Admitted),
		"evicted":  nonNil(result.Evicted),
		"reranked": nonNil(result.Reranked),
		"skipped":  nonNil(result.Skipped),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req clearRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	fillers, err := parseAddresses(req.Fillers)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	var result cdp.ClearResult
	err = s.observe(r.Context(), "clear", func() (err error) {
		result, err = s.engine.Clear(caller, id, req.LoanIDs, fillers)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settled":   formatAmount(result.Settled, collateral.StablecoinDecimals),
		"remaining": formatAmount(result.Remaining, collateral.StablecoinDecimals),
		"processed": nonNil(result.Processed),
		"dropped":   nonNil(result.Dropped),
		"completed": result.Completed,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.observe(r.Context(), "cancel_order", func() error {
		return s.engine.CancelOrder(caller, id)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == 0 || limit > 200 {
		limit = 50
	}
	loans, err := s.engine.Loans(after, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]loanView, 0, len(loans))
	for i := range loans {
		out = append(out, toLoanView(&loans[i], s.params.Assets))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loans": out})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Loan(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanView(loan, s.params.Assets))
}

func (s *Server) writeOwnLoan(w http.ResponseWriter, r *http.Request, owner crypto.Address, status int) {
	loan, err := s.engine.LoanByOwner(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if loan == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, status, toLoanView(loan, s.params.Assets))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req assetAmountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.assetAmount(req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.consume(nativecommon.ModuleLoans, caller, nil); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.observe(r.Context(), "deposit", func() error {
		_, err := s.engine.Deposit(caller, req.Asset, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOwnLoan(w, r, caller, http.StatusOK)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req pricedAmountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.stable(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.consume(nativecommon.ModuleLoans, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	var fee *uint256.Int
	if err := s.observe(r.Context(), "borrow", func() (err error) {
		fee, err = s.engine.Borrow(caller, amount, toPrices(req.Prices))
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]Amount{"fee": formatAmount(fee, collateral.StablecoinDecimals)})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.stable(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var paid *uint256.Int
	if err := s.observe(r.Context(), "repay", func() (err error) {
		paid, err = s.engine.Repay(caller, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]Amount{"repaid": formatAmount(paid, collateral.StablecoinDecimals)})
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req assetAmountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.assetAmount(req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.observe(r.Context(), "withdraw_collateral", func() error {
		return s.engine.WithdrawCollateral(caller, req.Asset, amount, toPrices(req.Prices))
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOwnLoan(w, r, caller, http.StatusOK)
}

func (s *Server) handleWithdrawInactive(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req assetAmountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var amount *uint256.Int
	if strings.TrimSpace(string(req.Amount)) != "" {
		var err error
		if amount, err = s.assetAmount(req.Asset, req.Amount); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var paid *uint256.Int
	if err := s.observe(r.Context(), "withdraw_inactive", func() (err error) {
		paid, err = s.engine.WithdrawInactive(caller, req.Asset, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]Amount{"withdrawn": formatAmount(paid, decimalsOf(s.params, req.Asset))})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.observe(r.Context(), "close", func() error {
		return s.engine.Close(caller)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req pricesRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var result cdp.LiquidationResult
	if err := s.observe(r.Context(), "liquidate", func() (err error) {
		result, err = s.engine.Liquidate(caller, id, toPrices(req.Prices))
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"debt":       formatAmount(result.Debt, collateral.StablecoinDecimals),
		"collateral": formatAmounts(result.Collateral, s.params.Assets),
		"reserve":    formatAmounts(result.Reserve, s.params.Assets),
		"newEpoch":   result.NewEpoch,
		"newScale":   result.NewScale,
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.Pool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.LedgerSnapshot()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolView(pool, snap.Epoch, snap.Scale, snap.Product, s.params.Assets))
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.engine.Provider(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderView(view, s.params))
}

func (s *Server) handleProvide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.stable(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.consume(nativecommon.ModuleStability, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	var deposit *uint256.Int
	if err := s.observe(r.Context(), "provide", func() (err error) {
		deposit, err = s.engine.Provide(caller, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]Amount{"deposit": formatAmount(deposit, collateral.StablecoinDecimals)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.stable(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var paid *uint256.Int
	if err := s.observe(r.Context(), "withdraw", func() (err error) {
		paid, err = s.engine.Withdraw(caller, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]Amount{"withdrawn": formatAmount(paid, collateral.StablecoinDecimals)})
}

func (s *Server) handleClearGains(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")
	var reward *uint256.Int
	if err := s.observe(r.Context(), "clear_gains", func() (err error) {
		reward, err = s.engine.ClearLiquidationGains(caller, asset)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]Amount{"reward": formatAmount(reward, decimalsOf(s.params, asset))})
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	asset := chi.URLParam(r, "asset")
	var result cdp.HarvestResult
	if err := s.observe(r.Context(), "harvest", func() (err error) {
		result, err = s.engine.Harvest(caller, asset)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":    result.Asset,
		"amount":   formatAmount(result.Amount, decimalsOf(s.params, result.Asset)),
		"emission": formatAmount(result.Emission, collateral.StablecoinDecimals),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var swept collateral.Amounts
	if err := s.observe(r.Context(), "sweep_staking_fees", func() (err error) {
		swept, err = s.engine.WithdrawStakingFees(caller)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"swept": formatAmounts(swept, s.params.Assets)})
}

func (s *Server) handleStakingPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.engine.StakingPool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStakingPoolView(pool, s.params))
}

func (s *Server) handleStaker(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.engine.Staker(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stakerView{
		Owner:   view.Owner.String(),
		Stake:   formatAmount(view.Stake, collateral.StablecoinDecimals),
		Pending: formatRewards(view.Pending, s.params),
	})
}

// handleStake takes the amount in whole emission tokens.
func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.stable(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.consume(nativecommon.ModuleStaking, caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	var res cdp.StakeResult
	if err := s.observe(r.Context(), "stake", func() (err error) {
		res, err = s.engine.Stake(caller, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStakeResultView(res, s.params))
}

// handleUnstake unstakes everything when the amount is omitted.
func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var amount *uint256.Int
	if req.Amount != "" {
		var err error
		if amount, err = s.stable(req.Amount); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var res cdp.StakeResult
	if err := s.observe(r.Context(), "unstake", func() (err error) {
		res, err = s.engine.Unstake(caller, amount)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStakeResultView(res, s.params))
}

func (s *Server) handleHarvestStaking(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var reward collateral.Amounts
	if err := s.observe(r.Context(), "harvest_staking", func() (err error) {
		reward, err = s.engine.HarvestStakingReward(caller)
		return err
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rewards": formatRewards(reward, s.params)})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	sys, err := s.engine.System()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outstanding, err := s.engine.Outstanding()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, systemView{
		NextLoanID:      sys.NextLoanID,
		ActiveLoans:     sys.ActiveLoans,
		TotalDebt:       formatAmount(sys.TotalDebt, collateral.StablecoinDecimals),
		TotalCollateral: formatAmounts(sys.TotalCollateral, s.params.Assets),
		BaseRateBps:     sys.BaseRate.Bps(),
		StakingFees:     formatAmounts(sys.StakingFees, s.params.Assets),
		Outstanding:     formatAmount(outstanding, collateral.StablecoinDecimals),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balances, err := s.engine.Balances(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make(map[string]Amount, len(balances))
	for symbol, amount := range balances {
		out[symbol] = formatAmount(amount, decimalsOf(s.params, symbol))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"owner": owner.String(), "balances": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Archive != nil {
		records, err := s.cfg.Archive.List(r.Context(), history.Query{
			After: after,
			Limit: int(limit),
			Type:  r.URL.Query().Get("type"),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := make([]map[string]interface{}, 0, len(records))
		for _, rec := range records {
			ev, err := rec.Event()
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			out = append(out, map[string]interface{}{
				"seq":         rec.Seq,
				"event":       ev,
				"fingerprint": rec.Fingerprint,
				"createdAt":   rec.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.cfg.Buffer.Since(after, int(limit))})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := crypto.DecodeAddress(req.Owner)
	if err != nil {
		s.writeError(w, r, badRequest("invalid owner"))
		return
	}
	amount, err := s.assetAmount(req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.observe(r.Context(), "mint", func() error {
		return s.engine.Mint(owner, req.Asset, amount)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}
