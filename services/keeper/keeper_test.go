package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"settlecore/core/state"
	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	"settlecore/storage"
)

func account(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	raw[crypto.AddressLength-1] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func usd(n uint64) *uint256.Int { return uint256.NewInt(n * collateral.StablecoinFactor) }

func sol(n uint64) *uint256.Int { return uint256.NewInt(n * 1_000_000_000) }

var prices = collateral.Prices{{Value: 100}, {Value: 2000}}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEngine(t *testing.T) (*cdp.Engine, *clockwork.FakeClock) {
	t.Helper()
	params := cdp.DefaultParams()
	params.Assets = []collateral.Asset{{Symbol: "SOL", Decimals: 9}, {Symbol: "ETH", Decimals: 8}}
	engine, err := cdp.NewEngine(params)
	require.NoError(t, err)
	store, err := state.NewSettlementStore(storage.NewMemDB())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	engine.SetStore(store)
	engine.SetClock(clock)
	return engine, clock
}

func openLoan(t *testing.T, engine *cdp.Engine, owner crypto.Address, coll, debt *uint256.Int) uint64 {
	t.Helper()
	require.NoError(t, engine.Mint(owner, "SOL", coll))
	id, err := engine.Deposit(owner, "SOL", coll)
	require.NoError(t, err)
	_, err = engine.Borrow(owner, debt, prices)
	require.NoError(t, err)
	return id
}

func TestTickFillsThenClears(t *testing.T) {
	engine, clock := newEngine(t)
	alice, bob, operator := account(0x01), account(0x02), account(0x0F)
	aliceLoan := openLoan(t, engine, alice, sol(100), usd(3_000))
	bobLoan := openLoan(t, engine, bob, sol(50), usd(3_000))

	orderID, err := engine.AddOrder(alice, usd(2_000), prices)
	require.NoError(t, err)

	k, err := New(engine, Config{Operator: operator}, WithClock(clock), WithLogger(quietLogger()))
	require.NoError(t, err)

	report, err := k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Orders: 1, Admitted: 2}, report)

	order, err := engine.Order(orderID)
	require.NoError(t, err)
	require.Equal(t, cdp.OrderFilling, order.Status)
	require.Len(t, order.Candidates, 2)
	require.Equal(t, bobLoan, order.Candidates[0].LoanID)
	require.Equal(t, aliceLoan, order.Candidates[1].LoanID)
	require.True(t, order.Candidates[0].Filler.Equal(operator))

	report, err = k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Orders: 1}, report)

	clock.Advance(5 * time.Second)
	report, err = k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Orders: 1, Clears: 1, Completed: 1}, report)

	orders, err := engine.Orders()
	require.NoError(t, err)
	require.Empty(t, orders)
	loan, err := engine.Loan(bobLoan)
	require.NoError(t, err)
	require.True(t, loan.Debt.Eq(usd(1_015)), "debt %s", loan.Debt)
}

func TestTickIgnoresEmptyBook(t *testing.T) {
	engine, clock := newEngine(t)
	k, err := New(engine, Config{Operator: account(0x0F)}, WithClock(clock), WithLogger(quietLogger()))
	require.NoError(t, err)
	report, err := k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
}

type scriptedEngine struct {
	params cdp.Params
	errs   []error
	calls  int
}

func (s *scriptedEngine) Params() cdp.Params                    { return s.params }
func (s *scriptedEngine) Orders() ([]cdp.Order, error)          { return nil, nil }
func (s *scriptedEngine) Loans(uint64, int) ([]cdp.Loan, error) { return nil, nil }

func (s *scriptedEngine) Fill(crypto.Address, uint64, []uint64) (cdp.FillResult, error) {
	return cdp.FillResult{}, nil
}

func (s *scriptedEngine) Clear(crypto.Address, uint64, []uint64, []crypto.Address) (cdp.ClearResult, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return cdp.ClearResult{}, err
		}
	}
	return cdp.ClearResult{Completed: true}, nil
}

func TestClearWithRetryBacksOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	eng := &scriptedEngine{params: cdp.DefaultParams(), errs: []error{cdp.ErrTooEarly, cdp.ErrQueueFull}}
	k, err := New(eng, Config{Operator: account(0x0F), BaseBackoff: time.Second, MaxBackoff: 1500 * time.Millisecond},
		WithClock(clock), WithLogger(quietLogger()))
	require.NoError(t, err)

	type outcome struct {
		res cdp.ClearResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := k.ClearWithRetry(context.Background(), 1, []uint64{2}, []crypto.Address{account(0x03)})
		done <- outcome{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(1500 * time.Millisecond)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.True(t, got.res.Completed)
	case <-ctx.Done():
		t.Fatal("retry loop did not finish")
	}
	require.Equal(t, 3, eng.calls)
}

func TestClearWithRetryStopsOnFatalError(t *testing.T) {
	eng := &scriptedEngine{params: cdp.DefaultParams(), errs: []error{cdp.ErrBatchMismatch}}
	k, err := New(eng, Config{Operator: account(0x0F)}, WithClock(clockwork.NewFakeClock()), WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = k.ClearWithRetry(context.Background(), 1, []uint64{2}, []crypto.Address{account(0x03)})
	require.True(t, errors.Is(err, cdp.ErrBatchMismatch))
	require.Equal(t, 1, eng.calls)
}

func TestClearWithRetryGivesUp(t *testing.T) {
	eng := &scriptedEngine{params: cdp.DefaultParams(), errs: []error{cdp.ErrTooEarly}}
	k, err := New(eng, Config{Operator: account(0x0F), MaxAttempts: 1}, WithClock(clockwork.NewFakeClock()), WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = k.ClearWithRetry(context.Background(), 1, []uint64{2}, []crypto.Address{account(0x03)})
	require.True(t, errors.Is(err, cdp.ErrTooEarly))
	require.True(t, cdp.Retryable(err))
}

func TestClearBatchRespectsLimits(t *testing.T) {
	a, b := account(0x0A), account(0x0B)
	candidates := []cdp.Candidate{
		{LoanID: 1, Filler: a},
		{LoanID: 2, Filler: a},
		{LoanID: 3, Filler: b},
		{LoanID: 4, Filler: a},
	}
	ids, fillers := clearBatch(candidates, 5, 1)
	require.Equal(t, []uint64{1, 2}, ids)
	require.Len(t, fillers, 1)

	ids, fillers = clearBatch(candidates, 3, 2)
	require.Equal(t, []uint64{1, 2, 3}, ids)
	require.Len(t, fillers, 2)
}

func TestNewRequiresOperator(t *testing.T) {
	_, err := New(&scriptedEngine{params: cdp.DefaultParams()}, Config{})
	require.Error(t, err)
}
