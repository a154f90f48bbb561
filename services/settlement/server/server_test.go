package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"settlecore/core/events"
	"settlecore/core/state"
	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
	telemetry "settlecore/observability/otel"
	"settlecore/services/settlement/middleware"
	"settlecore/storage"
)

type testEnv struct {
	t       *testing.T
	engine  *cdp.Engine
	clock   *clockwork.FakeClock
	buffer  *events.Buffer
	reader  *sdkmetric.ManualReader
	handler http.Handler
}

func account(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	raw[crypto.AddressLength-1] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func newTestEnv(t *testing.T, quotas map[string]*nativecommon.QuotaTracker) *testEnv {
	t.Helper()
	params := cdp.DefaultParams()
	params.Assets = []collateral.Asset{{Symbol: "SOL", Decimals: 9}, {Symbol: "ETH", Decimals: 8}}
	engine, err := cdp.NewEngine(params)
	require.NoError(t, err)
	store, err := state.NewSettlementStore(storage.NewMemDB())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	buffer := events.NewBuffer(64)
	engine.SetStore(store)
	engine.SetClock(clock)
	engine.SetEmitter(buffer)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	srv := New(Config{
		Meter:         telemetry.NewOperationMetrics(provider.Meter("settlecore-test")),
		Engine:        engine,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{}, logger, registry),
		Gatherer:      registry,
		Buffer:        buffer,
		Quotas:        quotas,
		Clock:         clock,
		Logger:        logger,
		DevFaucet:     true,
	})
	return &testEnv{t: t, engine: engine, clock: clock, buffer: buffer, reader: reader, handler: srv.Handler()}
}

func (e *testEnv) do(method, path string, caller *crypto.Address, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != nil {
		req.Header.Set(middleware.CallerHeader, caller.String())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

var testPrices = []PriceInput{{Value: 100}, {Value: 2000}}

// openLoan funds owner with 100 SOL and borrows 3,000 stablecoin against it.
func (e *testEnv) openLoan(owner crypto.Address) loanView {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/dev/mint", nil, mintRequest{Owner: owner.String(), Asset: "SOL", Amount: "100"})
	require.Equal(e.t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = e.do(http.MethodPost, "/v1/loans/deposit", &owner, assetAmountRequest{Asset: "SOL", Amount: "100"})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodPost, "/v1/loans/borrow", &owner, pricedAmountRequest{Amount: "3000", Prices: testPrices})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var fee map[string]Amount
	decode(e.t, rec, &fee)
	require.Equal(e.t, Amount("15"), fee["fee"])

	loan, err := e.engine.LoanByOwner(owner)
	require.NoError(e.t, err)
	require.NotNil(e.t, loan)
	return toLoanView(loan, e.engine.Params().Assets)
}

func TestRedemptionRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, bob, filler, clearer := account(0x01), account(0x02), account(0x03), account(0x04)
	env.openLoan(alice)
	bobLoan := env.openLoan(bob)
	require.Equal(t, Amount("3015"), bobLoan.Debt)
	require.Equal(t, Amount("100"), bobLoan.Collateral["SOL"])

	rec := env.do(http.MethodPost, "/v1/orders", &alice, addOrderRequest{Amount: "2000", Prices: testPrices})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]uint64
	decode(t, rec, &created)
	orderID := created["orderId"]
	require.NotZero(t, orderID)

	path := "/v1/orders/" + itoa(orderID)
	rec = env.do(http.MethodPost, path+"/fill", &filler, fillRequest{LoanIDs: []uint64{bobLoan.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fill map[string][]uint64
	decode(t, rec, &fill)
	require.Equal(t, []uint64{bobLoan.ID}, fill["admitted"])

	rec = env.do(http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var order orderView
	decode(t, rec, &order)
	require.Equal(t, "filling", order.Status)
	require.Len(t, order.Candidates, 1)
	require.Equal(t, filler.String(), order.Candidates[0].Filler)

	clearReq := clearRequest{LoanIDs: []uint64{bobLoan.ID}, Fillers: []string{filler.String()}}
	rec = env.do(http.MethodPost, path+"/clear", &clearer, clearReq)
	require.Equal(t, http.StatusTooEarly, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))

	env.clock.Advance(5 * time.Second)
	rec = env.do(http.MethodPost, path+"/clear", &clearer, clearReq)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cleared struct {
		Settled   Amount   `json:"settled"`
		Remaining Amount   `json:"remaining"`
		Processed []uint64 `json:"processed"`
		Completed bool     `json:"completed"`
	}
	decode(t, rec, &cleared)
	require.True(t, cleared.Completed)
	require.Equal(t, Amount("2000"), cleared.Settled)
	require.Equal(t, Amount("0"), cleared.Remaining)
	require.Equal(t, []uint64{bobLoan.ID}, cleared.Processed)

	rec = env.do(http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/v1/loans/"+itoa(bobLoan.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var redeemed loanView
	decode(t, rec, &redeemed)
	require.Equal(t, Amount("1015"), redeemed.Debt)

	rec = env.do(http.MethodGet, "/v1/events?limit=100", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var feed struct {
		Events []events.Record `json:"events"`
	}
	decode(t, rec, &feed)
	seen := make(map[string]bool)
	for _, ev := range feed.Events {
		seen[ev.Event.Type] = true
	}
	require.True(t, seen[events.TypeOrderAdded])
	require.True(t, seen[events.TypeOrderCleared])
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := account(0x01)
	env.openLoan(alice)

	rec := env.do(http.MethodPost, "/v1/orders", nil, addOrderRequest{Amount: "2000", Prices: testPrices})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/v1/orders", &alice, addOrderRequest{Amount: "abc", Prices: testPrices})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]apiError
	decode(t, rec, &body)
	require.Equal(t, "request", body["error"].Class)
	require.NotEmpty(t, body["error"].RequestID)

	rec = env.do(http.MethodPost, "/v1/orders", &alice, addOrderRequest{Amount: "10", Prices: testPrices})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodGet, "/v1/orders/99", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/v1/orders/nope", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/stability/withdraw", &alice, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.engine.SetPauses(nativecommon.StaticPauses{nativecommon.ModuleRedemption: true})
	rec = env.do(http.MethodPost, "/v1/orders", &alice, addOrderRequest{Amount: "2000", Prices: testPrices})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decode(t, rec, &body)
	require.Equal(t, "paused", body["error"].Class)
}

func TestQuotaRejectsSecondOrder(t *testing.T) {
	quotas := map[string]*nativecommon.QuotaTracker{
		nativecommon.ModuleRedemption: nativecommon.NewQuotaTracker(nativecommon.ModuleRedemption, nativecommon.Quota{MaxRequestsPerEpoch: 1}),
	}
	env := newTestEnv(t, quotas)
	alice, bob := account(0x01), account(0x02)
	env.openLoan(alice)
	env.openLoan(bob)

	rec := env.do(http.MethodPost, "/v1/orders", &alice, addOrderRequest{Amount: "2000", Prices: testPrices})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/orders", &alice, addOrderRequest{Amount: "2000", Prices: testPrices})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.do(http.MethodPost, "/v1/orders", &bob, addOrderRequest{Amount: "2000", Prices: testPrices})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestStabilityAndQueries(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := account(0x01)
	env.openLoan(alice)

	rec := env.do(http.MethodPost, "/v1/stability/provide", &alice, amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/stability/providers/"+alice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var provider providerView
	decode(t, rec, &provider)
	require.Equal(t, Amount("1000"), provider.Deposit)

	rec = env.do(http.MethodGet, "/v1/stability", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pool poolView
	decode(t, rec, &pool)
	require.Equal(t, Amount("1000"), pool.Deposits)
	require.Empty(t, pool.PendingAssets)

	rec = env.do(http.MethodGet, "/v1/accounts/"+alice.String()+"/balances", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances struct {
		Balances map[string]Amount `json:"balances"`
	}
	decode(t, rec, &balances)
	require.Equal(t, Amount("2000"), balances.Balances["USDS"])

	rec = env.do(http.MethodGet, "/v1/system", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sys systemView
	decode(t, rec, &sys)
	require.Equal(t, uint64(1), sys.ActiveLoans)
	require.Equal(t, Amount("3015"), sys.TotalDebt)
	require.Equal(t, Amount("100"), sys.TotalCollateral["SOL"])

	rec = env.do(http.MethodGet, "/v1/loans?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Loans []loanView `json:"loans"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Loans, 1)
	require.Equal(t, alice.String(), list.Loans[0].Owner)

	rec = env.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStakingRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, bob := account(0x01), account(0x02)

	rec := env.do(http.MethodPost, "/v1/dev/mint", nil, mintRequest{Owner: bob.String(), Asset: "STL", Amount: "100"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/staking/stake", &bob, amountRequest{Amount: "100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var staked stakeResultView
	decode(t, rec, &staked)
	require.Equal(t, Amount("100"), staked.Stake)

	// 85% of the 15 USDS borrowing fee goes to bob.
	env.openLoan(alice)
	rec = env.do(http.MethodGet, "/v1/staking/stakers/"+bob.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var staker stakerView
	decode(t, rec, &staker)
	require.Equal(t, Amount("12.75"), staker.Pending["USDS"])
	require.Equal(t, Amount("0"), staker.Pending["SOL"])

	rec = env.do(http.MethodGet, "/v1/staking", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pool stakingPoolView
	decode(t, rec, &pool)
	require.Equal(t, uint64(1), pool.Stakers)
	require.Equal(t, Amount("100"), pool.TotalStake)

	rec = env.do(http.MethodPost, "/v1/staking/harvest", &bob, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var harvested struct {
		Rewards map[string]Amount `json:"rewards"`
	}
	decode(t, rec, &harvested)
	require.Equal(t, Amount("12.75"), harvested.Rewards["USDS"])

	rec = env.do(http.MethodPost, "/v1/staking/harvest", &bob, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/staking/unstake", &bob, map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var unstaked stakeResultView
	decode(t, rec, &unstaked)
	require.Equal(t, Amount("100"), unstaked.Change)
	require.Equal(t, Amount("0"), unstaked.Stake)

	rec = env.do(http.MethodPost, "/v1/staking/unstake", &alice, map[string]string{})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestOperationsExportedOverOTLP(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := account(0x01)
	env.openLoan(alice)
	rec := env.do(http.MethodPost, "/v1/loans/borrow", &alice, pricedAmountRequest{Amount: "1000000", Prices: testPrices})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var rm metricdata.ResourceMetrics
	require.NoError(t, env.reader.Collect(context.Background(), &rm))
	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "settlecore.cdp.operations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("operation"))
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				counts[op.AsString()+"/"+outcome.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, int64(1), counts["borrow/ok"])
	require.Equal(t, int64(1), counts["borrow/state"])
	require.Equal(t, int64(1), counts["deposit/ok"])
}

func TestAmountConversion(t *testing.T) {
	v, err := Amount("2000.5").toBase(6)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_500_000), v.Uint64())
	require.Equal(t, Amount("2000.5"), formatAmount(v, 6))

	_, err = Amount("0.0000001").toBase(6)
	require.Error(t, err)
	_, err = Amount("-1").toBase(6)
	require.Error(t, err)
	_, err = Amount("").toBase(6)
	require.Error(t, err)

	v, err = Amount("2e3").toBase(6)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000_000), v.Uint64())
}

func TestAmountRejectsHugeExponents(t *testing.T) {
	start := time.Now()
	for _, raw := range []string{
		"1e20000000",
		"1e-20000000",
		"9e72",
		strings.Repeat("9", 79),
		"0." + strings.Repeat("0", 90) + "1",
	} {
		_, err := Amount(raw).toBase(6)
		require.Error(t, err, raw)
	}
	require.Less(t, time.Since(start), time.Second)

	v, err := Amount("1e60").toBase(6)
	require.NoError(t, err)
	require.Equal(t, "1"+strings.Repeat("0", 66), v.Dec())
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }
