package cdp

import (
	"bytes"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"settlecore/crypto"
	"settlecore/native/collateral"
	"settlecore/native/distribution"
	"settlecore/native/staking"
)

type memStore struct {
	system    *System
	book      *OrderBook
	pool      *StabilityPool
	ledger    *distribution.Ledger
	loans     map[uint64]*Loan
	loanIDs   map[string]uint64
	providers map[string]*Provider
	staking   *staking.Pool
	stakers   map[string]*Staker
	balances  map[string]*uint256.Int
	commits   int
}

func newMemStore() *memStore {
	return &memStore{
		loans:     make(map[uint64]*Loan),
		loanIDs:   make(map[string]uint64),
		providers: make(map[string]*Provider),
		stakers:   make(map[string]*Staker),
		balances:  make(map[string]*uint256.Int),
	}
}

func balanceKeyOf(owner crypto.Address, symbol string) string {
	return owner.Key() + "/" + strings.ToUpper(symbol)
}

func (m *memStore) Begin() (Tx, error) {
	return &memTx{
		store:     m,
		loans:     make(map[uint64]*Loan),
		loanIDs:   make(map[string]uint64),
		providers: make(map[string]*Provider),
		stakers:   make(map[string]*Staker),
		balances:  make(map[string]*uint256.Int),
	}, nil
}

// fingerprint encodes every committed record in key order.
func (m *memStore) fingerprint(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	write := func(v interface{}) {
		enc, err := rlp.EncodeToBytes(v)
		if err != nil {
			t.Fatalf("encode %T: %v", v, err)
		}
		buf.Write(enc)
	}
	if m.system != nil {
		write(m.system)
	}
	if m.book != nil {
		write(m.book)
	}
	if m.pool != nil {
		write(m.pool)
	}
	if m.ledger != nil {
		write(m.ledger)
	}
	ids := make([]uint64, 0, len(m.loans))
	for id := range m.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		write(m.loans[id])
	}
	for _, key := range sortedKeys(m.providers) {
		write(m.providers[key])
	}
	if m.staking != nil {
		write(m.staking)
	}
	for _, key := range sortedKeys(m.stakers) {
		write(m.stakers[key])
	}
	for _, key := range sortedKeys(m.balances) {
		buf.WriteString(key)
		write(m.balances[key])
	}
	return buf.Bytes()
}

func sortedKeys[V any](in map[string]V) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type memTx struct {
	store     *memStore
	system    *System
	book      *OrderBook
	pool      *StabilityPool
	ledger    *distribution.Ledger
	loans     map[uint64]*Loan
	loanIDs   map[string]uint64
	providers map[string]*Provider
	staking   *staking.Pool
	stakers   map[string]*Staker
	balances  map[string]*uint256.Int
	done      bool
}

func (tx *memTx) GetSystem() (*System, error) {
	if tx.system != nil {
		return tx.system.Clone(), nil
	}
	return tx.store.system.Clone(), nil
}

func (tx *memTx) PutSystem(s *System) error { tx.system = s.Clone(); return nil }

func (tx *memTx) GetLoan(id uint64) (*Loan, error) {
	if loan, ok := tx.loans[id]; ok {
		return loan.Clone(), nil
	}
	return tx.store.loans[id].Clone(), nil
}

func (tx *memTx) PutLoan(loan *Loan) error { tx.loans[loan.ID] = loan.Clone(); return nil }

func (tx *memTx) GetLoanID(owner crypto.Address) (uint64, bool, error) {
	if id, ok := tx.loanIDs[owner.Key()]; ok {
		return id, true, nil
	}
	id, ok := tx.store.loanIDs[owner.Key()]
	return id, ok, nil
}

func (tx *memTx) PutLoanID(owner crypto.Address, id uint64) error {
	tx.loanIDs[owner.Key()] = id
	return nil
}

func (tx *memTx) GetOrderBook() (*OrderBook, error) {
	if tx.book != nil {
		return tx.book.Clone(), nil
	}
	return tx.store.book.Clone(), nil
}

func (tx *memTx) PutOrderBook(b *OrderBook) error { tx.book = b.Clone(); return nil }

func (tx *memTx) GetPool() (*StabilityPool, error) {
	if tx.pool != nil {
		return tx.pool.Clone(), nil
	}
	return tx.store.pool.Clone(), nil
}

func (tx *memTx) PutPool(p *StabilityPool) error { tx.pool = p.Clone(); return nil }

func (tx *memTx) GetLedger() (*distribution.Ledger, error) {
	if tx.ledger != nil {
		return tx.ledger.Clone(), nil
	}
	if tx.store.ledger == nil {
		return nil, nil
	}
	return tx.store.ledger.Clone(), nil
}

func (tx *memTx) PutLedger(l *distribution.Ledger) error { tx.ledger = l.Clone(); return nil }

func (tx *memTx) GetProvider(owner crypto.Address) (*Provider, error) {
	if p, ok := tx.providers[owner.Key()]; ok {
		return p.Clone(), nil
	}
	return tx.store.providers[owner.Key()].Clone(), nil
}

func (tx *memTx) PutProvider(p *Provider) error {
	tx.providers[p.Owner.Key()] = p.Clone()
	return nil
}

func (tx *memTx) GetStakingPool() (*staking.Pool, error) {
	if tx.staking != nil {
		return tx.staking.Clone(), nil
	}
	return tx.store.staking.Clone(), nil
}

func (tx *memTx) PutStakingPool(p *staking.Pool) error { tx.staking = p.Clone(); return nil }

func (tx *memTx) GetStaker(owner crypto.Address) (*Staker, error) {
	if st, ok := tx.stakers[owner.Key()]; ok {
		return st.Clone(), nil
	}
	return tx.store.stakers[owner.Key()].Clone(), nil
}

func (tx *memTx) PutStaker(st *Staker) error {
	tx.stakers[st.Owner.Key()] = st.Clone()
	return nil
}

func (tx *memTx) GetBalance(owner crypto.Address, symbol string) (*uint256.Int, error) {
	key := balanceKeyOf(owner, symbol)
	if v, ok := tx.balances[key]; ok {
		return collateral.Clone(v), nil
	}
	if v, ok := tx.store.balances[key]; ok {
		return collateral.Clone(v), nil
	}
	return nil, nil
}

func (tx *memTx) PutBalance(owner crypto.Address, symbol string, amount *uint256.Int) error {
	tx.balances[balanceKeyOf(owner, symbol)] = collateral.Clone(amount)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	m := tx.store
	if tx.system != nil {
		m.system = tx.system
	}
	if tx.book != nil {
		m.book = tx.book
	}
	if tx.pool != nil {
		m.pool = tx.pool
	}
	if tx.ledger != nil {
		m.ledger = tx.ledger
	}
	for id, loan := range tx.loans {
		m.loans[id] = loan
	}
	for k, id := range tx.loanIDs {
		m.loanIDs[k] = id
	}
	for k, p := range tx.providers {
		m.providers[k] = p
	}
	if tx.staking != nil {
		m.staking = tx.staking
	}
	for k, st := range tx.stakers {
		m.stakers[k] = st
	}
	for k, v := range tx.balances {
		m.balances[k] = v
	}
	m.commits++
	return nil
}

func (tx *memTx) Discard() { tx.done = true }

// Test fixtures. Two assets: SOL with 9 decimals and ETH with 8.

const (
	usdUnit = collateral.StablecoinFactor
	solUnit = 1_000_000_000
)

func usd(n uint64) *uint256.Int { return uint256.NewInt(n * usdUnit) }

func sol(n uint64) *uint256.Int { return uint256.NewInt(n * solUnit) }

func testPrices() collateral.Prices {
	return collateral.Prices{{Value: 100}, {Value: 2000}}
}

func makeAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	raw[crypto.AddressLength-1] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

type harness struct {
	t      *testing.T
	engine *Engine
	store  *memStore
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	t.Helper()
	params := DefaultParams()
	params.Assets = []collateral.Asset{{Symbol: "SOL", Decimals: 9}, {Symbol: "ETH", Decimals: 8}}
	if mutate != nil {
		mutate(&params)
	}
	engine, err := NewEngine(params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	store := newMemStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	engine.SetStore(store)
	engine.SetClock(clock)
	return &harness{t: t, engine: engine, store: store, clock: clock}
}

func (h *harness) system() *System {
	if h.store.system == nil {
		h.store.system = &System{NextLoanID: 1, TotalDebt: new(uint256.Int), TotalCollateral: collateral.NewAmounts(2), StakingFees: collateral.NewAmounts(2)}
	}
	return h.store.system
}

// seedLoan writes an active loan holding solAmount SOL against debt directly
// into the committed state, together with its custody balance.
func (h *harness) seedLoan(owner crypto.Address, solAmount, debt *uint256.Int) uint64 {
	h.t.Helper()
	sys := h.system()
	id := sys.NextLoanID
	sys.NextLoanID++
	loan := &Loan{
		ID:         id,
		Owner:      owner,
		Status:     LoanActive,
		Collateral: collateral.Amounts{collateral.Clone(solAmount), new(uint256.Int)},
		Inactive:   collateral.NewAmounts(2),
		Debt:       collateral.Clone(debt),
	}
	if debt.IsZero() {
		loan.Status = LoanInactive
	} else {
		sys.ActiveLoans++
	}
	h.store.loans[id] = loan
	h.store.loanIDs[owner.Key()] = id
	sys.TotalDebt = new(uint256.Int).Add(sys.TotalDebt, debt)
	sys.TotalCollateral[0] = new(uint256.Int).Add(sys.TotalCollateral[0], solAmount)
	h.addBalance(h.engine.collateralAccount, "SOL", solAmount)
	return id
}

func (h *harness) addBalance(owner crypto.Address, symbol string, amount *uint256.Int) {
	key := balanceKeyOf(owner, symbol)
	cur := h.store.balances[key]
	if cur == nil {
		cur = new(uint256.Int)
	}
	h.store.balances[key] = new(uint256.Int).Add(cur, amount)
}

func (h *harness) balance(owner crypto.Address, symbol string) *uint256.Int {
	h.t.Helper()
	v, err := h.engine.Balance(owner, symbol)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return v
}

func (h *harness) loan(id uint64) *Loan {
	h.t.Helper()
	loan, err := h.engine.Loan(id)
	if err != nil {
		h.t.Fatalf("loan %d: %v", id, err)
	}
	return loan
}

func (h *harness) order(id uint64) *Order {
	h.t.Helper()
	order, err := h.engine.Order(id)
	if err != nil {
		h.t.Fatalf("order %d: %v", id, err)
	}
	return order
}

// seedAnchor adds a deep, well-collateralised loan so the system ratio stays
// healthy and supply is large.
func (h *harness) seedAnchor() uint64 {
	return h.seedLoan(makeAddress(0xA0), sol(3000), usd(100_000))
}

func requireUnchanged(t *testing.T, before, after []byte) {
	t.Helper()
	if !bytes.Equal(before, after) {
		t.Fatalf("state changed on failed call")
	}
}
