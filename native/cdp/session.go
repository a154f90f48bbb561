package cdp

import (
	"github.com/holiman/uint256"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/collateral"
	"settlecore/native/distribution"
	"settlecore/native/staking"
)

type balanceKey struct {
	owner  string
	symbol string
}

type balanceEntry struct {
	owner  crypto.Address
	symbol string
	amount *uint256.Int
}

// session caches every record loaded during one operation so repeated loads
// of the same record share a single pointer. flush writes them back.
type session struct {
	e      *Engine
	tx     Tx
	params Params
	now    uint64

	system    *System
	book      *OrderBook
	pool      *StabilityPool
	ledger    *distribution.Ledger
	stakePool *staking.Pool
	loans     map[uint64]*Loan
	loanIDs   map[string]crypto.Address
	providers map[string]*Provider
	stakers   map[string]*Staker
	balances  map[balanceKey]*balanceEntry

	events []events.Event
}

func (e *Engine) newSession(tx Tx) *session {
	return &session{
		e:         e,
		tx:        tx,
		params:    e.params,
		now:       uint64(e.clock.Now().UnixMilli()),
		loans:     make(map[uint64]*Loan),
		loanIDs:   make(map[string]crypto.Address),
		providers: make(map[string]*Provider),
		stakers:   make(map[string]*Staker),
		balances:  make(map[balanceKey]*balanceEntry),
	}
}

func (s *session) nowSeconds() uint64 { return s.now / 1000 }

func (s *session) emit(ev events.Event) { s.events = append(s.events, ev) }

func (s *session) loadSystem() (*System, error) {
	if s.system != nil {
		return s.system, nil
	}
	sys, err := s.tx.GetSystem()
	if err != nil {
		return nil, err
	}
	if sys == nil {
		sys = &System{NextLoanID: 1}
	}
	w := s.params.width()
	sys.TotalDebt = collateral.Or(sys.TotalDebt)
	sys.BaseRate.Rate = collateral.Or(sys.BaseRate.Rate)
	sys.TotalCollateral = sys.TotalCollateral.Normalize(w)
	sys.StakingFees = sys.StakingFees.Normalize(w)
	if sys.NextLoanID == 0 {
		sys.NextLoanID = 1
	}
	s.system = sys
	return sys, nil
}

func (s *session) loadBook() (*OrderBook, error) {
	if s.book != nil {
		return s.book, nil
	}
	book, err := s.tx.GetOrderBook()
	if err != nil {
		return nil, err
	}
	if book == nil {
		book = &OrderBook{NextID: 1}
	}
	if book.NextID == 0 {
		book.NextID = 1
	}
	book.Outstanding = collateral.Or(book.Outstanding)
	for len(book.Orders) < s.params.MaxOrders {
		book.Orders = append(book.Orders, Order{})
	}
	for i := range book.Orders {
		o := &book.Orders[i]
		o.Requested = collateral.Or(o.Requested)
		o.Remaining = collateral.Or(o.Remaining)
	}
	s.book = book
	return book, nil
}

func (s *session) loadPool() (*StabilityPool, error) {
	if s.pool != nil {
		return s.pool, nil
	}
	pool, err := s.tx.GetPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &StabilityPool{EmissionStart: s.nowSeconds()}
	}
	w := s.params.width()
	pool.Deposits = collateral.Or(pool.Deposits)
	pool.Staging = pool.Staging.Normalize(w)
	pool.Reserve = pool.Reserve.Normalize(w)
	pool.Pending = pool.Pending.Normalize(w + 1)
	pool.CumulativeGains = pool.CumulativeGains.Normalize(w + 1)
	pool.EmissionIssued = collateral.Or(pool.EmissionIssued)
	s.pool = pool
	return pool, nil
}

func (s *session) loadLedger() (*distribution.Ledger, error) {
	if s.ledger != nil {
		return s.ledger, nil
	}
	ledger, err := s.tx.GetLedger()
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = distribution.New(s.params.width() + 1)
	}
	ledger.Ensure(s.params.width() + 1)
	s.ledger = ledger
	return ledger, nil
}

func (s *session) loadStaking() (*staking.Pool, error) {
	if s.stakePool != nil {
		return s.stakePool, nil
	}
	pool, err := s.tx.GetStakingPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = staking.New(s.params.width() + 1)
	}
	pool.Ensure(s.params.width() + 1)
	s.stakePool = pool
	return pool, nil
}

func (s *session) staker(owner crypto.Address) (*Staker, error) {
	key := owner.Key()
	if st, ok := s.stakers[key]; ok {
		return st, nil
	}
	st, err := s.tx.GetStaker(owner)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &Staker{Owner: owner}
	}
	st.Position.Stake = collateral.Or(st.Position.Stake)
	st.Position.Tally = st.Position.Tally.Normalize(s.params.width() + 1)
	s.stakers[key] = st
	return st, nil
}

func (s *session) normalizeLoan(loan *Loan) {
	w := s.params.width()
	loan.Collateral = loan.Collateral.Normalize(w)
	loan.Inactive = loan.Inactive.Normalize(w)
	loan.Debt = collateral.Or(loan.Debt)
}

// loan returns the loan with the given id or ErrUnknownLoan.
func (s *session) loan(id uint64) (*Loan, error) {
	if loan, ok := s.loans[id]; ok {
		return loan, nil
	}
	loan, err := s.tx.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrUnknownLoan
	}
	s.normalizeLoan(loan)
	s.loans[id] = loan
	return loan, nil
}

// loanOf returns the owner's loan, or nil when the owner has none.
func (s *session) loanOf(owner crypto.Address) (*Loan, error) {
	for _, loan := range s.loans {
		if loan.Owner.Equal(owner) {
			return loan, nil
		}
	}
	id, ok, err := s.tx.GetLoanID(owner)
	if err != nil || !ok {
		return nil, err
	}
	return s.loan(id)
}

// ensureLoan returns the owner's loan, opening an inactive record on first use.
func (s *session) ensureLoan(owner crypto.Address) (*Loan, error) {
	if owner.IsZero() {
		return nil, ErrUnauthorized
	}
	loan, err := s.loanOf(owner)
	if err != nil || loan != nil {
		return loan, err
	}
	sys, err := s.loadSystem()
	if err != nil {
		return nil, err
	}
	loan = &Loan{
		ID:        sys.NextLoanID,
		Owner:     owner,
		Status:    LoanInactive,
		CreatedAt: s.now,
	}
	s.normalizeLoan(loan)
	sys.NextLoanID++
	s.loans[loan.ID] = loan
	s.loanIDs[owner.Key()] = owner
	return loan, nil
}

func (s *session) provider(owner crypto.Address) (*Provider, error) {
	key := owner.Key()
	if p, ok := s.providers[key]; ok {
		return p, nil
	}
	p, err := s.tx.GetProvider(owner)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Provider{Owner: owner}
	}
	w := s.params.width() + 1
	p.Deposit = collateral.Or(p.Deposit)
	p.PendingGains = p.PendingGains.Normalize(w)
	p.CumulativeGains = p.CumulativeGains.Normalize(w)
	s.providers[key] = p
	return p, nil
}

func (s *session) balanceEntry(owner crypto.Address, symbol string) (*balanceEntry, error) {
	symbol = collateral.NormalizeSymbol(symbol)
	key := balanceKey{owner: owner.Key(), symbol: symbol}
	if entry, ok := s.balances[key]; ok {
		return entry, nil
	}
	amount, err := s.tx.GetBalance(owner, symbol)
	if err != nil {
		return nil, err
	}
	entry := &balanceEntry{owner: owner, symbol: symbol, amount: collateral.Or(amount)}
	s.balances[key] = entry
	return entry, nil
}

func (s *session) balance(owner crypto.Address, symbol string) (*uint256.Int, error) {
	entry, err := s.balanceEntry(owner, symbol)
	if err != nil {
		return nil, err
	}
	return collateral.Clone(entry.amount), nil
}

func (s *session) credit(owner crypto.Address, symbol string, amount *uint256.Int) error {
	entry, err := s.balanceEntry(owner, symbol)
	if err != nil {
		return err
	}
	next, err := collateral.Add(entry.amount, collateral.Or(amount))
	if err != nil {
		return err
	}
	entry.amount = next
	return nil
}

func (s *session) debit(owner crypto.Address, symbol string, amount *uint256.Int) error {
	entry, err := s.balanceEntry(owner, symbol)
	if err != nil {
		return err
	}
	amount = collateral.Or(amount)
	if entry.amount.Lt(amount) {
		return ErrInsufficientBalance
	}
	entry.amount = new(uint256.Int).Sub(entry.amount, amount)
	return nil
}

// transfer moves amount between two custody balances.
func (s *session) transfer(from, to crypto.Address, symbol string, amount *uint256.Int) error {
	if collateral.Or(amount).IsZero() {
		return nil
	}
	if err := s.debit(from, symbol, amount); err != nil {
		return err
	}
	return s.credit(to, symbol, amount)
}

func (s *session) mint(to crypto.Address, symbol string, amount *uint256.Int) error {
	return s.credit(to, symbol, amount)
}

func (s *session) burn(from crypto.Address, symbol string, amount *uint256.Int) error {
	return s.debit(from, symbol, amount)
}

func (s *session) flush() error {
	if s.system != nil {
		if err := s.tx.PutSystem(s.system); err != nil {
			return err
		}
	}
	if s.book != nil {
		if err := s.tx.PutOrderBook(s.book); err != nil {
			return err
		}
	}
	if s.pool != nil {
		if err := s.tx.PutPool(s.pool); err != nil {
			return err
		}
	}
	if s.ledger != nil {
		if err := s.tx.PutLedger(s.ledger); err != nil {
			return err
		}
	}
	for _, loan := range s.loans {
		if err := s.tx.PutLoan(loan); err != nil {
			return err
		}
	}
	for _, owner := range s.loanIDs {
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if err := s.tx.PutLoanID(owner, loan.ID); err != nil {
			return err
		}
	}
	for _, p := range s.providers {
		if err := s.tx.PutProvider(p); err != nil {
			return err
		}
	}
	if s.stakePool != nil {
		if err := s.tx.PutStakingPool(s.stakePool); err != nil {
			return err
		}
	}
	for _, st := range s.stakers {
		if err := s.tx.PutStaker(st); err != nil {
			return err
		}
	}
	for _, entry := range s.balances {
		if err := s.tx.PutBalance(entry.owner, entry.symbol, entry.amount); err != nil {
			return err
		}
	}
	return nil
}
