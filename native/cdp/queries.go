package cdp

import (
	"github.com/holiman/uint256"

	"settlecore/crypto"
	"settlecore/native/collateral"
	"settlecore/native/distribution"
	"settlecore/native/staking"
)

// ProviderView is a stability depositor's position as of now.
type ProviderView struct {
	Owner        crypto.Address
	Deposit      *uint256.Int
	PendingGains collateral.Amounts
	Snapshot     distribution.Snapshot
}

// StakerView is a staker's position together with the reward pending now.
type StakerView struct {
	Owner   crypto.Address
	Stake   *uint256.Int
	Pending collateral.Amounts
}

// Orders returns the live orders in slot order.
func (e *Engine) Orders() ([]Order, error) {
	var out []Order
	err := e.view(func(s *session) error {
		book, err := s.loadBook()
		if err != nil {
			return err
		}
		for i := range book.Orders {
			if book.Orders[i].Status != OrderEmpty {
				out = append(out, *book.Orders[i].Clone())
			}
		}
		return nil
	})
	return out, err
}

func (e *Engine) Order(id uint64) (*Order, error) {
	var out *Order
	err := e.view(func(s *session) error {
		_, order, err := s.order(id)
		if err != nil {
			return err
		}
		out = order.Clone()
		return nil
	})
	return out, err
}

// Candidates returns an order's ranked candidate list, best first.
func (e *Engine) Candidates(id uint64) ([]Candidate, error) {
	order, err := e.Order(id)
	if err != nil {
		return nil, err
	}
	return order.Candidates, nil
}

// Outstanding is the stablecoin locked in live orders.
func (e *Engine) Outstanding() (*uint256.Int, error) {
	var out *uint256.Int
	err := e.view(func(s *session) error {
		book, err := s.loadBook()
		if err != nil {
			return err
		}
		out = collateral.Clone(book.Outstanding)
		return nil
	})
	return out, err
}

func (e *Engine) Loan(id uint64) (*Loan, error) {
	var out *Loan
	err := e.view(func(s *session) error {
		loan, err := s.loan(id)
		if err != nil {
			return err
		}
		out = loan.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) LoanByOwner(owner crypto.Address) (*Loan, error) {
	var out *Loan
	err := e.view(func(s *session) error {
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrUnknownLoan
		}
		out = loan.Clone()
		return nil
	})
	return out, err
}

// Loans pages through loan records by id. limit <= 0 returns every record after
// the cursor.
func (e *Engine) Loans(after uint64, limit int) ([]Loan, error) {
	var out []Loan
	err := e.view(func(s *session) error {
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		for id := after + 1; id < sys.NextLoanID; id++ {
			if limit > 0 && len(out) == limit {
				break
			}
			loan, err := s.loan(id)
			if err != nil {
				return err
			}
			out = append(out, *loan.Clone())
		}
		return nil
	})
	return out, err
}

func (e *Engine) System() (*System, error) {
	var out *System
	err := e.view(func(s *session) error {
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		out = sys.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) Pool() (*StabilityPool, error) {
	var out *StabilityPool
	err := e.view(func(s *session) error {
		pool, err := s.loadPool()
		if err != nil {
			return err
		}
		out = pool.Clone()
		return nil
	})
	return out, err
}

// LedgerSnapshot returns the ledger position a deposit made now would record.
func (e *Engine) LedgerSnapshot() (distribution.Snapshot, error) {
	var out distribution.Snapshot
	err := e.view(func(s *session) error {
		ledger, err := s.loadLedger()
		if err != nil {
			return err
		}
		out = ledger.Current()
		return nil
	})
	return out, err
}

// Provider computes the depositor's compounded deposit and claimable gains
// without writing anything. Emissions not yet issued are not included.
func (e *Engine) Provider(owner crypto.Address) (*ProviderView, error) {
	var out *ProviderView
	err := e.view(func(s *session) error {
		stored, err := s.tx.GetProvider(owner)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrNoDeposit
		}
		p, err := s.provider(owner)
		if err != nil {
			return err
		}
		if err := s.settleProvider(p); err != nil {
			return err
		}
		out = &ProviderView{
			Owner:        owner,
			Deposit:      collateral.Clone(p.Deposit),
			PendingGains: p.PendingGains.Clone(),
			Snapshot:     p.Snapshot,
		}
		return nil
	})
	return out, err
}

// Balances returns the owner's custody balance for the stablecoin, the
// emission token and every collateral asset.
func (e *Engine) Balances(owner crypto.Address) (map[string]*uint256.Int, error) {
	out := make(map[string]*uint256.Int)
	err := e.view(func(s *session) error {
		symbols := []string{s.params.StablecoinSymbol, s.params.EmissionSymbol}
		for _, asset := range s.params.Assets {
			symbols = append(symbols, asset.Symbol)
		}
		for _, symbol := range symbols {
			amount, err := s.balance(owner, symbol)
			if err != nil {
				return err
			}
			out[symbol] = amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance returns a single custody balance.
func (e *Engine) Balance(owner crypto.Address, symbol string) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.view(func(s *session) error {
		amount, err := s.balance(owner, symbol)
		out = amount
		return err
	})
	return out, err
}

// StakingPool returns the staking pool totals.
func (e *Engine) StakingPool() (*staking.Pool, error) {
	var out *staking.Pool
	err := e.view(func(s *session) error {
		pool, err := s.loadStaking()
		if err != nil {
			return err
		}
		out = pool.Clone()
		return nil
	})
	return out, err
}

func (e *Engine) Staker(owner crypto.Address) (*StakerView, error) {
	var out *StakerView
	err := e.view(func(s *session) error {
		pool, err := s.loadStaking()
		if err != nil {
			return err
		}
		st, err := s.staker(owner)
		if err != nil {
			return err
		}
		pending, err := pool.Pending(&st.Position)
		if err != nil {
			return err
		}
		out = &StakerView{Owner: owner, Stake: collateral.Clone(st.Position.Stake), Pending: pending}
		return nil
	})
	return out, err
}
