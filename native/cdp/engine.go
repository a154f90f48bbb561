package cdp

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"settlecore/core/events"
	"settlecore/crypto"
	nativecommon "settlecore/native/common"
	"settlecore/native/distribution"
	"settlecore/native/staking"
)

// Store opens isolated transactions against the settlement state.
type Store interface {
	Begin() (Tx, error)
}

// Tx is one all-or-nothing unit of work. Getters return (nil, nil) for records
// that were never written. Writes stay invisible to other transactions until
// Commit; Discard drops them.
type Tx interface {
	GetSystem() (*System, error)
	PutSystem(*System) error
	GetLoan(id uint64) (*Loan, error)
	PutLoan(*Loan) error
	GetLoanID(owner crypto.Address) (uint64, bool, error)
	PutLoanID(owner crypto.Address, id uint64) error
	GetOrderBook() (*OrderBook, error)
	PutOrderBook(*OrderBook) error
	GetPool() (*StabilityPool, error)
	PutPool(*StabilityPool) error
	GetLedger() (*distribution.Ledger, error)
	PutLedger(*distribution.Ledger) error
	GetProvider(owner crypto.Address) (*Provider, error)
	PutProvider(*Provider) error
	GetStakingPool() (*staking.Pool, error)
	PutStakingPool(*staking.Pool) error
	GetStaker(owner crypto.Address) (*Staker, error)
	PutStaker(*Staker) error
	GetBalance(owner crypto.Address, symbol string) (*uint256.Int, error)
	PutBalance(owner crypto.Address, symbol string, amount *uint256.Int) error
	Commit() error
	Discard()
}

// Engine executes the settlement state transitions. Every operation runs under
// a single mutex against one store transaction.
type Engine struct {
	mu      sync.Mutex
	store   Store
	params  Params
	clock   clockwork.Clock
	emitter events.Emitter
	pauses  nativecommon.PauseView

	redemptionAccount crypto.Address
	stabilityAccount  crypto.Address
	collateralAccount crypto.Address
	stagingAccount    crypto.Address
	vaultAccount      crypto.Address
	stakingAccount    crypto.Address
}

// NewEngine validates params and returns an engine with a real clock and no
// event sink. A store must be attached before use.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params:            params,
		clock:             clockwork.NewRealClock(),
		emitter:           events.NoopEmitter{},
		redemptionAccount: crypto.ModuleAddress("cdp/redemption"),
		stabilityAccount:  crypto.ModuleAddress("cdp/stability"),
		collateralAccount: crypto.ModuleAddress("cdp/collateral"),
		stagingAccount:    crypto.ModuleAddress("cdp/staging"),
		vaultAccount:      crypto.ModuleAddress("cdp/vault"),
		stakingAccount:    crypto.ModuleAddress("cdp/staking"),
	}, nil
}

// SetStore wires the engine to the external persistence layer.
func (e *Engine) SetStore(store Store) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
}

func (e *Engine) SetClock(clock clockwork.Clock) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// SetEmitter configures the sink for committed events. nil restores the no-op sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// Params returns the parameters the engine was built with.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	return e.params
}

// CustodyAccounts lists the module accounts holding protocol balances.
func (e *Engine) CustodyAccounts() map[string]crypto.Address {
	return map[string]crypto.Address{
		"redemption": e.redemptionAccount,
		"stability":  e.stabilityAccount,
		"collateral": e.collateralAccount,
		"staging":    e.stagingAccount,
		"vault":      e.vaultAccount,
		"staking":    e.stakingAccount,
	}
}

// update runs fn inside one transaction. Events queued by fn are emitted only
// after a successful commit; any error discards every write.
func (e *Engine) update(module string, fn func(*session) error) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, module); err != nil {
		return err
	}
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	s := e.newSession(tx)
	if err := fn(s); err != nil {
		tx.Discard()
		return classify(err)
	}
	if err := s.flush(); err != nil {
		tx.Discard()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ev := range s.events {
		e.emitter.Emit(ev)
	}
	return nil
}

// view runs fn against a transaction that is always discarded.
func (e *Engine) view(fn func(*session) error) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return errNilState
	}
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Discard()
	return classify(fn(e.newSession(tx)))
}
