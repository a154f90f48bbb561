package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/distribution"
	"settlecore/native/staking"
	"settlecore/storage"
)

var errTxClosed = errors.New("state: transaction already closed")

// SettlementStore persists the settlement records in a key-value database.
// Records are RLP encoded under keccak256-hashed keys. Each transaction keeps
// its writes in an overlay and applies them as one storage batch on commit.
type SettlementStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewSettlementStore wraps db after checking its schema version.
func NewSettlementStore(db storage.Database) (*SettlementStore, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database unavailable")
	}
	if err := ensureVersion(db); err != nil {
		return nil, err
	}
	return &SettlementStore{db: db}, nil
}

// Begin implements cdp.Store.
func (s *SettlementStore) Begin() (cdp.Tx, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state: settlement store unavailable")
	}
	return &settlementTx{store: s, writes: make(map[string]pendingWrite)}, nil
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

type settlementTx struct {
	store  *SettlementStore
	writes map[string]pendingWrite
	order  []string
	closed bool
}

func (tx *settlementTx) get(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, errTxClosed
	}
	if w, ok := tx.writes[string(key)]; ok {
		if w.deleted {
			return nil, nil
		}
		return w.value, nil
	}
	data, err := tx.store.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (tx *settlementTx) stage(key []byte, w pendingWrite) error {
	if tx.closed {
		return errTxClosed
	}
	k := string(key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = w
	return nil
}

// load decodes the record under key into out and reports whether it existed.
func (tx *settlementTx) load(key []byte, out interface{}) (bool, error) {
	data, err := tx.get(key)
	if err != nil || len(data) == 0 {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %T: %w", out, err)
	}
	return true, nil
}

func (tx *settlementTx) save(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %T: %w", value, err)
	}
	return tx.stage(key, pendingWrite{value: encoded})
}

func (tx *settlementTx) GetSystem() (*cdp.System, error) {
	out := new(cdp.System)
	ok, err := tx.load(systemKey, out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutSystem(system *cdp.System) error {
	if system == nil {
		return fmt.Errorf("state: nil system")
	}
	return tx.save(systemKey, system)
}

func (tx *settlementTx) GetLoan(id uint64) (*cdp.Loan, error) {
	out := new(cdp.Loan)
	ok, err := tx.load(loanKey(id), out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutLoan(loan *cdp.Loan) error {
	if loan == nil {
		return fmt.Errorf("state: nil loan")
	}
	return tx.save(loanKey(loan.ID), loan)
}

func (tx *settlementTx) GetLoanID(owner crypto.Address) (uint64, bool, error) {
	var id uint64
	ok, err := tx.load(loanIDKey(owner), &id)
	return id, ok, err
}

func (tx *settlementTx) PutLoanID(owner crypto.Address, id uint64) error {
	return tx.save(loanIDKey(owner), id)
}

func (tx *settlementTx) GetOrderBook() (*cdp.OrderBook, error) {
	out := new(cdp.OrderBook)
	ok, err := tx.load(orderBookKey, out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutOrderBook(book *cdp.OrderBook) error {
	if book == nil {
		return fmt.Errorf("state: nil order book")
	}
	return tx.save(orderBookKey, book)
}

func (tx *settlementTx) GetPool() (*cdp.StabilityPool, error) {
	out := new(cdp.StabilityPool)
	ok, err := tx.load(poolKey, out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutPool(pool *cdp.StabilityPool) error {
	if pool == nil {
		return fmt.Errorf("state: nil stability pool")
	}
	return tx.save(poolKey, pool)
}

func (tx *settlementTx) GetLedger() (*distribution.Ledger, error) {
	out := new(distribution.Ledger)
	ok, err := tx.load(ledgerKey, out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutLedger(ledger *distribution.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("state: nil ledger")
	}
	return tx.save(ledgerKey, ledger)
}

func (tx *settlementTx) GetProvider(owner crypto.Address) (*cdp.Provider, error) {
	out := new(cdp.Provider)
	ok, err := tx.load(providerKey(owner), out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutProvider(provider *cdp.Provider) error {
	if provider == nil {
		return fmt.Errorf("state: nil provider")
	}
	return tx.save(providerKey(provider.Owner), provider)
}

func (tx *settlementTx) GetStakingPool() (*staking.Pool, error) {
	out := new(staking.Pool)
	ok, err := tx.load(stakingPoolKey, out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutStakingPool(pool *staking.Pool) error {
	if pool == nil {
		return fmt.Errorf("state: nil staking pool")
	}
	return tx.save(stakingPoolKey, pool)
}

func (tx *settlementTx) GetStaker(owner crypto.Address) (*cdp.Staker, error) {
	out := new(cdp.Staker)
	ok, err := tx.load(stakerKey(owner), out)
	if !ok {
		return nil, err
	}
	return out, nil
}

func (tx *settlementTx) PutStaker(staker *cdp.Staker) error {
	if staker == nil {
		return fmt.Errorf("state: nil staker")
	}
	return tx.save(stakerKey(staker.Owner), staker)
}

func (tx *settlementTx) GetBalance(owner crypto.Address, symbol string) (*uint256.Int, error) {
	out := new(uint256.Int)
	ok, err := tx.load(balanceKey(owner, symbol), out)
	if !ok {
		return nil, err
	}
	return out, nil
}

// PutBalance drops zero balances from the database.
func (tx *settlementTx) PutBalance(owner crypto.Address, symbol string, amount *uint256.Int) error {
	key := balanceKey(owner, symbol)
	if amount == nil || amount.IsZero() {
		return tx.stage(key, pendingWrite{deleted: true})
	}
	return tx.save(key, amount)
}

func (tx *settlementTx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	if len(tx.order) == 0 {
		return nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	batch := tx.store.db.NewBatch()
	for _, k := range tx.order {
		w := tx.writes[k]
		if w.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit settlement batch: %w", err)
	}
	return nil
}

func (tx *settlementTx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
}
