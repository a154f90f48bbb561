package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"

	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	"settlecore/storage"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func newEngine(t *testing.T, store cdp.Store) *cdp.Engine {
	t.Helper()
	params := cdp.DefaultParams()
	params.Assets = []collateral.Asset{{Symbol: "SOL", Decimals: 9}, {Symbol: "ETH", Decimals: 8}}
	engine, err := cdp.NewEngine(params)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetStore(store)
	engine.SetClock(clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	return engine
}

func TestSettlementTxOverlay(t *testing.T) {
	db := storage.NewMemDB()
	store, err := NewSettlementStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	owner := testAddress(0x01)

	tx, err := store.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if bal, err := tx.GetBalance(owner, "usds"); err != nil || bal != nil {
		t.Fatalf("expected absent balance, got %v %v", bal, err)
	}
	if err := tx.PutBalance(owner, "usds", uint256.NewInt(42)); err != nil {
		t.Fatalf("put balance: %v", err)
	}
	bal, err := tx.GetBalance(owner, "USDS")
	if err != nil || bal.Uint64() != 42 {
		t.Fatalf("overlay read: %v %v", bal, err)
	}

	other, _ := store.Begin()
	if bal, _ := other.GetBalance(owner, "USDS"); bal != nil {
		t.Fatalf("uncommitted write visible: %v", bal)
	}
	other.Discard()

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, errTxClosed) {
		t.Fatalf("expected closed tx error, got %v", err)
	}

	tx, _ = store.Begin()
	bal, _ = tx.GetBalance(owner, "USDS")
	if bal == nil || bal.Uint64() != 42 {
		t.Fatalf("committed balance missing: %v", bal)
	}
	if err := tx.PutBalance(owner, "USDS", new(uint256.Int)); err != nil {
		t.Fatalf("zero balance: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := db.Get(balanceKey(owner, "USDS")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("zero balance should be deleted, got %v", err)
	}
}

func TestSettlementTxDiscard(t *testing.T) {
	db := storage.NewMemDB()
	store, err := NewSettlementStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	before := db.Len()
	tx, _ := store.Begin()
	if err := tx.PutSystem(&cdp.System{NextLoanID: 9}); err != nil {
		t.Fatalf("put system: %v", err)
	}
	tx.Discard()
	if db.Len() != before {
		t.Fatalf("discard leaked writes: %d -> %d", before, db.Len())
	}
	if _, err := tx.GetSystem(); !errors.Is(err, errTxClosed) {
		t.Fatalf("expected closed tx error, got %v", err)
	}
}

func TestSettlementStoreVersion(t *testing.T) {
	db := storage.NewMemDB()
	if _, err := NewSettlementStore(db); err != nil {
		t.Fatalf("new store: %v", err)
	}
	version, ok, err := storedVersion(db)
	if err != nil || !ok || version != StateVersion {
		t.Fatalf("version not stamped: %d %v %v", version, ok, err)
	}
	if err := db.Put(stateVersionKey, []byte{0x63}); err != nil {
		t.Fatalf("overwrite version: %v", err)
	}
	if _, err := NewSettlementStore(db); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestSettlementStorePersistsEngineState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.db")
	db, err := storage.NewBoltDB(path, nil)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	store, err := NewSettlementStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	engine := newEngine(t, store)
	owner := testAddress(0x07)
	prices := collateral.Prices{{Value: 100}, {Value: 2000}}

	if err := engine.Mint(owner, "SOL", uint256.NewInt(10_000_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	loanID, err := engine.Deposit(owner, "SOL", uint256.NewInt(10_000_000_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	staker := testAddress(0x08)
	if err := engine.Mint(staker, "STL", uint256.NewInt(1_000)); err != nil {
		t.Fatalf("mint emission token: %v", err)
	}
	if _, err := engine.Stake(staker, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := engine.Borrow(owner, uint256.NewInt(500_000_000), prices); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	want, err := engine.Loan(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	db.Close()

	db, err = storage.NewBoltDB(path, nil)
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	defer db.Close()
	store, err = NewSettlementStore(db)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	engine = newEngine(t, store)
	got, err := engine.LoanByOwner(owner)
	if err != nil {
		t.Fatalf("loan by owner: %v", err)
	}
	if got.ID != want.ID || !got.Owner.Equal(owner) || got.Debt.Cmp(want.Debt) != 0 {
		t.Fatalf("loan not restored: got %+v want %+v", got, want)
	}
	if got.Collateral[0].Uint64() != 10_000_000_000 {
		t.Fatalf("collateral not restored: %v", got.Collateral)
	}
	bal, err := engine.Balance(owner, "USDS")
	if err != nil || bal.Uint64() != 500_000_000 {
		t.Fatalf("wallet balance not restored: %v %v", bal, err)
	}
	// 85% of the 2.5 USD borrowing fee went to the only staker.
	view, err := engine.Staker(staker)
	if err != nil {
		t.Fatalf("staker: %v", err)
	}
	if view.Stake.Uint64() != 1_000 || view.Pending.At(2).Uint64() != 2_125_000 {
		t.Fatalf("staker not restored: stake %s pending %s", view.Stake, view.Pending)
	}
	pool, err := engine.StakingPool()
	if err != nil || pool.Stakers != 1 || pool.TotalStake.Uint64() != 1_000 {
		t.Fatalf("staking pool not restored: %+v %v", pool, err)
	}
}
