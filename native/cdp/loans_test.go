package cdp

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestLoanLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	owner := makeAddress(0x21)
	h.addBalance(owner, "SOL", sol(10))

	id, err := h.engine.Deposit(owner, "sol", sol(10))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := h.balance(h.engine.collateralAccount, "SOL"); !got.Eq(sol(10)) {
		t.Fatalf("collateral not in custody: %s", got)
	}

	fee, err := h.engine.Borrow(owner, usd(800), testPrices())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if !fee.Eq(usd(4)) {
		t.Fatalf("expected 50 bps borrowing fee, got %s", fee)
	}
	loan := h.loan(id)
	if loan.Status != LoanActive || !loan.Debt.Eq(usd(804)) {
		t.Fatalf("unexpected loan after borrow: %+v", loan)
	}
	if got := h.balance(h.engine.Params().Treasury, "USDS"); !got.Eq(usd(4)) {
		t.Fatalf("fee not minted to treasury: %s", got)
	}

	before := h.store.fingerprint(t)
	if _, err := h.engine.Borrow(owner, usd(200), testPrices()); !errors.Is(err, ErrBelowMCR) {
		t.Fatalf("expected below mcr, got %v", err)
	}
	if err := h.engine.WithdrawCollateral(owner, "SOL", sol(3), testPrices()); !errors.Is(err, ErrBelowMCR) {
		t.Fatalf("expected below mcr on withdraw, got %v", err)
	}
	requireUnchanged(t, before, h.store.fingerprint(t))

	if err := h.engine.WithdrawCollateral(owner, "SOL", sol(1), testPrices()); err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	if _, err := h.engine.Repay(owner, usd(1_000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	h.addBalance(owner, "USDS", usd(4))
	paid, err := h.engine.Repay(owner, usd(1_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !paid.Eq(usd(804)) {
		t.Fatalf("expected repay capped at debt, got %s", paid)
	}
	if _, err := h.engine.Repay(owner, usd(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected no debt, got %v", err)
	}
	sys, err := h.engine.System()
	if err != nil || sys.ActiveLoans != 0 || !sys.TotalDebt.IsZero() {
		t.Fatalf("unexpected system %+v (%v)", sys, err)
	}

	if err := h.engine.Close(owner); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := h.balance(owner, "SOL"); !got.Eq(sol(10)) {
		t.Fatalf("expected all collateral returned, got %s", got)
	}
	loan = h.loan(id)
	if !loan.Collateral.IsZero() || loan.Status != LoanInactive {
		t.Fatalf("expected zeroed record kept, got %+v", loan)
	}
}

func TestWithdrawInactive(t *testing.T) {
	h := newHarness(t, nil)
	owner := makeAddress(0x22)
	id := h.seedLoan(owner, sol(0), uint256.NewInt(0))
	h.store.loans[id].Inactive[0] = sol(2)
	h.addBalance(h.engine.collateralAccount, "SOL", sol(2))

	if _, err := h.engine.WithdrawInactive(owner, "SOL", sol(3)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient inactive balance, got %v", err)
	}
	paid, err := h.engine.WithdrawInactive(owner, "SOL", nil)
	if err != nil {
		t.Fatalf("withdraw inactive: %v", err)
	}
	if !paid.Eq(sol(2)) || !h.balance(owner, "SOL").Eq(sol(2)) {
		t.Fatalf("unexpected payout %s", paid)
	}
	if _, err := h.engine.WithdrawInactive(owner, "SOL", nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected empty balance error, got %v", err)
	}
	if _, err := h.engine.WithdrawInactive(makeAddress(0x23), "SOL", nil); !errors.Is(err, ErrUnknownLoan) {
		t.Fatalf("expected unknown loan, got %v", err)
	}
}
