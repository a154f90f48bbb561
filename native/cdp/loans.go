package cdp

import (
	"github.com/holiman/uint256"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
	"settlecore/native/fees"
)

// Mint credits a custody balance. It stands in for the external token mint and
// is used to fund wallets in development and tests.
func (e *Engine) Mint(owner crypto.Address, symbol string, amount *uint256.Int) error {
	if collateral.Or(amount).IsZero() {
		return ErrInvalidAmount
	}
	return e.update("", func(s *session) error {
		return s.mint(owner, symbol, amount)
	})
}

// Deposit moves collateral from the owner's wallet into their loan, opening the
// loan on first use.
func (e *Engine) Deposit(owner crypto.Address, symbol string, amount *uint256.Int) (uint64, error) {
	if collateral.Or(amount).IsZero() {
		return 0, ErrInvalidAmount
	}
	var id uint64
	err := e.update(nativecommon.ModuleLoans, func(s *session) error {
		idx, err := s.params.assetIndex(symbol)
		if err != nil {
			return err
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		loan, err := s.ensureLoan(owner)
		if err != nil {
			return err
		}
		if err := s.transfer(owner, s.e.collateralAccount, s.params.Assets[idx].Symbol, amount); err != nil {
			return err
		}
		if loan.Collateral, err = loan.Collateral.AddAt(idx, amount); err != nil {
			return err
		}
		if sys.TotalCollateral, err = sys.TotalCollateral.AddAt(idx, amount); err != nil {
			return err
		}
		id = loan.ID
		s.emitLoan(loan, "deposit")
		return nil
	})
	return id, err
}

// Borrow mints amount to the owner against their collateral. The borrowing fee
// is added to the debt and split between the treasury and stakers.
func (e *Engine) Borrow(owner crypto.Address, amount *uint256.Int, prices collateral.Prices) (*uint256.Int, error) {
	if collateral.Or(amount).IsZero() {
		return nil, ErrInvalidAmount
	}
	var fee *uint256.Int
	err := e.update(nativecommon.ModuleLoans, func(s *session) error {
		if err := prices.Validate(s.params.Assets); err != nil {
			return err
		}
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrUnknownLoan
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		if err := sys.BaseRate.Refresh(s.nowSeconds()); err != nil {
			return err
		}
		if fee, err = fees.BorrowingFee(amount, fees.BorrowingFeeBps(sys.BaseRate.Bps())); err != nil {
			return err
		}
		added, err := collateral.Add(amount, fee)
		if err != nil {
			return err
		}
		debt, err := collateral.Add(loan.Debt, added)
		if err != nil {
			return err
		}
		ratio, err := collateral.CollateralRatio(loan.Collateral, debt, s.params.Assets, prices)
		if err != nil {
			return err
		}
		if ratio < s.params.mcr() {
			return ErrBelowMCR
		}
		if loan.Debt.IsZero() {
			sys.ActiveLoans++
		}
		loan.Debt = debt
		loan.Status = LoanActive
		if sys.TotalDebt, err = collateral.Add(sys.TotalDebt, added); err != nil {
			return err
		}
		if err := s.mint(owner, s.params.StablecoinSymbol, amount); err != nil {
			return err
		}
		if err := s.payBorrowingFee(fee); err != nil {
			return err
		}
		s.emitLoan(loan, "borrow")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fee, nil
}

// Repay burns up to amount of the owner's stablecoin against their debt and
// returns the amount actually repaid.
func (e *Engine) Repay(owner crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if collateral.Or(amount).IsZero() {
		return nil, ErrInvalidAmount
	}
	var paid *uint256.Int
	err := e.update(nativecommon.ModuleLoans, func(s *session) error {
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrUnknownLoan
		}
		paid, err = s.repay(loan, amount)
		return err
	})
	return paid, err
}

func (s *session) repay(loan *Loan, amount *uint256.Int) (*uint256.Int, error) {
	if loan.Debt.IsZero() {
		return nil, ErrNoDebt
	}
	sys, err := s.loadSystem()
	if err != nil {
		return nil, err
	}
	paid := collateral.Min(amount, loan.Debt)
	if err := s.burn(loan.Owner, s.params.StablecoinSymbol, paid); err != nil {
		return nil, err
	}
	if loan.Debt, err = collateral.Sub(loan.Debt, paid); err != nil {
		return nil, err
	}
	if sys.TotalDebt, err = collateral.Sub(sys.TotalDebt, paid); err != nil {
		return nil, err
	}
	if loan.Debt.IsZero() {
		loan.Status = LoanInactive
		sys.ActiveLoans--
	}
	s.emitLoan(loan, "repay")
	return paid, nil
}

// WithdrawCollateral returns active collateral to the owner's wallet. A loan
// with debt must stay at or above the minimum collateral ratio.
func (e *Engine) WithdrawCollateral(owner crypto.Address, symbol string, amount *uint256.Int, prices collateral.Prices) error {
	if collateral.Or(amount).IsZero() {
		return ErrInvalidAmount
	}
	return e.update(nativecommon.ModuleLoans, func(s *session) error {
		idx, err := s.params.assetIndex(symbol)
		if err != nil {
			return err
		}
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrUnknownLoan
		}
		if loan.Collateral.At(idx).Lt(amount) {
			return ErrInsufficientBalance
		}
		remaining, err := loan.Collateral.SubAt(idx, amount)
		if err != nil {
			return err
		}
		if !loan.Debt.IsZero() {
			if err := prices.Validate(s.params.Assets); err != nil {
				return err
			}
			ratio, err := collateral.CollateralRatio(remaining, loan.Debt, s.params.Assets, prices)
			if err != nil {
				return err
			}
			if ratio < s.params.mcr() {
				return ErrBelowMCR
			}
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		loan.Collateral = remaining
		if sys.TotalCollateral, err = sys.TotalCollateral.SubAt(idx, amount); err != nil {
			return err
		}
		if err := s.transfer(s.e.collateralAccount, owner, s.params.Assets[idx].Symbol, amount); err != nil {
			return err
		}
		s.emitLoan(loan, "withdraw")
		return nil
	})
}

// WithdrawInactive pays redemption and liquidation proceeds out to the owner's
// wallet. A nil or zero amount withdraws the whole balance.
func (e *Engine) WithdrawInactive(owner crypto.Address, symbol string, amount *uint256.Int) (*uint256.Int, error) {
	var paid *uint256.Int
	err := e.update(nativecommon.ModuleLoans, func(s *session) error {
		idx, err := s.params.assetIndex(symbol)
		if err != nil {
			return err
		}
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrUnknownLoan
		}
		available := loan.Inactive.At(idx)
		paid = collateral.Clone(amount)
		if paid.IsZero() {
			paid = available
		}
		if paid.IsZero() || available.Lt(paid) {
			return ErrInsufficientBalance
		}
		if loan.Inactive, err = loan.Inactive.SubAt(idx, paid); err != nil {
			return err
		}
		if err := s.transfer(s.e.collateralAccount, owner, s.params.Assets[idx].Symbol, paid); err != nil {
			return err
		}
		s.emitLoan(loan, "withdraw_inactive")
		return nil
	})
	return paid, err
}

// Close repays the owner's remaining debt from their wallet and returns every
// active and inactive balance. The zeroed record is kept.
func (e *Engine) Close(owner crypto.Address) error {
	return e.update(nativecommon.ModuleLoans, func(s *session) error {
		loan, err := s.loanOf(owner)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrUnknownLoan
		}
		if !loan.Debt.IsZero() {
			if _, err := s.repay(loan, loan.Debt); err != nil {
				return err
			}
		}
		sys, err := s.loadSystem()
		if err != nil {
			return err
		}
		for i, asset := range s.params.Assets {
			active, inactive := loan.Collateral.At(i), loan.Inactive.At(i)
			if sys.TotalCollateral, err = sys.TotalCollateral.SubAt(i, active); err != nil {
				return err
			}
			total, err := collateral.Add(active, inactive)
			if err != nil {
				return err
			}
			if err := s.transfer(s.e.collateralAccount, owner, asset.Symbol, total); err != nil {
				return err
			}
		}
		w := s.params.width()
		loan.Collateral = collateral.NewAmounts(w)
		loan.Inactive = collateral.NewAmounts(w)
		loan.Status = LoanInactive
		s.emitLoan(loan, "close")
		return nil
	})
}

// creditInactive adds proceeds to the owner's inactive balance. The collateral
// itself already sits in the collateral custody account.
func (s *session) creditInactive(owner crypto.Address, amounts collateral.Amounts) error {
	if amounts.IsZero() {
		return nil
	}
	loan, err := s.ensureLoan(owner)
	if err != nil {
		return err
	}
	loan.Inactive, err = loan.Inactive.Add(amounts.Normalize(s.params.width()))
	return err
}

func (s *session) emitLoan(loan *Loan, action string) {
	s.emit(events.LoanUpdated{
		LoanID:     loan.ID,
		Owner:      loan.Owner,
		Action:     action,
		Debt:       collateral.Clone(loan.Debt),
		Collateral: loan.Collateral.Clone(),
	})
}
