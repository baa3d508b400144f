package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	stbstate "strongbox/core/state"
)

// RoleMinter may create new token supply. Granted during genesis only.
const RoleMinter = "ROLE_MINTER"

var (
	errNilManager            = errors.New("bank: state manager required")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrUnknownToken          = errors.New("bank: unknown token")
)

// Ledger implements registered-token balances, transfers, allowance-checked
// transfer-from and approvals over the state manager.
type Ledger struct {
	manager *stbstate.Manager
	nowFn   func() int64
}

// NewLedger constructs a ledger backed by the provided state manager.
func NewLedger(manager *stbstate.Manager) *Ledger {
	return &Ledger{
		manager: manager,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) ready() error {
	if l == nil || l.manager == nil {
		return errNilManager
	}
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (l *Ledger) requireToken(symbol string) (string, error) {
	normalized := normalizeSymbol(symbol)
	if !l.manager.TokenExists(normalized) {
		return "", fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return normalized, nil
}

// BalanceOf returns the current balance of addr for the given token.
func (l *Ledger) BalanceOf(token string, addr [20]byte) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	normalized, err := l.requireToken(token)
	if err != nil {
		return nil, err
	}
	return l.manager.Balance(addr[:], normalized)
}

// Transfer moves an exact amount between two accounts.
func (l *Ledger) Transfer(token string, from, to [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	normalized, err := l.requireToken(token)
	if err != nil {
		return err
	}
	return l.move(normalized, from, to, amount)
}

// TransferFrom moves an exact amount from the owner to the destination on
// behalf of the spender, consuming allowance. A spender moving their own funds
// needs no allowance.
func (l *Ledger) TransferFrom(token string, spender, from, to [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	normalized, err := l.requireToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: amount must be positive")
	}
	if spender != from {
		allowance, err := l.manager.Allowance(from[:], spender[:], normalized)
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		remaining := new(big.Int).Sub(allowance, amount)
		if err := l.manager.SetAllowance(from[:], spender[:], normalized, remaining); err != nil {
			return err
		}
	}
	return l.move(normalized, from, to, amount)
}

// Approve stores the amount a spender may pull from the owner's balance.
func (l *Ledger) Approve(token string, owner, spender [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	normalized, err := l.requireToken(token)
	if err != nil {
		return err
	}
	return l.manager.SetAllowance(owner[:], spender[:], normalized, amount)
}

// Mint creates new supply for the given account. The caller must hold the
// minter role.
func (l *Ledger) Mint(caller [20]byte, token string, to [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if !l.manager.HasRole(RoleMinter, caller[:]) {
		return fmt.Errorf("bank: caller lacks %s", RoleMinter)
	}
	normalized, err := l.requireToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: amount must be positive")
	}
	balance, err := l.manager.Balance(to[:], normalized)
	if err != nil {
		return err
	}
	return l.manager.SetBalance(to[:], normalized, new(big.Int).Add(balance, amount))
}

func (l *Ledger) move(token string, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance, err := l.manager.Balance(from[:], token)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.manager.Balance(to[:], token)
	if err != nil {
		return err
	}
	if err := l.manager.SetBalance(from[:], token, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.manager.SetBalance(to[:], token, new(big.Int).Add(toBalance, amount))
}
