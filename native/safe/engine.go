package safe

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"strongbox/core/events"
)

var (
	errEngineUninitialised = errors.New("safe: engine not configured")
	errAmountPositive      = errors.New("safe: amount must be positive")
)

// oneCollateral is the fixed-point scale of the collateral unit used when
// converting charges into stable terms.
var oneCollateral = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// engineState abstracts the subset of state manager functionality required by
// the safe engine.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// TokenLedger is the asset transfer collaborator. The engine never moves
// balances itself; it only instructs the ledger after its own invariants are
// settled.
type TokenLedger interface {
	BalanceOf(token string, addr [20]byte) (*big.Int, error)
	Transfer(token string, from, to [20]byte, amount *big.Int) error
	TransferFrom(token string, spender, from, to [20]byte, amount *big.Int) error
	Approve(token string, owner, spender [20]byte, amount *big.Int) error
	ApplyAllowancePermit(token string, permit []byte) error
}

// PriceOracle exposes the single conversion rate from the collateral unit to
// the stable unit, expressed in stable smallest units per 1e18 collateral
// units.
type PriceOracle interface {
	CollateralRate() (*big.Int, error)
}

// SwapExecutor exchanges collateral unit for at least a minimum amount of
// stable unit, given opaque routing data, and reports the amount received.
type SwapExecutor interface {
	Address() [20]byte
	Swap(collateralIn, minStableOut *big.Int, data []byte) (*big.Int, error)
}

// Registry supplies the externally-decided policy values: the governed token
// symbols, the withdrawal delay, and the two restricted counterparties.
type Registry interface {
	StableToken() string
	CollateralToken() string
	WithdrawalDelay() int64
	SpendCounterparty() [20]byte
	DebtCounterparty() [20]byte
}

// Params is a static Registry implementation assembled from configuration.
type Params struct {
	Stable     string
	Collateral string
	Delay      int64
	Spender    [20]byte
	Debtor     [20]byte
}

func (p Params) StableToken() string         { return normalizeToken(p.Stable) }
func (p Params) CollateralToken() string     { return normalizeToken(p.Collateral) }
func (p Params) WithdrawalDelay() int64      { return p.Delay }
func (p Params) SpendCounterparty() [20]byte { return p.Spender }
func (p Params) DebtCounterparty() [20]byte  { return p.Debtor }

// Engine is the safe account state machine: permit authorization, the
// renewing spending limit, the single pending withdrawal with its
// blocked-funds reservations, and the three outward transfer gates.
type Engine struct {
	state   engineState
	ledger  TokenLedger
	oracle  PriceOracle
	swapper SwapExecutor
	params  Registry
	owner   [20]byte
	account [20]byte
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a safe engine with a no-op emitter. The state backend and
// collaborators must be configured before use.
func NewEngine(owner, account [20]byte, params Registry) *Engine {
	return &Engine{
		owner:   owner,
		account: account,
		params:  params,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the asset transfer collaborator.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetOracle configures the collateral price source.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

// SetSwapExecutor configures the swap collaborator used by SwapAndSpend.
func (e *Engine) SetSwapExecutor(swapper SwapExecutor) { e.swapper = swapper }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Owner returns the single principal controlling the safe.
func (e *Engine) Owner() [20]byte { return e.owner }

// Account returns the address holding the safe's balances.
func (e *Engine) Account() [20]byte { return e.account }

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.ledger == nil || e.params == nil {
		return errEngineUninitialised
	}
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) requireOwner(caller [20]byte) error {
	if caller != e.owner {
		return ErrUnauthorizedCall
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errAmountPositive
	}
	return nil
}

// available reports whether amount can leave the safe without touching the
// funds blocked for the pending withdrawal. The blocked entry and the live
// balance are read in the same step that authorizes the transfer.
func (e *Engine) checkAvailable(token string, amount *big.Int) error {
	blocked, err := e.blockedAmount(token)
	if err != nil {
		return err
	}
	balance, err := e.ledger.BalanceOf(token, e.account)
	if err != nil {
		return err
	}
	needed := new(big.Int).Add(amount, blocked)
	if needed.Cmp(balance) > 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Deposit moves the supplied amount from the depositor into the safe. Any
// caller may push their own funds in. When an asset-level allowance permit is
// supplied its application is best effort: a failure is swallowed so the
// deposit can still proceed via a pre-existing allowance.
func (e *Engine) Deposit(from [20]byte, token string, amount *big.Int, permit []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	normalized := normalizeToken(token)
	if len(permit) > 0 {
		// Best effort: a rejected permit must not block the deposit.
		_ = e.ledger.ApplyAllowancePermit(normalized, permit)
	}
	if err := e.ledger.TransferFrom(normalized, e.account, from, e.account, amount); err != nil {
		return err
	}
	e.emit(events.DepositReceived{Token: normalized, From: from, Amount: cloneBigInt(amount)})
	return nil
}

// ApproveToken grants a spender an allowance over the safe's balance of the
// given token. Owner-gated.
func (e *Engine) ApproveToken(caller [20]byte, token string, spender [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.approveToken(token, spender, amount)
}

// ApproveTokenWithPermit is the relayable variant of ApproveToken, authorized
// by an owner-signed permit. The nonce is consumed even when the operation
// later fails.
func (e *Engine) ApproveTokenWithPermit(token string, spender [20]byte, amount *big.Int, nonce uint64, sig []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.consumePermit(PermitTagApprove, approveArgs(token, spender, amount), nonce, sig); err != nil {
		return err
	}
	return e.approveToken(token, spender, amount)
}

func (e *Engine) approveToken(token string, spender [20]byte, amount *big.Int) error {
	normalized := normalizeToken(token)
	amt := cloneBigInt(amount)
	if err := e.ledger.Approve(normalized, e.account, spender, amt); err != nil {
		return err
	}
	e.emit(events.TokenApproved{Token: normalized, Spender: spender, Amount: cloneBigInt(amt)})
	return nil
}

// Spend transfers stable unit to the configured spend counterparty, charging
// the spending limit. Funds blocked for the pending withdrawal are excluded
// from what is spendable.
func (e *Engine) Spend(caller [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if caller != e.params.SpendCounterparty() {
		return ErrUnauthorizedCall
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	stable := e.params.StableToken()
	if err := e.checkAvailable(stable, amount); err != nil {
		return err
	}
	if err := e.chargeLimit(stable, amount); err != nil {
		return err
	}
	if err := e.ledger.Transfer(stable, e.account, caller, amount); err != nil {
		if refundErr := e.refundLimit(stable, amount); refundErr != nil {
			return refundErr
		}
		return err
	}
	e.emit(events.SpendExecuted{To: caller, Amount: cloneBigInt(amount)})
	return nil
}

// SettleDebt transfers collateral unit to the configured debt counterparty.
// The spending limit is charged in stable terms via the oracle rate.
func (e *Engine) SettleDebt(caller [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if caller != e.params.DebtCounterparty() {
		return ErrUnauthorizedCall
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	collateral := e.params.CollateralToken()
	if err := e.checkAvailable(collateral, amount); err != nil {
		return err
	}
	if err := e.chargeLimit(collateral, amount); err != nil {
		return err
	}
	if err := e.ledger.Transfer(collateral, e.account, caller, amount); err != nil {
		if refundErr := e.refundLimit(collateral, amount); refundErr != nil {
			return refundErr
		}
		return err
	}
	e.emit(events.DebtSettled{To: caller, Amount: cloneBigInt(amount)})
	return nil
}

// SwapAndSpend exchanges collateral for stable unit through the swap executor
// and forwards stableToSend of the proceeds to the spend counterparty. The
// limit charge covers stableToSend; the swap may not under-deliver against it.
// When the swap leg fails the charge is refunded. Collateral already delivered
// to the executor is outside the engine's reach and stays with it.
func (e *Engine) SwapAndSpend(caller [20]byte, collateralIn, minStableOut, stableToSend *big.Int, data []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.swapper == nil {
		return errEngineUninitialised
	}
	if caller != e.params.SpendCounterparty() {
		return ErrUnauthorizedCall
	}
	if err := requirePositive(collateralIn); err != nil {
		return err
	}
	if err := requirePositive(stableToSend); err != nil {
		return err
	}
	collateral := e.params.CollateralToken()
	stable := e.params.StableToken()
	if err := e.checkAvailable(collateral, collateralIn); err != nil {
		return err
	}
	if err := e.chargeLimit(stable, stableToSend); err != nil {
		return err
	}
	if err := e.ledger.Transfer(collateral, e.account, e.swapper.Address(), collateralIn); err != nil {
		if refundErr := e.refundLimit(stable, stableToSend); refundErr != nil {
			return refundErr
		}
		return err
	}
	received, err := e.swapper.Swap(collateralIn, cloneBigInt(minStableOut), data)
	if err != nil {
		if refundErr := e.refundLimit(stable, stableToSend); refundErr != nil {
			return refundErr
		}
		return err
	}
	if received == nil || stableToSend.Cmp(received) > 0 {
		if refundErr := e.refundLimit(stable, stableToSend); refundErr != nil {
			return refundErr
		}
		return ErrAmountGreaterThanReceived
	}
	if err := e.ledger.Transfer(stable, e.account, caller, stableToSend); err != nil {
		if refundErr := e.refundLimit(stable, stableToSend); refundErr != nil {
			return refundErr
		}
		return err
	}
	e.emit(events.SwapExecuted{
		To:             caller,
		CollateralIn:   cloneBigInt(collateralIn),
		StableReceived: cloneBigInt(received),
		StableSent:     cloneBigInt(stableToSend),
	})
	return nil
}

// stableValue converts an amount of the given token into stable-unit terms.
// Stable amounts pass through; collateral amounts are converted with the
// oracle rate at the stable unit's precision.
func (e *Engine) stableValue(token string, amount *big.Int) (*big.Int, error) {
	if normalizeToken(token) != e.params.CollateralToken() {
		return cloneBigInt(amount), nil
	}
	if e.oracle == nil {
		return nil, fmt.Errorf("safe: price oracle not configured")
	}
	rate, err := e.oracle.CollateralRate()
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() < 0 {
		return nil, fmt.Errorf("safe: invalid collateral rate")
	}
	value := new(big.Int).Mul(cloneBigInt(amount), rate)
	return value.Div(value, oneCollateral), nil
}
