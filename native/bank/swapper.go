package bank

import (
	"errors"
	"math/big"

	"strongbox/native/safe"
)

var (
	// ErrSwapSlippage indicates the executor's rate produced less stable unit
	// than the caller's minimum.
	ErrSwapSlippage = errors.New("bank: swap output below minimum")
)

var oneCollateral = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// RateSwapper is a ledger-backed swap executor that fills collateral-for-
// stable swaps from its own stable inventory at the oracle rate. It stands in
// for an external routing venue.
type RateSwapper struct {
	ledger     *Ledger
	oracle     safe.PriceOracle
	account    [20]byte
	safeAddr   [20]byte
	stable     string
	collateral string
}

// NewRateSwapper constructs a swapper funded at account that settles swaps for
// safeAddr.
func NewRateSwapper(ledger *Ledger, oracle safe.PriceOracle, account, safeAddr [20]byte, stable, collateral string) *RateSwapper {
	return &RateSwapper{
		ledger:     ledger,
		oracle:     oracle,
		account:    account,
		safeAddr:   safeAddr,
		stable:     normalizeSymbol(stable),
		collateral: normalizeSymbol(collateral),
	}
}

// Address returns the account that receives the collateral leg.
func (s *RateSwapper) Address() [20]byte { return s.account }

// Swap converts the collateral already delivered to the swapper's account into
// stable unit at the oracle rate, transfers the proceeds to the safe and
// returns the amount delivered. The routing data is opaque and unused by this
// executor.
func (s *RateSwapper) Swap(collateralIn, minStableOut *big.Int, _ []byte) (*big.Int, error) {
	if s == nil || s.ledger == nil || s.oracle == nil {
		return nil, errNilManager
	}
	if collateralIn == nil || collateralIn.Sign() <= 0 {
		return nil, ErrSwapSlippage
	}
	rate, err := s.oracle.CollateralRate()
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(collateralIn, rate)
	out.Div(out, oneCollateral)
	if minStableOut != nil && out.Cmp(minStableOut) < 0 {
		return nil, ErrSwapSlippage
	}
	if err := s.ledger.Transfer(s.stable, s.account, s.safeAddr, out); err != nil {
		return nil, err
	}
	return out, nil
}
