package safe

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// QuoteDomainV1 scopes price quote digests to this system and version.
const QuoteDomainV1 = "STRONGBOX_PRICE_QUOTE_V1"

var (
	// ErrQuoteSignatureInvalid indicates the quote signature could not be
	// recovered or did not match the registered feeder.
	ErrQuoteSignatureInvalid = errors.New("safe: price quote signature invalid")
	// ErrQuoteStale indicates the quote exceeded the configured freshness
	// window, or none has been submitted yet.
	ErrQuoteStale = errors.New("safe: price quote stale")
	// ErrQuoteInvalid indicates a malformed quote payload.
	ErrQuoteInvalid = errors.New("safe: price quote invalid")
)

// PriceQuote is a feeder-signed observation of the collateral-to-stable rate,
// expressed in stable smallest units per 1e18 collateral units.
type PriceQuote struct {
	Rate      *big.Int
	Timestamp int64
	Signature []byte
}

// QuoteDigest returns the canonical digest a feeder signs over a rate
// observation.
func QuoteDigest(rate *big.Int, timestamp int64) []byte {
	rateStr := "0"
	if rate != nil {
		rateStr = rate.String()
	}
	payload := fmt.Sprintf("%s|rate=%s|ts=%d", QuoteDomainV1, rateStr, timestamp)
	return ethcrypto.Keccak256([]byte(payload))
}

type storedQuote struct {
	Rate      *big.Int
	Timestamp uint64
}

var quoteStorageKey = []byte("safe/oracle/quote")

// QuoteOracle validates feeder-signed price quotes and serves the most recent
// one within the freshness window.
type QuoteOracle struct {
	state  engineState
	feeder [20]byte
	maxAge int64
	nowFn  func() int64
}

// NewQuoteOracle constructs an oracle accepting quotes signed by feeder. A
// non-positive maxAge disables the freshness check.
func NewQuoteOracle(state engineState, feeder [20]byte, maxAge int64) *QuoteOracle {
	return &QuoteOracle{
		state:  state,
		feeder: feeder,
		maxAge: maxAge,
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the oracle clock, primarily for deterministic tests.
func (o *QuoteOracle) SetNowFunc(now func() int64) {
	if o == nil || now == nil {
		return
	}
	o.nowFn = now
}

// SubmitQuote verifies and persists a feeder-signed rate observation.
func (o *QuoteOracle) SubmitQuote(quote *PriceQuote) error {
	if o == nil || o.state == nil {
		return errEngineUninitialised
	}
	if quote == nil || quote.Rate == nil || quote.Rate.Sign() <= 0 || quote.Timestamp <= 0 {
		return ErrQuoteInvalid
	}
	if len(quote.Signature) != 65 {
		return ErrQuoteSignatureInvalid
	}
	digest := QuoteDigest(quote.Rate, quote.Timestamp)
	pubKey, err := ethcrypto.SigToPub(digest, quote.Signature)
	if err != nil {
		return ErrQuoteSignatureInvalid
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(o.feeder[:]) {
		return ErrQuoteSignatureInvalid
	}
	stored := &storedQuote{
		Rate:      new(big.Int).Set(quote.Rate),
		Timestamp: uint64(quote.Timestamp),
	}
	return o.state.KVPut(quoteStorageKey, stored)
}

// CollateralRate returns the most recent verified rate, rejecting stale
// observations.
func (o *QuoteOracle) CollateralRate() (*big.Int, error) {
	if o == nil || o.state == nil {
		return nil, errEngineUninitialised
	}
	var stored storedQuote
	ok, err := o.state.KVGet(quoteStorageKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Rate == nil {
		return nil, ErrQuoteStale
	}
	if o.maxAge > 0 {
		now := o.nowFn()
		if now-int64(stored.Timestamp) > o.maxAge {
			return nil, ErrQuoteStale
		}
	}
	return new(big.Int).Set(stored.Rate), nil
}

// StaticOracle serves a fixed conversion rate. Used for standalone runs and
// tests.
type StaticOracle struct {
	rate *big.Int
}

// NewStaticOracle constructs an oracle pinned to the supplied rate.
func NewStaticOracle(rate *big.Int) *StaticOracle {
	return &StaticOracle{rate: cloneBigInt(rate)}
}

// CollateralRate returns the pinned rate.
func (o *StaticOracle) CollateralRate() (*big.Int, error) {
	if o == nil || o.rate == nil || o.rate.Sign() <= 0 {
		return nil, ErrQuoteInvalid
	}
	return new(big.Int).Set(o.rate), nil
}
