package safe

import (
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func newQuoteOracleFixture(t *testing.T) (*QuoteOracle, *mockKV, func(rate int64, ts int64) *PriceQuote, *int64) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var feeder [20]byte
	copy(feeder[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())

	state := newMockKV()
	oracle := NewQuoteOracle(state, feeder, 300)
	now := int64(1_700_000_000)
	oracle.SetNowFunc(func() int64 { return now })

	makeQuote := func(rate int64, ts int64) *PriceQuote {
		sig, err := ethcrypto.Sign(QuoteDigest(big.NewInt(rate), ts), key)
		if err != nil {
			t.Fatalf("sign quote: %v", err)
		}
		return &PriceQuote{Rate: big.NewInt(rate), Timestamp: ts, Signature: sig}
	}
	return oracle, state, makeQuote, &now
}

func TestQuoteOracleRoundTrip(t *testing.T) {
	oracle, _, makeQuote, now := newQuoteOracleFixture(t)

	if err := oracle.SubmitQuote(makeQuote(2_000_000, *now)); err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	rate, err := oracle.CollateralRate()
	if err != nil {
		t.Fatalf("collateral rate: %v", err)
	}
	if rate.Int64() != 2_000_000 {
		t.Fatalf("rate = %s, want 2000000", rate)
	}
}

func TestQuoteOracleRejectsUnknownSigner(t *testing.T) {
	oracle, _, _, now := newQuoteOracleFixture(t)

	strangerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := ethcrypto.Sign(QuoteDigest(big.NewInt(100), *now), strangerKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	quote := &PriceQuote{Rate: big.NewInt(100), Timestamp: *now, Signature: sig}
	if err := oracle.SubmitQuote(quote); !errors.Is(err, ErrQuoteSignatureInvalid) {
		t.Fatalf("stranger quote: %v, want ErrQuoteSignatureInvalid", err)
	}
}

func TestQuoteOracleRejectsTamperedPayload(t *testing.T) {
	oracle, _, makeQuote, now := newQuoteOracleFixture(t)

	quote := makeQuote(2_000_000, *now)
	quote.Rate = big.NewInt(9_000_000)
	if err := oracle.SubmitQuote(quote); !errors.Is(err, ErrQuoteSignatureInvalid) {
		t.Fatalf("tampered quote: %v, want ErrQuoteSignatureInvalid", err)
	}
}

func TestQuoteOracleStaleness(t *testing.T) {
	oracle, _, makeQuote, now := newQuoteOracleFixture(t)

	if _, err := oracle.CollateralRate(); !errors.Is(err, ErrQuoteStale) {
		t.Fatalf("rate before any quote: %v, want ErrQuoteStale", err)
	}
	if err := oracle.SubmitQuote(makeQuote(2_000_000, *now)); err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	*now += 301
	if _, err := oracle.CollateralRate(); !errors.Is(err, ErrQuoteStale) {
		t.Fatalf("expired quote: %v, want ErrQuoteStale", err)
	}
}

func TestQuoteOracleRejectsMalformedQuotes(t *testing.T) {
	oracle, _, _, _ := newQuoteOracleFixture(t)

	cases := []*PriceQuote{
		nil,
		{Rate: nil, Timestamp: 1, Signature: make([]byte, 65)},
		{Rate: big.NewInt(0), Timestamp: 1, Signature: make([]byte, 65)},
		{Rate: big.NewInt(100), Timestamp: 0, Signature: make([]byte, 65)},
	}
	for i, quote := range cases {
		if err := oracle.SubmitQuote(quote); !errors.Is(err, ErrQuoteInvalid) {
			t.Fatalf("case %d: %v, want ErrQuoteInvalid", i, err)
		}
	}
	short := &PriceQuote{Rate: big.NewInt(100), Timestamp: 1, Signature: []byte{0x01}}
	if err := oracle.SubmitQuote(short); !errors.Is(err, ErrQuoteSignatureInvalid) {
		t.Fatalf("short signature: %v, want ErrQuoteSignatureInvalid", err)
	}
}

func TestStaticOracle(t *testing.T) {
	oracle := NewStaticOracle(big.NewInt(1_500_000))
	rate, err := oracle.CollateralRate()
	if err != nil {
		t.Fatalf("static rate: %v", err)
	}
	if rate.Int64() != 1_500_000 {
		t.Fatalf("rate = %s, want 1500000", rate)
	}
	if _, err := NewStaticOracle(nil).CollateralRate(); !errors.Is(err, ErrQuoteInvalid) {
		t.Fatalf("nil static rate: %v, want ErrQuoteInvalid", err)
	}
}
