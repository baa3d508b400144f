package safe

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"strongbox/core/events"
)

const (
	testStable     = "SUSD"
	testCollateral = "YLD"
	testDelay      = int64(86_400)
)

type mockKV struct {
	values map[string][]byte
}

func newMockKV() *mockKV {
	return &mockKV{values: make(map[string][]byte)}
}

func (m *mockKV) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.values[string(key)] = encoded
	return nil
}

func (m *mockKV) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok := m.values[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *mockKV) KVDelete(key []byte) error {
	delete(m.values, string(key))
	return nil
}

type transferRecord struct {
	token  string
	from   [20]byte
	to     [20]byte
	amount *big.Int
}

type mockLedger struct {
	balances   map[string]map[[20]byte]*big.Int
	transfers  []transferRecord
	approvals  map[string]*big.Int
	permits    [][]byte
	permitErr  error
	approveErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		balances:  make(map[string]map[[20]byte]*big.Int),
		approvals: make(map[string]*big.Int),
	}
}

func (m *mockLedger) setBalance(token string, addr [20]byte, amount int64) {
	if m.balances[token] == nil {
		m.balances[token] = make(map[[20]byte]*big.Int)
	}
	m.balances[token][addr] = big.NewInt(amount)
}

func (m *mockLedger) BalanceOf(token string, addr [20]byte) (*big.Int, error) {
	if m.balances[token] == nil || m.balances[token][addr] == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.balances[token][addr]), nil
}

func (m *mockLedger) Transfer(token string, from, to [20]byte, amount *big.Int) error {
	balance, _ := m.BalanceOf(token, from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("mock ledger: insufficient balance")
	}
	if m.balances[token] == nil {
		m.balances[token] = make(map[[20]byte]*big.Int)
	}
	m.balances[token][from] = new(big.Int).Sub(balance, amount)
	toBalance, _ := m.BalanceOf(token, to)
	m.balances[token][to] = new(big.Int).Add(toBalance, amount)
	m.transfers = append(m.transfers, transferRecord{token: token, from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *mockLedger) TransferFrom(token string, _, from, to [20]byte, amount *big.Int) error {
	return m.Transfer(token, from, to, amount)
}

func (m *mockLedger) Approve(token string, _, spender [20]byte, amount *big.Int) error {
	if m.approveErr != nil {
		return m.approveErr
	}
	m.approvals[token+"/"+string(spender[:])] = new(big.Int).Set(amount)
	return nil
}

func (m *mockLedger) ApplyAllowancePermit(_ string, permit []byte) error {
	m.permits = append(m.permits, append([]byte(nil), permit...))
	return m.permitErr
}

type mockSwapper struct {
	addr  [20]byte
	out   *big.Int
	err   error
	calls int
}

func (m *mockSwapper) Address() [20]byte { return m.addr }

func (m *mockSwapper) Swap(_, _ *big.Int, _ []byte) (*big.Int, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	names := make([]string, len(r.events))
	for i, evt := range r.events {
		names[i] = evt.EventType()
	}
	return names
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type engineFixture struct {
	engine   *Engine
	state    *mockKV
	ledger   *mockLedger
	swapper  *mockSwapper
	emitter  *recordingEmitter
	ownerKey *ecdsa.PrivateKey
	owner    [20]byte
	account  [20]byte
	spender  [20]byte
	debtor   [20]byte
	now      int64
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var owner [20]byte
	copy(owner[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())

	fx := &engineFixture{
		state:    newMockKV(),
		ledger:   newMockLedger(),
		emitter:  &recordingEmitter{},
		ownerKey: key,
		owner:    owner,
		account:  testAddr(0x01),
		spender:  testAddr(0x02),
		debtor:   testAddr(0x03),
		now:      1_700_000_000,
	}
	fx.swapper = &mockSwapper{addr: testAddr(0x04)}
	params := Params{
		Stable:     testStable,
		Collateral: testCollateral,
		Delay:      testDelay,
		Spender:    fx.spender,
		Debtor:     fx.debtor,
	}
	fx.engine = NewEngine(owner, fx.account, params)
	fx.engine.SetState(fx.state)
	fx.engine.SetLedger(fx.ledger)
	fx.engine.SetOracle(NewStaticOracle(big.NewInt(2_000_000)))
	fx.engine.SetSwapExecutor(fx.swapper)
	fx.engine.SetEmitter(fx.emitter)
	fx.engine.SetNowFunc(func() int64 { return fx.now })
	return fx
}

func (fx *engineFixture) sign(t *testing.T, digest []byte) []byte {
	t.Helper()
	sig, err := ethcrypto.Sign(digest, fx.ownerKey)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	return sig
}

func (fx *engineFixture) resetLimit(t *testing.T, tier LimitTier, cap int64) {
	t.Helper()
	if err := fx.engine.ResetSpendingLimit(fx.owner, tier, big.NewInt(cap)); err != nil {
		t.Fatalf("reset spending limit: %v", err)
	}
}

func TestDepositTransfersIntoSafe(t *testing.T) {
	fx := newEngineFixture(t)
	depositor := testAddr(0x10)
	fx.ledger.setBalance(testStable, depositor, 500)

	if err := fx.engine.Deposit(depositor, "susd", big.NewInt(200), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, _ := fx.ledger.BalanceOf(testStable, fx.account)
	if balance.Int64() != 200 {
		t.Fatalf("safe balance = %d, want 200", balance.Int64())
	}
	if len(fx.emitter.events) != 1 || fx.emitter.events[0].EventType() != events.TypeDepositReceived {
		t.Fatalf("events = %v, want single deposit event", fx.emitter.types())
	}
}

func TestDepositRejectedPermitStillProceeds(t *testing.T) {
	fx := newEngineFixture(t)
	depositor := testAddr(0x10)
	fx.ledger.setBalance(testStable, depositor, 500)
	fx.ledger.permitErr = errors.New("bad permit")

	if err := fx.engine.Deposit(depositor, testStable, big.NewInt(100), []byte(`{"bogus":true}`)); err != nil {
		t.Fatalf("deposit with failing permit: %v", err)
	}
	if len(fx.ledger.permits) != 1 {
		t.Fatalf("permit applications = %d, want 1", len(fx.ledger.permits))
	}
	balance, _ := fx.ledger.BalanceOf(testStable, fx.account)
	if balance.Int64() != 100 {
		t.Fatalf("safe balance = %d, want 100", balance.Int64())
	}
}

func TestDepositRequiresPositiveAmount(t *testing.T) {
	fx := newEngineFixture(t)
	if err := fx.engine.Deposit(testAddr(0x10), testStable, big.NewInt(0), nil); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := fx.engine.Deposit(testAddr(0x10), testStable, nil, nil); err == nil {
		t.Fatal("expected error for nil amount")
	}
}

func TestApproveTokenOwnerGated(t *testing.T) {
	fx := newEngineFixture(t)
	spender := testAddr(0x20)

	if err := fx.engine.ApproveToken(testAddr(0x99), testStable, spender, big.NewInt(50)); !errors.Is(err, ErrUnauthorizedCall) {
		t.Fatalf("approve by stranger: %v, want ErrUnauthorizedCall", err)
	}
	if err := fx.engine.ApproveToken(fx.owner, testStable, spender, big.NewInt(50)); err != nil {
		t.Fatalf("approve by owner: %v", err)
	}
	if len(fx.emitter.events) != 1 || fx.emitter.events[0].EventType() != events.TypeTokenApproved {
		t.Fatalf("events = %v, want approval event", fx.emitter.types())
	}
}

func TestSpendRestrictedToCounterparty(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testStable, fx.account, 1_000)
	fx.resetLimit(t, LimitTierDaily, 1_000)

	if err := fx.engine.Spend(fx.owner, big.NewInt(10)); !errors.Is(err, ErrUnauthorizedCall) {
		t.Fatalf("spend by owner: %v, want ErrUnauthorizedCall", err)
	}
	if err := fx.engine.Spend(fx.spender, big.NewInt(10)); err != nil {
		t.Fatalf("spend by counterparty: %v", err)
	}
	balance, _ := fx.ledger.BalanceOf(testStable, fx.spender)
	if balance.Int64() != 10 {
		t.Fatalf("counterparty balance = %d, want 10", balance.Int64())
	}
}

func TestSpendExcludesBlockedFunds(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testStable, fx.account, 100)
	fx.resetLimit(t, LimitTierDaily, 1_000)
	if err := fx.engine.RequestWithdrawal(fx.owner, []string{testStable}, []*big.Int{big.NewInt(50)}, testAddr(0x30)); err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}

	if err := fx.engine.Spend(fx.spender, big.NewInt(60)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("spend into blocked funds: %v, want ErrInsufficientBalance", err)
	}
	if err := fx.engine.Spend(fx.spender, big.NewInt(50)); err != nil {
		t.Fatalf("spend within free balance: %v", err)
	}
}

func TestSpendFailedAvailabilityLeavesLimitUntouched(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testStable, fx.account, 10)
	fx.resetLimit(t, LimitTierDaily, 1_000)

	if err := fx.engine.Spend(fx.spender, big.NewInt(50)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdrawn spend: %v, want ErrInsufficientBalance", err)
	}
	limit, err := fx.engine.SpendingLimit()
	if err != nil {
		t.Fatalf("load limit: %v", err)
	}
	if limit.Used.Sign() != 0 {
		t.Fatalf("used = %s after failed spend, want 0", limit.Used)
	}
}

func TestSettleDebtChargesStableTermsViaOracle(t *testing.T) {
	fx := newEngineFixture(t)
	// 2 SUSD smallest units per whole collateral unit at the fixture rate.
	whole := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fx.ledger.setBalance(testCollateral, fx.account, 0)
	fx.ledger.balances[testCollateral][fx.account] = new(big.Int).Mul(whole, big.NewInt(5))
	fx.resetLimit(t, LimitTierDaily, 10_000_000)

	if err := fx.engine.SettleDebt(fx.spender, big.NewInt(1)); !errors.Is(err, ErrUnauthorizedCall) {
		t.Fatalf("settle by spend counterparty: %v, want ErrUnauthorizedCall", err)
	}
	if err := fx.engine.SettleDebt(fx.debtor, new(big.Int).Mul(whole, big.NewInt(2))); err != nil {
		t.Fatalf("settle debt: %v", err)
	}
	limit, err := fx.engine.SpendingLimit()
	if err != nil {
		t.Fatalf("load limit: %v", err)
	}
	if limit.Used.Int64() != 4_000_000 {
		t.Fatalf("used = %s, want 4000000 stable units", limit.Used)
	}
	balance, _ := fx.ledger.BalanceOf(testCollateral, fx.debtor)
	if balance.Cmp(new(big.Int).Mul(whole, big.NewInt(2))) != 0 {
		t.Fatalf("debtor collateral = %s, want 2 whole units", balance)
	}
}

func TestSwapAndSpendHappyPath(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testCollateral, fx.account, 1_000)
	fx.ledger.setBalance(testStable, fx.account, 500)
	fx.resetLimit(t, LimitTierDaily, 1_000)
	fx.swapper.out = big.NewInt(120)

	if err := fx.engine.SwapAndSpend(fx.spender, big.NewInt(300), big.NewInt(100), big.NewInt(110), nil); err != nil {
		t.Fatalf("swap and spend: %v", err)
	}
	if fx.swapper.calls != 1 {
		t.Fatalf("swap calls = %d, want 1", fx.swapper.calls)
	}
	swapperBalance, _ := fx.ledger.BalanceOf(testCollateral, fx.swapper.addr)
	if swapperBalance.Int64() != 300 {
		t.Fatalf("swapper collateral = %d, want 300", swapperBalance.Int64())
	}
	spenderBalance, _ := fx.ledger.BalanceOf(testStable, fx.spender)
	if spenderBalance.Int64() != 110 {
		t.Fatalf("counterparty stable = %d, want 110", spenderBalance.Int64())
	}
	limit, _ := fx.engine.SpendingLimit()
	if limit.Used.Int64() != 110 {
		t.Fatalf("used = %s, want 110", limit.Used)
	}
}

func TestSwapAndSpendRejectsUnderDelivery(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testCollateral, fx.account, 1_000)
	fx.resetLimit(t, LimitTierDaily, 1_000)
	fx.swapper.out = big.NewInt(90)

	err := fx.engine.SwapAndSpend(fx.spender, big.NewInt(300), big.NewInt(80), big.NewInt(100), nil)
	if !errors.Is(err, ErrAmountGreaterThanReceived) {
		t.Fatalf("under-delivered swap: %v, want ErrAmountGreaterThanReceived", err)
	}
	// The charge taken up front for stableToSend is restored on failure.
	limit, _ := fx.engine.SpendingLimit()
	if limit.Used.Sign() != 0 {
		t.Fatalf("used = %s after rejected swap, want 0", limit.Used)
	}
	// The collateral leg already executed against the external swapper and
	// stays with it.
	swapperBalance, _ := fx.ledger.BalanceOf(testCollateral, fx.swapper.addr)
	if swapperBalance.Int64() != 300 {
		t.Fatalf("swapper collateral = %d, want 300", swapperBalance.Int64())
	}
}

func TestSwapAndSpendRefundsChargeOnSwapFailure(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testCollateral, fx.account, 1_000)
	fx.resetLimit(t, LimitTierDaily, 1_000)
	fx.swapper.err = errors.New("pool drained")

	err := fx.engine.SwapAndSpend(fx.spender, big.NewInt(300), big.NewInt(80), big.NewInt(100), nil)
	if err == nil || err.Error() != "pool drained" {
		t.Fatalf("failing swap: %v, want executor error", err)
	}
	limit, _ := fx.engine.SpendingLimit()
	if limit.Used.Sign() != 0 {
		t.Fatalf("used = %s after failed swap, want 0", limit.Used)
	}
}

func TestSwapAndSpendRefundKeepsPriorUsage(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testCollateral, fx.account, 1_000)
	fx.ledger.setBalance(testStable, fx.account, 500)
	fx.resetLimit(t, LimitTierDaily, 1_000)
	if err := fx.engine.Spend(fx.spender, big.NewInt(40)); err != nil {
		t.Fatalf("prior spend: %v", err)
	}
	fx.swapper.out = big.NewInt(90)

	err := fx.engine.SwapAndSpend(fx.spender, big.NewInt(300), big.NewInt(80), big.NewInt(100), nil)
	if !errors.Is(err, ErrAmountGreaterThanReceived) {
		t.Fatalf("under-delivered swap: %v, want ErrAmountGreaterThanReceived", err)
	}
	// Only the failed charge is unwound; earlier usage stands.
	limit, _ := fx.engine.SpendingLimit()
	if limit.Used.Int64() != 40 {
		t.Fatalf("used = %s after rejected swap, want 40", limit.Used)
	}
}

func TestSwapAndSpendRestrictedToSpendCounterparty(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testCollateral, fx.account, 1_000)
	fx.resetLimit(t, LimitTierDaily, 1_000)

	if err := fx.engine.SwapAndSpend(fx.debtor, big.NewInt(10), big.NewInt(1), big.NewInt(1), nil); !errors.Is(err, ErrUnauthorizedCall) {
		t.Fatalf("swap by debtor: %v, want ErrUnauthorizedCall", err)
	}
}

func TestSwapAndSpendExcludesBlockedCollateral(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testCollateral, fx.account, 100)
	fx.resetLimit(t, LimitTierDaily, 1_000)
	if err := fx.engine.RequestWithdrawal(fx.owner, []string{testCollateral}, []*big.Int{big.NewInt(80)}, testAddr(0x30)); err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}

	err := fx.engine.SwapAndSpend(fx.spender, big.NewInt(30), big.NewInt(1), big.NewInt(1), nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("swap into blocked collateral: %v, want ErrInsufficientBalance", err)
	}
}
