package safe

import (
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestPermitConsumesNonceOnFailure(t *testing.T) {
	fx := newEngineFixture(t)

	badSig := make([]byte, 65)
	err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 1, badSig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("permit with garbage signature: %v, want ErrInvalidSignature", err)
	}
	nonce, err := fx.engine.Nonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("nonce = %d after failed permit, want 1", nonce)
	}
}

func TestPermitReplayRejected(t *testing.T) {
	fx := newEngineFixture(t)

	sig := fx.sign(t, UpdateLimitDigest(fx.account, big.NewInt(100), 1))
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 1, sig); err != nil {
		t.Fatalf("first permit: %v", err)
	}
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 1, sig); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("replayed permit: %v, want ErrInvalidNonce", err)
	}
	// The replay attempt itself burned a nonce.
	nonce, _ := fx.engine.Nonce()
	if nonce != 2 {
		t.Fatalf("nonce = %d, want 2", nonce)
	}
}

func TestPermitWrongNonceBurnsCounter(t *testing.T) {
	fx := newEngineFixture(t)

	sig := fx.sign(t, UpdateLimitDigest(fx.account, big.NewInt(100), 5))
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 5, sig); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("permit with future nonce: %v, want ErrInvalidNonce", err)
	}
	nonce, _ := fx.engine.Nonce()
	if nonce != 1 {
		t.Fatalf("nonce = %d, want 1", nonce)
	}
	// Now that the counter sits at 1 the next valid permit must use nonce 2.
	sig = fx.sign(t, UpdateLimitDigest(fx.account, big.NewInt(100), 2))
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 2, sig); err != nil {
		t.Fatalf("follow-up permit: %v", err)
	}
}

func TestPermitSignerMustBeOwner(t *testing.T) {
	fx := newEngineFixture(t)

	strangerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := ethcrypto.Sign(UpdateLimitDigest(fx.account, big.NewInt(100), 1), strangerKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 1, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("permit signed by stranger: %v, want ErrInvalidSignature", err)
	}
}

func TestPermitTagBindsOperation(t *testing.T) {
	fx := newEngineFixture(t)

	// A signature for a cap update cannot authorize a limit reset with the
	// same payload shape.
	sig := fx.sign(t, UpdateLimitDigest(fx.account, big.NewInt(100), 1))
	err := fx.engine.ResetSpendingLimitWithPermit(LimitTierDaily, big.NewInt(100), 1, sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("cross-operation permit: %v, want ErrInvalidSignature", err)
	}
}

func TestSequentialPermits(t *testing.T) {
	fx := newEngineFixture(t)

	sig := fx.sign(t, ResetLimitDigest(fx.account, LimitTierWeekly, big.NewInt(500), 1))
	if err := fx.engine.ResetSpendingLimitWithPermit(LimitTierWeekly, big.NewInt(500), 1, sig); err != nil {
		t.Fatalf("reset permit: %v", err)
	}
	sig = fx.sign(t, UpdateLimitDigest(fx.account, big.NewInt(750), 2))
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(750), 2, sig); err != nil {
		t.Fatalf("update permit: %v", err)
	}
	limit, err := fx.engine.SpendingLimit()
	if err != nil {
		t.Fatalf("load limit: %v", err)
	}
	if limit.Tier != LimitTierWeekly || limit.Limit.Int64() != 750 {
		t.Fatalf("limit = tier %d cap %s, want weekly 750", limit.Tier, limit.Limit)
	}
}

func TestApproveWithPermit(t *testing.T) {
	fx := newEngineFixture(t)
	spender := testAddr(0x20)

	sig := fx.sign(t, ApproveDigest(fx.account, testStable, spender, big.NewInt(40), 1))
	if err := fx.engine.ApproveTokenWithPermit(testStable, spender, big.NewInt(40), 1, sig); err != nil {
		t.Fatalf("approve permit: %v", err)
	}
	granted := fx.ledger.approvals[testStable+"/"+string(spender[:])]
	if granted == nil || granted.Int64() != 40 {
		t.Fatalf("granted allowance = %v, want 40", granted)
	}
}

func TestRequestWithdrawalWithPermit(t *testing.T) {
	fx := newEngineFixture(t)
	fx.ledger.setBalance(testStable, fx.account, 100)
	recipient := testAddr(0x30)

	tokens := []string{testStable}
	amounts := []*big.Int{big.NewInt(60)}
	sig := fx.sign(t, RequestWithdrawalDigest(fx.account, tokens, amounts, recipient, 1))
	if err := fx.engine.RequestWithdrawalWithPermit(tokens, amounts, recipient, 1, sig); err != nil {
		t.Fatalf("withdrawal permit: %v", err)
	}
	pending, err := fx.engine.PendingWithdrawal()
	if err != nil {
		t.Fatalf("pending withdrawal: %v", err)
	}
	if len(pending.Tokens) != 1 || pending.Amounts[0].Int64() != 60 {
		t.Fatalf("pending = %+v, want 60 SUSD", pending)
	}
}

func TestPermitBindsSafeAccount(t *testing.T) {
	fx := newEngineFixture(t)

	// An owner signature produced against another deployment's account must
	// not authorize this one, even at a matching nonce.
	otherSafe := testAddr(0x7f)
	sig := fx.sign(t, UpdateLimitDigest(otherSafe, big.NewInt(100), 1))
	if err := fx.engine.UpdateSpendingLimitWithPermit(big.NewInt(100), 1, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("foreign-safe permit: %v, want ErrInvalidSignature", err)
	}
}

func TestPermitDigestShapes(t *testing.T) {
	// Digests must differ across nonce, payload, operation tag, and safe.
	safe := testAddr(0x01)
	a := UpdateLimitDigest(safe, big.NewInt(100), 1)
	b := UpdateLimitDigest(safe, big.NewInt(100), 2)
	c := UpdateLimitDigest(safe, big.NewInt(101), 1)
	d := ResetLimitDigest(safe, LimitTierDaily, big.NewInt(100), 1)
	e := UpdateLimitDigest(testAddr(0x02), big.NewInt(100), 1)
	digests := [][]byte{a, b, c, d, e}
	for i := range digests {
		if len(digests[i]) != 32 {
			t.Fatalf("digest %d length = %d, want 32", i, len(digests[i]))
		}
		for j := i + 1; j < len(digests); j++ {
			if string(digests[i]) == string(digests[j]) {
				t.Fatalf("digests %d and %d collide", i, j)
			}
		}
	}
}
