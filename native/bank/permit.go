package bank

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"strongbox/crypto"
)

// AllowancePermitDomainV1 scopes asset-level allowance permits to this system
// and version.
const AllowancePermitDomainV1 = "STRONGBOX_ALLOWANCE_V1"

var (
	ErrPermitExpired   = errors.New("bank: allowance permit expired")
	ErrPermitNonce     = errors.New("bank: allowance permit nonce mismatch")
	ErrPermitSignature = errors.New("bank: allowance permit signature invalid")
)

// AllowancePermit is an owner-signed authorization for a spender to pull an
// amount of a token, replay-protected by a per-owner permit nonce.
type AllowancePermit struct {
	Token     string
	Owner     [20]byte
	Spender   [20]byte
	Amount    *big.Int
	Nonce     uint64
	Deadline  int64
	Signature []byte
}

type allowancePermitJSON struct {
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

// MarshalJSON encodes the permit into the representation carried on the wire.
func (p AllowancePermit) MarshalJSON() ([]byte, error) {
	amountStr := "0"
	if p.Amount != nil {
		amountStr = p.Amount.String()
	}
	payload := allowancePermitJSON{
		Token:     normalizeSymbol(p.Token),
		Owner:     crypto.NewAddress(crypto.SafePrefix, p.Owner[:]).String(),
		Spender:   crypto.NewAddress(crypto.SafePrefix, p.Spender[:]).String(),
		Amount:    amountStr,
		Nonce:     p.Nonce,
		Deadline:  p.Deadline,
		Signature: fmt.Sprintf("%x", p.Signature),
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes the on-wire representation into the canonical struct.
func (p *AllowancePermit) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("bank: nil permit receiver")
	}
	var payload allowancePermitJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	token := normalizeSymbol(payload.Token)
	if token == "" {
		return fmt.Errorf("bank: permit token required")
	}
	owner, err := crypto.DecodeAddress(strings.TrimSpace(payload.Owner))
	if err != nil {
		return fmt.Errorf("bank: permit owner: %w", err)
	}
	spender, err := crypto.DecodeAddress(strings.TrimSpace(payload.Spender))
	if err != nil {
		return fmt.Errorf("bank: permit spender: %w", err)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(payload.Amount), 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("bank: invalid permit amount %q", payload.Amount)
	}
	var sig []byte
	if trimmed := strings.TrimPrefix(strings.TrimSpace(payload.Signature), "0x"); trimmed != "" {
		decoded, err := hex.DecodeString(trimmed)
		if err != nil {
			return fmt.Errorf("bank: permit signature: %w", err)
		}
		sig = decoded
	}
	permit := AllowancePermit{
		Token:     token,
		Amount:    amount,
		Nonce:     payload.Nonce,
		Deadline:  payload.Deadline,
		Signature: sig,
	}
	copy(permit.Owner[:], owner.Bytes())
	copy(permit.Spender[:], spender.Bytes())
	*p = permit
	return nil
}

// Digest reconstructs the canonical message digest signed by the token owner.
func (p AllowancePermit) Digest() []byte {
	amountStr := "0"
	if p.Amount != nil {
		amountStr = p.Amount.String()
	}
	payload := fmt.Sprintf("%s|token=%s|owner=%x|spender=%x|amount=%s|nonce=%d|deadline=%d",
		AllowancePermitDomainV1, normalizeSymbol(p.Token), p.Owner, p.Spender, amountStr, p.Nonce, p.Deadline)
	return ethcrypto.Keccak256([]byte(payload))
}

var permitNoncePrefix = []byte("bank/permitnonce/")

func permitNonceKey(owner [20]byte) []byte {
	buf := make([]byte, 0, len(permitNoncePrefix)+len(owner))
	buf = append(buf, permitNoncePrefix...)
	buf = append(buf, owner[:]...)
	return buf
}

type storedPermitNonce struct {
	Counter uint64
}

// PermitNonce returns the next expected permit nonce for the owner.
func (l *Ledger) PermitNonce(owner [20]byte) (uint64, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	var stored storedPermitNonce
	if _, err := l.manager.KVGet(permitNonceKey(owner), &stored); err != nil {
		return 0, err
	}
	return stored.Counter + 1, nil
}

// SetNowFunc overrides the deadline clock used when validating permits.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil || now == nil {
		return
	}
	l.nowFn = now
}

// ApplyAllowancePermit validates an owner-signed allowance permit and, when
// valid, stores the approved allowance and consumes the owner's permit nonce.
func (l *Ledger) ApplyAllowancePermit(token string, raw []byte) error {
	if err := l.ready(); err != nil {
		return err
	}
	var permit AllowancePermit
	if err := json.Unmarshal(raw, &permit); err != nil {
		return err
	}
	normalized, err := l.requireToken(token)
	if err != nil {
		return err
	}
	if normalizeSymbol(permit.Token) != normalized {
		return fmt.Errorf("bank: permit token mismatch")
	}
	if permit.Deadline > 0 && l.now() > permit.Deadline {
		return ErrPermitExpired
	}
	var stored storedPermitNonce
	if _, err := l.manager.KVGet(permitNonceKey(permit.Owner), &stored); err != nil {
		return err
	}
	if permit.Nonce != stored.Counter+1 {
		return ErrPermitNonce
	}
	if len(permit.Signature) != 65 {
		return ErrPermitSignature
	}
	pubKey, err := ethcrypto.SigToPub(permit.Digest(), permit.Signature)
	if err != nil {
		return ErrPermitSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(permit.Owner[:]) {
		return ErrPermitSignature
	}
	stored.Counter = permit.Nonce
	if err := l.manager.KVPut(permitNonceKey(permit.Owner), stored); err != nil {
		return err
	}
	return l.manager.SetAllowance(permit.Owner[:], permit.Spender[:], normalized, permit.Amount)
}
