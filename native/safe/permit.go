package safe

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PermitDomainV1 scopes permit digests to this system and version so a
// signature can never be replayed against another deployment.
const PermitDomainV1 = "STRONGBOX_PERMIT_V1"

// Operation tags bound into every permit digest. A signature produced for one
// tag cannot satisfy another operation.
const (
	PermitTagResetSpendingLimit  = "RESET_SPENDING_LIMIT"
	PermitTagUpdateSpendingLimit = "UPDATE_SPENDING_LIMIT"
	PermitTagApprove             = "APPROVE"
	PermitTagRequestWithdrawal   = "REQUEST_WITHDRAWAL"
)

type storedNonce struct {
	Counter uint64
}

// Nonce returns the count of permit-style calls consumed so far, successful or
// not. The next permit must be signed against this value plus one.
func (e *Engine) Nonce() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errEngineUninitialised
	}
	var stored storedNonce
	if _, err := e.state.KVGet(nonceStorageKey, &stored); err != nil {
		return 0, err
	}
	return stored.Counter, nil
}

// consumePermit is the single authorization gate shared by every permit-style
// entry point. The stored nonce is incremented and persisted before any
// validation, so a failed permit still burns its nonce and can never be
// replayed.
func (e *Engine) consumePermit(tag, args string, nonce uint64, sig []byte) error {
	var stored storedNonce
	if _, err := e.state.KVGet(nonceStorageKey, &stored); err != nil {
		return err
	}
	stored.Counter++
	if err := e.state.KVPut(nonceStorageKey, stored); err != nil {
		return err
	}
	if nonce != stored.Counter {
		return ErrInvalidNonce
	}
	digest := PermitDigest(e.account, tag, args, stored.Counter)
	if len(sig) != 65 {
		return ErrInvalidSignature
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(e.owner[:]) {
		return ErrInvalidSignature
	}
	return nil
}

// PermitDigest reconstructs the canonical message digest an owner signs for a
// permit-style operation. The safe account is part of the payload, so a
// signature for one deployment never authorizes another even under the same
// owner key.
func PermitDigest(safe [20]byte, tag, args string, nonce uint64) []byte {
	payload := fmt.Sprintf("%s|safe=%s|op=%s|%s|nonce=%d",
		PermitDomainV1, hex.EncodeToString(safe[:]), strings.TrimSpace(tag), args, nonce)
	return ethcrypto.Keccak256([]byte(payload))
}

func resetLimitArgs(tier LimitTier, cap *big.Int) string {
	capStr := "0"
	if cap != nil {
		capStr = cap.String()
	}
	return fmt.Sprintf("tier=%d|cap=%s", tier, capStr)
}

func updateLimitArgs(cap *big.Int) string {
	capStr := "0"
	if cap != nil {
		capStr = cap.String()
	}
	return fmt.Sprintf("cap=%s", capStr)
}

func approveArgs(token string, spender [20]byte, amount *big.Int) string {
	amountStr := "0"
	if amount != nil {
		amountStr = amount.String()
	}
	return fmt.Sprintf("token=%s|spender=%s|amount=%s",
		normalizeToken(token), hex.EncodeToString(spender[:]), amountStr)
}

func requestWithdrawalArgs(tokens []string, amounts []*big.Int, recipient [20]byte) string {
	tokenParts := make([]string, len(tokens))
	for i, token := range tokens {
		tokenParts[i] = normalizeToken(token)
	}
	amountParts := make([]string, len(amounts))
	for i, amount := range amounts {
		if amount == nil {
			amountParts[i] = "0"
			continue
		}
		amountParts[i] = amount.String()
	}
	return fmt.Sprintf("tokens=%s|amounts=%s|recipient=%s",
		strings.Join(tokenParts, ","), strings.Join(amountParts, ","), hex.EncodeToString(recipient[:]))
}

// ResetLimitDigest returns the digest to sign for a spending-limit reset
// permit.
func ResetLimitDigest(safe [20]byte, tier LimitTier, cap *big.Int, nonce uint64) []byte {
	return PermitDigest(safe, PermitTagResetSpendingLimit, resetLimitArgs(tier, cap), nonce)
}

// UpdateLimitDigest returns the digest to sign for a cap soft-update permit.
func UpdateLimitDigest(safe [20]byte, cap *big.Int, nonce uint64) []byte {
	return PermitDigest(safe, PermitTagUpdateSpendingLimit, updateLimitArgs(cap), nonce)
}

// ApproveDigest returns the digest to sign for a token approval permit.
func ApproveDigest(safe [20]byte, token string, spender [20]byte, amount *big.Int, nonce uint64) []byte {
	return PermitDigest(safe, PermitTagApprove, approveArgs(token, spender, amount), nonce)
}

// RequestWithdrawalDigest returns the digest to sign for a withdrawal request
// permit.
func RequestWithdrawalDigest(safe [20]byte, tokens []string, amounts []*big.Int, recipient [20]byte, nonce uint64) []byte {
	return PermitDigest(safe, PermitTagRequestWithdrawal, requestWithdrawalArgs(tokens, amounts, recipient), nonce)
}
