package safe

import (
	"math/big"

	"strongbox/core/events"
)

type storedWithdrawal struct {
	Tokens       []string
	Recipient    [20]byte
	FinalizeTime uint64
}

func (s *storedWithdrawal) toRequest() *WithdrawalRequest {
	if s == nil {
		return nil
	}
	return &WithdrawalRequest{
		Tokens:       append([]string(nil), s.Tokens...),
		Recipient:    s.Recipient,
		FinalizeTime: int64(s.FinalizeTime),
	}
}

func (e *Engine) loadWithdrawal() (*WithdrawalRequest, error) {
	var stored storedWithdrawal
	ok, err := e.state.KVGet(withdrawalStorageKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return stored.toRequest(), nil
}

func (e *Engine) blockedAmount(token string) (*big.Int, error) {
	amount := big.NewInt(0)
	ok, err := e.state.KVGet(blockedFundsKey(token), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// RequestWithdrawal reserves balance for a delayed transfer to the recipient.
// Any pending request is cancelled first; the new request supersedes it
// atomically. Owner-gated.
func (e *Engine) RequestWithdrawal(caller [20]byte, tokens []string, amounts []*big.Int, recipient [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.requestWithdrawal(tokens, amounts, recipient)
}

// RequestWithdrawalWithPermit is the relayable variant of RequestWithdrawal.
// The nonce is consumed even when the request later fails.
func (e *Engine) RequestWithdrawalWithPermit(tokens []string, amounts []*big.Int, recipient [20]byte, nonce uint64, sig []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.consumePermit(PermitTagRequestWithdrawal, requestWithdrawalArgs(tokens, amounts, recipient), nonce, sig); err != nil {
		return err
	}
	return e.requestWithdrawal(tokens, amounts, recipient)
}

func (e *Engine) requestWithdrawal(tokens []string, amounts []*big.Int, recipient [20]byte) error {
	if len(tokens) != len(amounts) {
		return ErrArrayLengthMismatch
	}
	// Validate against the live balances before any write so a rejected
	// request leaves both the old request and the reservation map untouched.
	normalized := make([]string, len(tokens))
	reserved := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		normalized[i] = normalizeToken(token)
		if err := requirePositive(amounts[i]); err != nil {
			return err
		}
		balance, err := e.ledger.BalanceOf(normalized[i], e.account)
		if err != nil {
			return err
		}
		if balance.Cmp(amounts[i]) < 0 {
			return ErrInsufficientBalance
		}
		reserved[i] = cloneBigInt(amounts[i])
	}
	if err := e.cancelPending(); err != nil {
		return err
	}
	for i, token := range normalized {
		if err := e.state.KVPut(blockedFundsKey(token), reserved[i]); err != nil {
			return err
		}
	}
	finalize := e.now() + e.params.WithdrawalDelay()
	stored := &storedWithdrawal{
		Tokens:       normalized,
		Recipient:    recipient,
		FinalizeTime: uint64(finalize),
	}
	if err := e.state.KVPut(withdrawalStorageKey, stored); err != nil {
		return err
	}
	e.emit(events.WithdrawalRequested{
		Tokens:       append([]string(nil), normalized...),
		Amounts:      reserved,
		Recipient:    recipient,
		FinalizeTime: finalize,
	})
	return nil
}

// cancelPending releases the blocked funds of the current request, if any. It
// runs only at the start of requestWithdrawal; there is no standalone cancel
// entry point.
func (e *Engine) cancelPending() error {
	request, err := e.loadWithdrawal()
	if err != nil {
		return err
	}
	if request == nil {
		return nil
	}
	amounts := make([]*big.Int, len(request.Tokens))
	for i, token := range request.Tokens {
		amount, err := e.blockedAmount(token)
		if err != nil {
			return err
		}
		amounts[i] = amount
	}
	for _, token := range request.Tokens {
		if err := e.state.KVDelete(blockedFundsKey(token)); err != nil {
			return err
		}
	}
	if err := e.state.KVDelete(withdrawalStorageKey); err != nil {
		return err
	}
	e.emit(events.WithdrawalCancelled{
		Tokens:    append([]string(nil), request.Tokens...),
		Amounts:   amounts,
		Recipient: request.Recipient,
	})
	return nil
}

// ProcessWithdrawal disburses a matured request to its pre-committed
// recipient. Callable by anyone. The stored request and its blocked-funds
// entries are intentionally left in place afterwards, mirroring the original
// contract: a repeat call re-attempts the same transfers and is stopped only
// by the ledger's balance checks. Clearing here would change observable
// behaviour.
func (e *Engine) ProcessWithdrawal() error {
	if err := e.ready(); err != nil {
		return err
	}
	request, err := e.loadWithdrawal()
	if err != nil {
		return err
	}
	if request == nil || len(request.Tokens) == 0 {
		// Nothing pending; a maturity poke with no request is a no-op and
		// leaves no record behind.
		return nil
	}
	if e.now() < request.FinalizeTime {
		return ErrCannotWithdrawYet
	}
	amounts := make([]*big.Int, len(request.Tokens))
	for i, token := range request.Tokens {
		amount, err := e.blockedAmount(token)
		if err != nil {
			return err
		}
		amounts[i] = amount
	}
	for i, token := range request.Tokens {
		if err := e.ledger.Transfer(token, e.account, request.Recipient, amounts[i]); err != nil {
			return err
		}
	}
	e.emit(events.WithdrawalProcessed{
		Tokens:    append([]string(nil), request.Tokens...),
		Amounts:   amounts,
		Recipient: request.Recipient,
	})
	return nil
}

// PendingWithdrawal returns the current request with amounts reconstructed
// from the live blocked-funds entries. An empty projection is returned when no
// request is pending.
func (e *Engine) PendingWithdrawal() (*PendingWithdrawal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	request, err := e.loadWithdrawal()
	if err != nil {
		return nil, err
	}
	if request == nil {
		return &PendingWithdrawal{Tokens: []string{}, Amounts: []*big.Int{}}, nil
	}
	amounts := make([]*big.Int, len(request.Tokens))
	for i, token := range request.Tokens {
		amount, err := e.blockedAmount(token)
		if err != nil {
			return nil, err
		}
		amounts[i] = amount
	}
	return &PendingWithdrawal{
		Tokens:       append([]string(nil), request.Tokens...),
		Amounts:      amounts,
		Recipient:    request.Recipient,
		FinalizeTime: request.FinalizeTime,
	}, nil
}
