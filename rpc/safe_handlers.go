package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"strongbox/crypto"
	"strongbox/native/bank"
	"strongbox/native/safe"
	"strongbox/observability"
)

func unmarshalParam(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseSignature(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signature required")
	}
	return hex.DecodeString(trimmed)
}

func parseTier(value string) (safe.LimitTier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "daily":
		return safe.LimitTierDaily, nil
	case "weekly":
		return safe.LimitTierWeekly, nil
	case "monthly":
		return safe.LimitTierMonthly, nil
	case "yearly":
		return safe.LimitTierYearly, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", value)
	}
}

// writeEngineError maps engine sentinel errors onto JSON-RPC error codes.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, safe.ErrUnauthorizedCall):
		writeError(w, http.StatusForbidden, id, codeUnauthorized, err.Error(), nil)
	case errors.Is(err, safe.ErrInvalidNonce),
		errors.Is(err, safe.ErrInvalidSignature),
		errors.Is(err, safe.ErrArrayLengthMismatch),
		errors.Is(err, safe.ErrInvalidSpendingLimitTier),
		errors.Is(err, safe.ErrInsufficientBalance),
		errors.Is(err, safe.ErrAmountGreaterThanReceived),
		errors.Is(err, safe.ErrCannotWithdrawYet),
		errors.Is(err, safe.ErrExceededSpendingLimit),
		errors.Is(err, safe.ErrQuoteInvalid),
		errors.Is(err, safe.ErrQuoteStale),
		errors.Is(err, safe.ErrQuoteSignatureInvalid),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrInsufficientAllowance),
		errors.Is(err, bank.ErrUnknownToken):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "operation failed", err.Error())
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected deposit payload", nil)
		return
	}
	var payload struct {
		From   string          `json:"from"`
		Token  string          `json:"token"`
		Amount string          `json:"amount"`
		Permit json.RawMessage `json:"permit,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	from, err := parseAddress(payload.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var permit []byte
	if len(bytes.TrimSpace(payload.Permit)) > 0 {
		permit = payload.Permit
	}
	err = s.engine.Deposit(from, payload.Token, amount, permit)
	observability.Metrics().Observe("deposit", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"deposited": amount.String(), "token": payload.Token})
}

func (s *Server) handleApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected approve payload", nil)
		return
	}
	var payload struct {
		Caller  string `json:"caller,omitempty"`
		Token   string `json:"token"`
		Spender string `json:"spender"`
		Amount  string `json:"amount"`
		Nonce   uint64 `json:"nonce,omitempty"`
		Sig     string `json:"sig,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	spender, err := parseAddress(payload.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid spender address", err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if strings.TrimSpace(payload.Sig) != "" {
		sig, sigErr := parseSignature(payload.Sig)
		if sigErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", sigErr.Error())
			return
		}
		err = s.engine.ApproveTokenWithPermit(payload.Token, spender, amount, payload.Nonce, sig)
	} else {
		caller, callerErr := parseAddress(payload.Caller)
		if callerErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", callerErr.Error())
			return
		}
		err = s.engine.ApproveToken(caller, payload.Token, spender, amount)
	}
	observability.Metrics().Observe("approve", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"approved": amount.String(), "token": payload.Token})
}

func (s *Server) handleResetSpendingLimit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected spending limit payload", nil)
		return
	}
	var payload struct {
		Caller string `json:"caller,omitempty"`
		Tier   string `json:"tier"`
		Cap    string `json:"cap"`
		Nonce  uint64 `json:"nonce,omitempty"`
		Sig    string `json:"sig,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	tier, err := parseTier(payload.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	cap, err := parseAmount(payload.Cap)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if strings.TrimSpace(payload.Sig) != "" {
		sig, sigErr := parseSignature(payload.Sig)
		if sigErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", sigErr.Error())
			return
		}
		err = s.engine.ResetSpendingLimitWithPermit(tier, cap, payload.Nonce, sig)
	} else {
		caller, callerErr := parseAddress(payload.Caller)
		if callerErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", callerErr.Error())
			return
		}
		err = s.engine.ResetSpendingLimit(caller, tier, cap)
	}
	observability.Metrics().Observe("resetSpendingLimit", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"tier": payload.Tier, "cap": cap.String()})
}

func (s *Server) handleUpdateSpendingLimit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected spending limit payload", nil)
		return
	}
	var payload struct {
		Caller string `json:"caller,omitempty"`
		Cap    string `json:"cap"`
		Nonce  uint64 `json:"nonce,omitempty"`
		Sig    string `json:"sig,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	cap, err := parseAmount(payload.Cap)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if strings.TrimSpace(payload.Sig) != "" {
		sig, sigErr := parseSignature(payload.Sig)
		if sigErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", sigErr.Error())
			return
		}
		err = s.engine.UpdateSpendingLimitWithPermit(cap, payload.Nonce, sig)
	} else {
		caller, callerErr := parseAddress(payload.Caller)
		if callerErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", callerErr.Error())
			return
		}
		err = s.engine.UpdateSpendingLimit(caller, cap)
	}
	observability.Metrics().Observe("updateSpendingLimit", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"cap": cap.String()})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected withdrawal payload", nil)
		return
	}
	var payload struct {
		Caller    string   `json:"caller,omitempty"`
		Tokens    []string `json:"tokens"`
		Amounts   []string `json:"amounts"`
		Recipient string   `json:"recipient"`
		Nonce     uint64   `json:"nonce,omitempty"`
		Sig       string   `json:"sig,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	recipient, err := parseAddress(payload.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
		return
	}
	amounts := make([]*big.Int, 0, len(payload.Amounts))
	for i, raw := range payload.Amounts {
		amount, amtErr := parseAmount(raw)
		if amtErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("amounts[%d]: %v", i, amtErr), nil)
			return
		}
		amounts = append(amounts, amount)
	}
	if strings.TrimSpace(payload.Sig) != "" {
		sig, sigErr := parseSignature(payload.Sig)
		if sigErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", sigErr.Error())
			return
		}
		err = s.engine.RequestWithdrawalWithPermit(payload.Tokens, amounts, recipient, payload.Nonce, sig)
	} else {
		caller, callerErr := parseAddress(payload.Caller)
		if callerErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", callerErr.Error())
			return
		}
		err = s.engine.RequestWithdrawal(caller, payload.Tokens, amounts, recipient)
	}
	observability.Metrics().Observe("requestWithdrawal", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"tokens": payload.Tokens, "recipient": payload.Recipient})
}

func (s *Server) handleProcessWithdrawal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	err := s.engine.ProcessWithdrawal()
	observability.Metrics().Observe("processWithdrawal", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"processed": true})
}

func (s *Server) handleSpend(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected spend payload", nil)
		return
	}
	var payload struct {
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	caller, err := parseAddress(payload.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	err = s.engine.Spend(caller, amount)
	observability.Metrics().Observe("spend", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"spent": amount.String()})
}

func (s *Server) handleSettleDebt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected settle payload", nil)
		return
	}
	var payload struct {
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	caller, err := parseAddress(payload.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	err = s.engine.SettleDebt(caller, amount)
	observability.Metrics().Observe("settleDebt", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"settled": amount.String()})
}

func (s *Server) handleSwapAndSpend(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected swap payload", nil)
		return
	}
	var payload struct {
		Caller       string `json:"caller"`
		CollateralIn string `json:"collateralIn"`
		MinStableOut string `json:"minStableOut"`
		StableToSend string `json:"stableToSend"`
		Data         string `json:"data,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	caller, err := parseAddress(payload.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	collateralIn, err := parseAmount(payload.CollateralIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("collateralIn: %v", err), nil)
		return
	}
	minStableOut, err := parseAmount(payload.MinStableOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("minStableOut: %v", err), nil)
		return
	}
	stableToSend, err := parseAmount(payload.StableToSend)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("stableToSend: %v", err), nil)
		return
	}
	var data []byte
	if trimmed := strings.TrimPrefix(strings.TrimSpace(payload.Data), "0x"); trimmed != "" {
		data, err = hex.DecodeString(trimmed)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid data", err.Error())
			return
		}
	}
	err = s.engine.SwapAndSpend(caller, collateralIn, minStableOut, stableToSend, data)
	observability.Metrics().Observe("swapAndSpend", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"collateralIn": collateralIn.String(),
		"stableSent":   stableToSend.String(),
	})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	nonce, err := s.engine.Nonce()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"nonce": nonce})
}

type spendingLimitResult struct {
	Tier        string `json:"tier"`
	RenewalTime int64  `json:"renewalTime"`
	Limit       string `json:"limit"`
	Used        string `json:"used"`
}

func tierName(tier safe.LimitTier) string {
	switch tier {
	case safe.LimitTierDaily:
		return "daily"
	case safe.LimitTierWeekly:
		return "weekly"
	case safe.LimitTierMonthly:
		return "monthly"
	case safe.LimitTierYearly:
		return "yearly"
	default:
		return fmt.Sprintf("unknown(%d)", tier)
	}
}

func limitResult(l *safe.SpendingLimit) *spendingLimitResult {
	if l == nil {
		return nil
	}
	return &spendingLimitResult{
		Tier:        tierName(l.Tier),
		RenewalTime: l.RenewalTime,
		Limit:       l.Limit.String(),
		Used:        l.Used.String(),
	}
}

func (s *Server) handleGetSpendingLimit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	stored, err := s.engine.SpendingLimit()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	applicable, err := s.engine.ApplicableSpendingLimit()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"stored":     limitResult(stored),
		"applicable": limitResult(applicable),
	})
}

func (s *Server) handleGetPendingWithdrawal(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	pending, err := s.engine.PendingWithdrawal()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if pending == nil {
		writeResult(w, req.ID, nil)
		return
	}
	amounts := make([]string, len(pending.Amounts))
	for i, amount := range pending.Amounts {
		amounts[i] = amount.String()
	}
	writeResult(w, req.ID, map[string]interface{}{
		"tokens":       pending.Tokens,
		"amounts":      amounts,
		"recipient":    crypto.NewAddress(crypto.SafePrefix, pending.Recipient[:]).String(),
		"finalizeTime": pending.FinalizeTime,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected balance query", nil)
		return
	}
	var payload struct {
		Token   string `json:"token"`
		Address string `json:"address,omitempty"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	account := s.engine.Account()
	if strings.TrimSpace(payload.Address) != "" {
		parsed, err := parseAddress(payload.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
			return
		}
		account = parsed
	}
	balance, err := s.ledger.BalanceOf(payload.Token, account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"token":   payload.Token,
		"address": crypto.NewAddress(crypto.SafePrefix, account[:]).String(),
		"balance": balance.String(),
	})
}

func (s *Server) handleGetPermitNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected owner address", nil)
		return
	}
	var owner string
	if err := unmarshalParam(req.Params[0], &owner); err != nil {
		var wrapper struct {
			Owner string `json:"owner"`
		}
		if wrapErr := unmarshalParam(req.Params[0], &wrapper); wrapErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", nil)
			return
		}
		owner = wrapper.Owner
	}
	addr, err := parseAddress(owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	nonce, err := s.ledger.PermitNonce(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"nonce": nonce})
}

func (s *Server) handleSubmitQuote(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	start := time.Now()
	if s.quotes == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "quote oracle not enabled", nil)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected quote payload", nil)
		return
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
		Sig       string `json:"sig"`
	}
	if err := unmarshalParam(req.Params[0], &payload); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return
	}
	rate, err := parseAmount(payload.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("rate: %v", err), nil)
		return
	}
	sig, err := parseSignature(payload.Sig)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	err = s.quotes.SubmitQuote(&safe.PriceQuote{Rate: rate, Timestamp: payload.Timestamp, Signature: sig})
	observability.Metrics().Observe("submitQuote", start, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"rate": rate.String(), "timestamp": payload.Timestamp})
}
