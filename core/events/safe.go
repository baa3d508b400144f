package events

import (
	"math/big"
	"strconv"
	"strings"

	"strongbox/core/types"
	"strongbox/crypto"
)

const (
	TypeDepositReceived      = "safe.deposit.received"
	TypeTokenApproved        = "safe.approval.set"
	TypeSpendingLimitReset   = "safe.limit.reset"
	TypeSpendingLimitUpdated = "safe.limit.updated"
	TypeWithdrawalRequested  = "safe.withdrawal.requested"
	TypeWithdrawalCancelled  = "safe.withdrawal.cancelled"
	TypeWithdrawalProcessed  = "safe.withdrawal.processed"
	TypeSpendExecuted        = "safe.transfer.spend"
	TypeDebtSettled          = "safe.transfer.debt"
	TypeSwapExecuted         = "safe.transfer.swap"
)

// DepositReceived records an inbound transfer into the safe.
type DepositReceived struct {
	Token  string
	From   [20]byte
	Amount *big.Int
}

func (DepositReceived) EventType() string { return TypeDepositReceived }

func (e DepositReceived) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositReceived,
		Attributes: map[string]string{
			"token":  normalizeAsset(e.Token),
			"from":   formatAddress(e.From),
			"amount": formatAmount(e.Amount),
		},
	}
}

// TokenApproved records an allowance granted by the safe to a spender.
type TokenApproved struct {
	Token   string
	Spender [20]byte
	Amount  *big.Int
}

func (TokenApproved) EventType() string { return TypeTokenApproved }

func (e TokenApproved) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenApproved,
		Attributes: map[string]string{
			"token":   normalizeAsset(e.Token),
			"spender": formatAddress(e.Spender),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// SpendingLimitReset records a full replacement of the spending-limit window.
type SpendingLimitReset struct {
	Tier        uint8
	Cap         *big.Int
	RenewalTime int64
}

func (SpendingLimitReset) EventType() string { return TypeSpendingLimitReset }

func (e SpendingLimitReset) Event() *types.Event {
	return &types.Event{
		Type: TypeSpendingLimitReset,
		Attributes: map[string]string{
			"tier":        strconv.FormatUint(uint64(e.Tier), 10),
			"cap":         formatAmount(e.Cap),
			"renewalTime": strconv.FormatInt(e.RenewalTime, 10),
		},
	}
}

// SpendingLimitUpdated records an in-window cap change.
type SpendingLimitUpdated struct {
	OldCap *big.Int
	NewCap *big.Int
}

func (SpendingLimitUpdated) EventType() string { return TypeSpendingLimitUpdated }

func (e SpendingLimitUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeSpendingLimitUpdated,
		Attributes: map[string]string{
			"oldCap": formatAmount(e.OldCap),
			"newCap": formatAmount(e.NewCap),
		},
	}
}

// WithdrawalRequested records a new pending withdrawal and its unlock time.
type WithdrawalRequested struct {
	Tokens       []string
	Amounts      []*big.Int
	Recipient    [20]byte
	FinalizeTime int64
}

func (WithdrawalRequested) EventType() string { return TypeWithdrawalRequested }

func (e WithdrawalRequested) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalRequested,
		Attributes: map[string]string{
			"tokens":       joinAssets(e.Tokens),
			"amounts":      joinAmounts(e.Amounts),
			"recipient":    formatAddress(e.Recipient),
			"finalizeTime": strconv.FormatInt(e.FinalizeTime, 10),
		},
	}
}

// WithdrawalCancelled records the release of blocked funds when a pending
// request is superseded.
type WithdrawalCancelled struct {
	Tokens    []string
	Amounts   []*big.Int
	Recipient [20]byte
}

func (WithdrawalCancelled) EventType() string { return TypeWithdrawalCancelled }

func (e WithdrawalCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalCancelled,
		Attributes: map[string]string{
			"tokens":    joinAssets(e.Tokens),
			"amounts":   joinAmounts(e.Amounts),
			"recipient": formatAddress(e.Recipient),
		},
	}
}

// WithdrawalProcessed records the disbursement of a matured withdrawal.
type WithdrawalProcessed struct {
	Tokens    []string
	Amounts   []*big.Int
	Recipient [20]byte
}

func (WithdrawalProcessed) EventType() string { return TypeWithdrawalProcessed }

func (e WithdrawalProcessed) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalProcessed,
		Attributes: map[string]string{
			"tokens":    joinAssets(e.Tokens),
			"amounts":   joinAmounts(e.Amounts),
			"recipient": formatAddress(e.Recipient),
		},
	}
}

// SpendExecuted records an outward stable-unit transfer to the spend
// counterparty.
type SpendExecuted struct {
	To     [20]byte
	Amount *big.Int
}

func (SpendExecuted) EventType() string { return TypeSpendExecuted }

func (e SpendExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeSpendExecuted,
		Attributes: map[string]string{
			"to":     formatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

// DebtSettled records an outward collateral-unit transfer to the debt
// counterparty.
type DebtSettled struct {
	To     [20]byte
	Amount *big.Int
}

func (DebtSettled) EventType() string { return TypeDebtSettled }

func (e DebtSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeDebtSettled,
		Attributes: map[string]string{
			"to":     formatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

// SwapExecuted records a collateral-for-stable swap followed by an outward
// stable-unit transfer.
type SwapExecuted struct {
	To             [20]byte
	CollateralIn   *big.Int
	StableReceived *big.Int
	StableSent     *big.Int
}

func (SwapExecuted) EventType() string { return TypeSwapExecuted }

func (e SwapExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeSwapExecuted,
		Attributes: map[string]string{
			"to":             formatAddress(e.To),
			"collateralIn":   formatAmount(e.CollateralIn),
			"stableReceived": formatAmount(e.StableReceived),
			"stableSent":     formatAmount(e.StableSent),
		},
	}
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.SafePrefix, addr[:]).String()
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func joinAmounts(amounts []*big.Int) string {
	parts := make([]string, len(amounts))
	for i, amount := range amounts {
		parts[i] = formatAmount(amount)
	}
	return strings.Join(parts, ",")
}

func joinAssets(assets []string) string {
	parts := make([]string, len(assets))
	for i, asset := range assets {
		parts[i] = normalizeAsset(asset)
	}
	return strings.Join(parts, ",")
}

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}
