package safe

import (
	"math/big"
	"strings"
)

// LimitTier classifies the renewal period of the spending-limit window.
type LimitTier uint8

const (
	LimitTierDaily LimitTier = iota
	LimitTierWeekly
	LimitTierMonthly
	LimitTierYearly
)

const (
	periodDaily   int64 = 86_400
	periodWeekly  int64 = 604_800
	periodMonthly int64 = 2_592_000
	periodYearly  int64 = 31_536_000
)

// Period returns the window length in seconds for the tier.
func (t LimitTier) Period() (int64, error) {
	switch t {
	case LimitTierDaily:
		return periodDaily, nil
	case LimitTierWeekly:
		return periodWeekly, nil
	case LimitTierMonthly:
		return periodMonthly, nil
	case LimitTierYearly:
		return periodYearly, nil
	default:
		return 0, ErrInvalidSpendingLimitTier
	}
}

// Valid reports whether the tier value is within the supported range.
func (t LimitTier) Valid() bool {
	_, err := t.Period()
	return err == nil
}

// SpendingLimit captures the renewing budget window applied to outward
// spending-path movements, denominated in stable-unit smallest units.
type SpendingLimit struct {
	Tier        LimitTier
	RenewalTime int64
	Limit       *big.Int
	Used        *big.Int
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (l *SpendingLimit) Clone() *SpendingLimit {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Limit != nil {
		clone.Limit = new(big.Int).Set(l.Limit)
	} else {
		clone.Limit = big.NewInt(0)
	}
	if l.Used != nil {
		clone.Used = new(big.Int).Set(l.Used)
	} else {
		clone.Used = big.NewInt(0)
	}
	return &clone
}

// Renewed returns the window that applies at the supplied time. Once the
// renewal instant has passed the used amount resets and the renewal time
// advances by exactly one tier period from the stored value, not from now.
// The projection is shared by the read-only view and the mutating charge path
// so the two can never drift.
func (l *SpendingLimit) Renewed(now int64) *SpendingLimit {
	clone := l.Clone()
	if clone == nil {
		return nil
	}
	if now <= clone.RenewalTime {
		return clone
	}
	period, err := clone.Tier.Period()
	if err != nil {
		return clone
	}
	clone.RenewalTime += period
	clone.Used = big.NewInt(0)
	return clone
}

// WithdrawalRequest holds the single pending timed withdrawal. Amounts are not
// stored inline: the per-token blocked-funds entries are the single source of
// truth, consulted both here and by the transfer gateway.
type WithdrawalRequest struct {
	Tokens       []string
	Recipient    [20]byte
	FinalizeTime int64
}

// Clone returns a deep copy of the request.
func (r *WithdrawalRequest) Clone() *WithdrawalRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Tokens = append([]string(nil), r.Tokens...)
	return &clone
}

// PendingWithdrawal is the read-only projection of the current request with
// amounts reconstructed from the live blocked-funds entries.
type PendingWithdrawal struct {
	Tokens       []string
	Amounts      []*big.Int
	Recipient    [20]byte
	FinalizeTime int64
}

func normalizeToken(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
