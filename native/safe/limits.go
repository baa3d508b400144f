package safe

import (
	"math/big"

	"strongbox/core/events"
)

type storedLimit struct {
	Tier        uint8
	RenewalTime uint64
	Limit       *big.Int
	Used        *big.Int
}

func (s *storedLimit) toLimit() *SpendingLimit {
	if s == nil {
		return &SpendingLimit{Limit: big.NewInt(0), Used: big.NewInt(0)}
	}
	limit := &SpendingLimit{
		Tier:        LimitTier(s.Tier),
		RenewalTime: int64(s.RenewalTime),
		Limit:       big.NewInt(0),
		Used:        big.NewInt(0),
	}
	if s.Limit != nil {
		limit.Limit = new(big.Int).Set(s.Limit)
	}
	if s.Used != nil {
		limit.Used = new(big.Int).Set(s.Used)
	}
	return limit
}

func newStoredLimit(l *SpendingLimit) *storedLimit {
	stored := &storedLimit{Limit: big.NewInt(0), Used: big.NewInt(0)}
	if l == nil {
		return stored
	}
	stored.Tier = uint8(l.Tier)
	stored.RenewalTime = uint64(l.RenewalTime)
	if l.Limit != nil {
		stored.Limit = new(big.Int).Set(l.Limit)
	}
	if l.Used != nil {
		stored.Used = new(big.Int).Set(l.Used)
	}
	return stored
}

func (e *Engine) loadLimit() (*SpendingLimit, error) {
	var stored storedLimit
	ok, err := e.state.KVGet(limitStorageKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&storedLimit{}).toLimit(), nil
	}
	return stored.toLimit(), nil
}

func (e *Engine) persistLimit(l *SpendingLimit) error {
	return e.state.KVPut(limitStorageKey, newStoredLimit(l))
}

// ResetSpendingLimit unconditionally replaces the limit state with a fresh
// window starting now. Owner-gated.
func (e *Engine) ResetSpendingLimit(caller [20]byte, tier LimitTier, cap *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.resetSpendingLimit(tier, cap)
}

// ResetSpendingLimitWithPermit is the relayable variant of ResetSpendingLimit.
// The nonce is consumed even when the reset later fails.
func (e *Engine) ResetSpendingLimitWithPermit(tier LimitTier, cap *big.Int, nonce uint64, sig []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.consumePermit(PermitTagResetSpendingLimit, resetLimitArgs(tier, cap), nonce, sig); err != nil {
		return err
	}
	return e.resetSpendingLimit(tier, cap)
}

func (e *Engine) resetSpendingLimit(tier LimitTier, cap *big.Int) error {
	period, err := tier.Period()
	if err != nil {
		return err
	}
	now := e.now()
	limit := &SpendingLimit{
		Tier:        tier,
		RenewalTime: now + period,
		Limit:       cloneBigInt(cap),
		Used:        big.NewInt(0),
	}
	if err := e.persistLimit(limit); err != nil {
		return err
	}
	e.emit(events.SpendingLimitReset{
		Tier:        uint8(tier),
		Cap:         cloneBigInt(cap),
		RenewalTime: limit.RenewalTime,
	})
	return nil
}

// UpdateSpendingLimit replaces only the cap, leaving the current window and
// used amount untouched. Owner-gated.
func (e *Engine) UpdateSpendingLimit(caller [20]byte, cap *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	return e.updateSpendingLimit(cap)
}

// UpdateSpendingLimitWithPermit is the relayable variant of
// UpdateSpendingLimit.
func (e *Engine) UpdateSpendingLimitWithPermit(cap *big.Int, nonce uint64, sig []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.consumePermit(PermitTagUpdateSpendingLimit, updateLimitArgs(cap), nonce, sig); err != nil {
		return err
	}
	return e.updateSpendingLimit(cap)
}

func (e *Engine) updateSpendingLimit(cap *big.Int) error {
	limit, err := e.loadLimit()
	if err != nil {
		return err
	}
	oldCap := cloneBigInt(limit.Limit)
	limit.Limit = cloneBigInt(cap)
	if err := e.persistLimit(limit); err != nil {
		return err
	}
	e.emit(events.SpendingLimitUpdated{OldCap: oldCap, NewCap: cloneBigInt(cap)})
	return nil
}

// SpendingLimit returns the raw stored limit state. The window may be stale:
// a renewal that is due but not yet observed by a mutating call is not
// reflected here.
func (e *Engine) SpendingLimit() (*SpendingLimit, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadLimit()
}

// ApplicableSpendingLimit returns the limit state as it applies right now,
// with a due renewal projected but not persisted.
func (e *Engine) ApplicableSpendingLimit() (*SpendingLimit, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	limit, err := e.loadLimit()
	if err != nil {
		return nil, err
	}
	return limit.Renewed(e.now()), nil
}

// chargeLimit records an outward spending-path movement against the budget.
// A due renewal is persisted first, then the amount is converted to stable
// terms and applied. The used amount never exceeds the cap after a successful
// charge.
func (e *Engine) chargeLimit(token string, amount *big.Int) error {
	limit, err := e.loadLimit()
	if err != nil {
		return err
	}
	now := e.now()
	renewed := limit.Renewed(now)
	if renewed.RenewalTime != limit.RenewalTime {
		if err := e.persistLimit(renewed); err != nil {
			return err
		}
	}
	value, err := e.stableValue(token, amount)
	if err != nil {
		return err
	}
	used := new(big.Int).Add(renewed.Used, value)
	if used.Cmp(renewed.Limit) > 0 {
		return ErrExceededSpendingLimit
	}
	renewed.Used = used
	return e.persistLimit(renewed)
}

// refundLimit reverses a prior charge after a downstream leg of the operation
// failed. Only the used amount is restored; a renewal persisted by the charge
// stays in place.
func (e *Engine) refundLimit(token string, amount *big.Int) error {
	limit, err := e.loadLimit()
	if err != nil {
		return err
	}
	value, err := e.stableValue(token, amount)
	if err != nil {
		return err
	}
	used := new(big.Int).Sub(limit.Used, value)
	if used.Sign() < 0 {
		used = big.NewInt(0)
	}
	limit.Used = used
	return e.persistLimit(limit)
}
