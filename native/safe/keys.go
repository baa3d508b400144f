package safe

var (
	nonceStorageKey      = []byte("safe/nonce")
	limitStorageKey      = []byte("safe/limit")
	withdrawalStorageKey = []byte("safe/withdrawal")
	blockedStoragePrefix = []byte("safe/blocked/")
)

func blockedFundsKey(token string) []byte {
	normalized := normalizeToken(token)
	buf := make([]byte, 0, len(blockedStoragePrefix)+len(normalized))
	buf = append(buf, blockedStoragePrefix...)
	buf = append(buf, normalized...)
	return buf
}
