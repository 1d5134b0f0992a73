package idempotency

import (
	"strings"
	"unicode"

	"github.com/smallbiznis/checkledger/internal/credit/domain"
)

const (
	MaxKeyLength = 255

	// ReservedPrefix opens every key the ledger derives for its own writes.
	ReservedPrefix = "ledger:"
)

// Guard owns the idempotency key rules of the ledger. Callers write under any printable key
// outside ReservedPrefix; the ledger writes under keys built by Derive. The unique index on
// (tenant, key, kind) then gives each committed write exactly one owner.
type Guard struct{}

func NewGuard() *Guard {
	return &Guard{}
}

// Normalize trims the key and rejects empty, oversized or non-printable keys.
// It accepts reserved keys, so it is the rule for lookups, not for writes.
func (g *Guard) Normalize(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > MaxKeyLength {
		return "", domain.ErrInvalidIdempotencyKey
	}
	for _, r := range key {
		if !unicode.IsPrint(r) {
			return "", domain.ErrInvalidIdempotencyKey
		}
	}
	return key, nil
}

// Caller normalizes a key supplied with a write request and rejects the reserved namespace.
func (g *Guard) Caller(key string) (string, error) {
	key, err := g.Normalize(key)
	if err != nil {
		return "", err
	}
	if IsReserved(key) {
		return "", domain.ErrInvalidIdempotencyKey
	}
	return key, nil
}

// Derive builds a reserved key such as "ledger:reset:2026-10".
func (g *Guard) Derive(namespace string, parts ...string) (string, error) {
	var b strings.Builder
	b.WriteString(ReservedPrefix)
	b.WriteString(strings.TrimSpace(namespace))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return "", domain.ErrInvalidIdempotencyKey
		}
		b.WriteByte(':')
		b.WriteString(part)
	}
	return g.Normalize(b.String())
}

func IsReserved(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), ReservedPrefix)
}
