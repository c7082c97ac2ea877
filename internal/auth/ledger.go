package auth

import (
	"slices"
	"time"

	"github.com/kinship-social/apiserver/types"
)

// DefaultActiveWindow is how long a recorded token stays valid in the ledger.
const DefaultActiveWindow = 7 * 24 * time.Hour

// Record adds token to the valid set at now and drops valid entries
// recorded before now-window. Pruned entries are not revoked; they stop
// being known as valid. A revoked token is never re-admitted.
func Record(ledger *types.TokenLedger, token string, now time.Time, window time.Duration) {
	if !slices.Contains(ledger.Invalid, token) && !slices.ContainsFunc(ledger.Valid, matchEntry(token)) {
		ledger.Valid = append(ledger.Valid, types.TokenEntry{Token: token, IssuedAt: now})
	}
	Prune(ledger, now, window)
}

// Prune drops valid entries older than window.
func Prune(ledger *types.TokenLedger, now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	ledger.Valid = slices.DeleteFunc(ledger.Valid, func(entry types.TokenEntry) bool {
		return entry.IssuedAt.Before(cutoff)
	})
}

// IsActive reports whether token is in the valid set, was recorded no
// earlier than now-window and has not been revoked.
func IsActive(ledger types.TokenLedger, token string, now time.Time, window time.Duration) bool {
	if token == "" || slices.Contains(ledger.Invalid, token) {
		return false
	}
	cutoff := now.Add(-window)
	return slices.ContainsFunc(ledger.Valid, func(entry types.TokenEntry) bool {
		return entry.Token == token && !entry.IssuedAt.Before(cutoff)
	})
}

// InvalidateOne revokes token. It reports whether the token was in the
// valid set.
func InvalidateOne(ledger *types.TokenLedger, token string) bool {
	before := len(ledger.Valid)
	ledger.Valid = slices.DeleteFunc(ledger.Valid, matchEntry(token))
	addInvalid(ledger, token)
	return len(ledger.Valid) != before
}

// InvalidateAll revokes every valid token and clears the valid set.
// It returns the number of tokens moved.
func InvalidateAll(ledger *types.TokenLedger) int {
	moved := len(ledger.Valid)
	for _, entry := range ledger.Valid {
		addInvalid(ledger, entry.Token)
	}
	ledger.Valid = nil
	return moved
}

func addInvalid(ledger *types.TokenLedger, token string) {
	if !slices.Contains(ledger.Invalid, token) {
		ledger.Invalid = append(ledger.Invalid, token)
	}
}

func matchEntry(token string) func(types.TokenEntry) bool {
	return func(entry types.TokenEntry) bool {
		return entry.Token == token
	}
}
