package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex SHA-256 of raw content. Used for message
// hashes in journal receipts so plaintext never reaches the journal.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString is HashContent over a string input.
func HashString(s string) string {
	return HashContent([]byte(s))
}

// HashParticipants hashes an identifier pair order-independently: both
// parties to a conversation compute the same value, so a receipt proves
// "these two cells interacted" without revealing who initiated.
func HashParticipants(a, b string) string {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + "|" + hi))
	return hex.EncodeToString(sum[:])
}

// HashTopic hashes a canonical topic name for inclusion in receipts.
func HashTopic(name string) string {
	return HashString(name)
}
