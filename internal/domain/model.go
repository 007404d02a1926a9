// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — its only third-party
// import is go-humanize, for HumanSize.
package domain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/dustin/go-humanize"
)

// ─── Utilities ──────────────────────────────────────────────────────────────

// SHA256Hex computes SHA-256 hash and returns hex string.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HumanSize formats a byte count for CLI/status output, e.g. "1.2 GB".
// Used for parameter-set and checkpoint sizes reported to operators.
func HumanSize(b int64) string {
	return humanize.Bytes(uint64(b))
}
