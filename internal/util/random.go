// Package util holds small helpers shared by IntakePipe packages.
package util

import (
	"math/rand/v2"
)

const hexDigits = "0123456789abcdef"

// OutboxIDPrefix marks ids of outbox rows.
const OutboxIDPrefix = "outbox_"

// GenerateRandomID returns prefix followed by n random hex digits. The ids are
// row keys, not secrets.
func GenerateRandomID(prefix string, n int) string {
	if n <= 0 {
		return prefix
	}
	buf := make([]byte, len(prefix)+n)
	copy(buf, prefix)
	for i := len(prefix); i < len(buf); i++ {
		buf[i] = hexDigits[rand.IntN(len(hexDigits))]
	}
	return string(buf)
}

// GenerateOutboxID returns a fresh outbox row id.
func GenerateOutboxID() string {
	return GenerateRandomID(OutboxIDPrefix, 32)
}
