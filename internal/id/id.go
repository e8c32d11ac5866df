// Package id provides unique identifier generation for aquaman resources.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var counter atomic.Uint64

// Generate creates a unique identifier with the given prefix.
// Format: <prefix>_<seq>-<8 hex chars> (e.g., "req_42-abc12345").
// The monotonic counter orders IDs within a process; the 4 random bytes
// keep IDs collision-free across daemon restarts.
func Generate(prefix string) string {
	seq := counter.Add(1)
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp suffix if crypto/rand fails (extremely unlikely)
		return fmt.Sprintf("%s_%d-%d", prefix, seq, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%d-%s", prefix, seq, hex.EncodeToString(b))
}
