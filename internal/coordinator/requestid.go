package coordinator

import (
	"crypto/rand"
	"encoding/hex"
)

// requestID generates a short random correlation id for the X-Request-Id
// header so outbound calls can be tied back to support logs.
func requestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unavailable"
	}
	return hex.EncodeToString(b[:])
}
