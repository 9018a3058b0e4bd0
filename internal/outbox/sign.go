package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// MaxTimestampSkew is how far a hook timestamp may drift from the
// receiver's clock before the signature must be rejected.
const MaxTimestampSkew = 300 // seconds

// Sign computes the hex HMAC-SHA256 signature over "timestamp.body".
// The timestamp is unix seconds; binding it into the MAC limits replay.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time and rejects
// timestamps outside the allowed skew. now is unix seconds.
func Verify(secret, signature string, timestamp, now int64, body []byte) bool {
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return false
	}
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
