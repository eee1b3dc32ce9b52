package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
)

const (
	minAddressLen = 32
	maxAddressLen = 44

	publicKeyLen = 32
	signatureLen = 64
)

var (
	// ErrMissingTimestamp indicates the signed message does not end with an
	// "at <milliseconds>" suffix.
	ErrMissingTimestamp = errors.New("crypto: message missing timestamp")
	// ErrMessageExpired indicates the embedded timestamp is older than the
	// allowed window.
	ErrMessageExpired = errors.New("crypto: message timestamp expired")
	// ErrMessageFromFuture indicates the embedded timestamp is further in the
	// future than the allowed clock skew.
	ErrMessageFromFuture = errors.New("crypto: message timestamp in the future")
)

var timestampPattern = regexp.MustCompile(`at (\d+)$`)

// ValidateAddress reports whether addr looks like a well-formed base58
// account address. It checks length bounds and alphabet membership only; it
// does not prove the address exists on chain.
func ValidateAddress(addr string) bool {
	if len(addr) < minAddressLen || len(addr) > maxAddressLen {
		return false
	}
	decoded, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(decoded) > 0
}

// VerifySignature checks a detached ed25519 signature over message. The
// signature and public key are base58 encoded. Malformed inputs of any kind
// yield false rather than an error so callers can treat the result as a
// plain authorization decision.
func VerifySignature(message, signature, publicKey string) bool {
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != signatureLen {
		return false
	}
	pub, err := base58.Decode(publicKey)
	if err != nil || len(pub) != publicKeyLen {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig)
}

// ParseTimestamp extracts the trailing millisecond timestamp from a signed
// message and validates it against the supplied clock: the message must be
// no older than maxAge and no further than skew into the future.
func ParseTimestamp(message string, now time.Time, maxAge, skew time.Duration) (time.Time, error) {
	m := timestampPattern.FindStringSubmatch(message)
	if m == nil {
		return time.Time{}, ErrMissingTimestamp
	}
	millis, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
	}
	ts := time.UnixMilli(millis)
	if now.Sub(ts) > maxAge {
		return time.Time{}, ErrMessageExpired
	}
	if ts.Sub(now) > skew {
		return time.Time{}, ErrMessageFromFuture
	}
	return ts, nil
}
