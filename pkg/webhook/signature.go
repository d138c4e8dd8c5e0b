// Package webhook implements the inbound webhook receiver, the signed
// outbound dispatcher and the delivery retry schedule.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
)

// Webhook header names, shared by the inbound and outbound directions.
const (
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// DefaultTolerance is the maximum accepted clock skew between the signature
// timestamp and the receiver's clock. Anything staler is treated as a replay.
const DefaultTolerance = 5 * time.Minute

const signatureScheme = "v1"

// Sign computes the signature header value for a payload: an HMAC-SHA256 over
// "{unix-timestamp}.{payload}", hex-encoded with the scheme prefix.
func Sign(timestamp time.Time, payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", timestamp.Unix())
	mac.Write(payload)
	return signatureScheme + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks freshness first, then the signature. Every failure mode maps
// to the same paykit.ErrInvalidSignature: callers must not be able to tell a
// stale timestamp from a bad MAC. The comparison is constant-time.
func Verify(payload []byte, signatureHeader, timestampHeader string, secret []byte, tolerance time.Duration, now time.Time) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	unix, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return paykit.ErrInvalidSignature
	}
	ts := time.Unix(unix, 0)

	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return paykit.ErrInvalidSignature
	}

	provided, ok := parseSignature(signatureHeader)
	if !ok {
		return paykit.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", unix)
	mac.Write(payload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return paykit.ErrInvalidSignature
	}
	return nil
}

// parseSignature extracts the MAC bytes from a "v1={hex}" header. Multiple
// comma-separated signatures are accepted; the first v1 entry wins (senders
// include old-secret signatures during secret rotation).
func parseSignature(header string) ([]byte, bool) {
	for _, part := range strings.Split(header, ",") {
		scheme, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || scheme != signatureScheme {
			continue
		}
		mac, err := hex.DecodeString(value)
		if err != nil || len(mac) != sha256.Size {
			return nil, false
		}
		return mac, true
	}
	return nil, false
}
