package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum accepted age (or clock skew) of a signature timestamp.
const DefaultTolerance = 300 * time.Second

const secretPrefix = "whsec_"

// Sign returns the X-Webhook-Signature header value for payload signed now.
func Sign(payload []byte, secret string) string {
	return SignAt(payload, secret, time.Now())
}

// SignAt returns "t={unix},v1={hex}" where the MAC covers "{unix}.{payload}".
// payload must be the exact request body.
func SignAt(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeMAC(payload, secret, ts)))
}

// Verify checks a signature header against payload using the current time.
func Verify(payload []byte, header, secret string, tolerance time.Duration) bool {
	return VerifyAt(payload, header, secret, tolerance, time.Now())
}

// VerifyAt checks a signature header as of now. Malformed headers, stale
// timestamps and mismatching MACs all yield false.
func VerifyAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	ts, sig, ok := parseHeader(header)
	if !ok {
		return false
	}

	cur, tol := now.Unix(), int64(tolerance/time.Second)
	if ts < cur-tol || ts > cur+tol {
		return false
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeMAC(payload, secret, ts))
}

// GenerateSecret creates a per-subscription signing secret: "whsec_" + 32 random bytes hex.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

func computeMAC(payload []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseHeader(header string) (ts int64, sig string, ok bool) {
	var haveTS bool
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts, haveTS = n, true
		case "v1":
			sig = value
		}
	}
	if !haveTS || sig == "" {
		return 0, "", false
	}
	return ts, sig, true
}
