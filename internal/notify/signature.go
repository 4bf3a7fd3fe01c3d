package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	// HeaderTimestamp and HeaderSignature carry the callback signature.
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderSignature = "X-Signature"

	signatureVersion = "v0"

	// MaxSkew is how far a callback timestamp may be from now.
	MaxSkew = 300 * time.Second
)

var (
	ErrNoSecret       = errors.New("signing secret not configured")
	ErrMissingHeaders = errors.New("signature headers missing")
	ErrStaleTimestamp = errors.New("signature timestamp outside the allowed window")
	ErrBadSignature   = errors.New("signature mismatch")
)

// Sign returns "v0=" + hex(HMAC-SHA256(secret, "v0:" + ts + ":" + body)).
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + ts + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback body against its timestamp and
// signature headers. The timestamp is checked before the signature so a
// replayed request is refused even when its signature is valid.
func VerifySignature(secret, ts, sig string, body []byte, now time.Time) error {
	if secret == "" {
		return ErrNoSecret
	}
	if ts == "" || sig == "" {
		return ErrMissingHeaders
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew > MaxSkew || skew < -MaxSkew {
		return ErrStaleTimestamp
	}
	if !hmac.Equal([]byte(Sign(secret, ts, body)), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// RejectReason is a short metrics label for a verification error.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNoSecret):
		return "no_secret"
	case errors.Is(err, ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	default:
		return "other"
	}
}
