// Package auth implements the HMAC request signing used between central
// and workers, and GitHub webhook signature verification.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header names for signed requests.
const (
	HeaderTimestamp        = "X-Request-Timestamp"
	HeaderCentralSignature = "X-Central-Signature"
	HeaderWorkerSignature  = "X-Worker-Signature"
	HeaderGitHubSignature  = "X-Hub-Signature-256"
)

// Freshness window for service signatures.
const (
	maxPastSkew   = 300 * time.Second
	maxFutureSkew = 60 * time.Second
)

// ErrInvalidSignature is returned for every verification failure: missing
// or malformed headers, stale or future timestamps, and MAC mismatches all
// collapse to the same opaque error.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs and verifies service requests with a shared secret.
// The MAC covers the big-endian timestamp followed by the body, so a
// signature cannot be replayed onto a different payload or time.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the given shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the service signature for a timestamped body:
// "sha256=" + hex(HMAC-SHA256(secret, BE64(timestamp) || body)).
func (s *Signer) Sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	mac.Write(ts[:])
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a service signature against the body and the timestamp
// header (decimal seconds since the epoch). The timestamp must be no more
// than 300s in the past and 60s in the future.
func (s *Signer) Verify(signature, timestampHeader string, body []byte) error {
	if signature == "" || timestampHeader == "" {
		return ErrInvalidSignature
	}
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}

	now := time.Now()
	sent := time.Unix(timestamp, 0)
	if now.Sub(sent) > maxPastSkew {
		return ErrInvalidSignature
	}
	if sent.Sub(now) > maxFutureSkew {
		return ErrInvalidSignature
	}

	expected := s.Sign(timestamp, body)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyWebhookSignature checks a GitHub-style webhook signature:
// "sha256=" + hex(HMAC-SHA256(secret, body)). No timestamp gating.
func VerifyWebhookSignature(secret string, signature string, body []byte) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(sig, expected)
}
