package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CommandSigner computes and verifies the HMAC-SHA256 command
// signatures dispatched with every FCM push, per spec.md §4.4. The
// canonical message is "{request_id}|{device_id}|{action}|{ts}",
// optionally suffixed with "|k:v" pairs for payload fields that must
// not be tampered with in transit (e.g. launch_app's package_name).
type CommandSigner struct {
	secret []byte
}

// NewCommandSigner builds a signer from the process-wide HMAC secret.
func NewCommandSigner(secret string) (*CommandSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("hmac secret must not be empty")
	}
	return &CommandSigner{secret: []byte(secret)}, nil
}

func canonicalMessage(requestID, deviceID, action string, ts time.Time, payload map[string]string) string {
	msg := fmt.Sprintf("%s|%s|%s|%s", requestID, deviceID, action, ts.UTC().Format(time.RFC3339))
	if len(payload) == 0 {
		return msg
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		if v := payload[k]; v != "" {
			pairs = append(pairs, k+":"+v)
		}
	}
	if len(pairs) == 0 {
		return msg
	}
	return msg + "|" + strings.Join(pairs, "|")
}

// Sign returns the hex-encoded HMAC-SHA256 signature for a command.
func (s *CommandSigner) Sign(requestID, deviceID, action string, ts time.Time, payload map[string]string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonicalMessage(requestID, deviceID, action, ts, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a provided signature in constant time.
func (s *CommandSigner) Verify(requestID, deviceID, action string, ts time.Time, payload map[string]string, provided string) bool {
	expected := s.Sign(requestID, deviceID, action, ts, payload)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// GenerateDeviceSecret returns a fresh random bearer secret for a
// newly registered device, base64url-encoded.
func GenerateDeviceSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the SHA-256 hash of a bearer secret suitable for
// storing as Device.TokenHash / EnrollmentToken.TokenHash. The secret
// itself is high-entropy random output (GenerateDeviceSecret), so a
// per-token salt buys nothing a rainbow table could exploit.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// TokenFingerprint derives the short, non-secret TokenID used for
// O(1) device lookup by bearer token without scanning every hash.
func TokenFingerprint(secret string) string {
	sum := sha256.Sum256([]byte("fp:" + secret))
	return hex.EncodeToString(sum[:8])
}

// VerifyToken compares a presented bearer secret against a stored
// hash in constant time.
func VerifyToken(secret, storedHash string) bool {
	got := HashToken(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

// GenerateEnrollmentTokenID returns a fresh random identifier for a
// new EnrollmentToken row.
func GenerateEnrollmentTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate enrollment token id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
