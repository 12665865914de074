package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// verifySignature checks the optional X-Signature header of spec §4.8:
// hex(HMAC-SHA256(secret, "<unix-timestamp>.<raw body>")), with the
// timestamp required to fall within ttl of now. Verification is skipped
// (always passes) when no secret is configured, since HMAC signing is
// optional per spec.
func verifySignature(secret string, ttl time.Duration, timestampHeader, signatureHeader string, body []byte) error {
	if secret == "" {
		return nil
	}
	if timestampHeader == "" || signatureHeader == "" {
		return fmt.Errorf("missing signature headers")
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header: %w", err)
	}
	sent := time.Unix(ts, 0)
	if d := time.Since(sent); d > ttl || d < -ttl {
		return fmt.Errorf("signature timestamp outside allowed window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.TrimSpace(signatureHeader)
	provided = strings.TrimPrefix(provided, "sha256=")
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
