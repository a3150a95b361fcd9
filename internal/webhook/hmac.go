package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error callers ever see from signature checks.
// The handler logs it and answers 403 without saying what was wrong.
var errVerification = errors.New("webhook verification failed")

// Sign returns the hex HMAC-SHA256 of body keyed by secret. Linear sends the
// same value in the Linear-Signature header.
func Sign(body []byte, secret string) string {
	return hex.EncodeToString(digest(body, secret))
}

// verifyHMACSignature accepts bare hex or the "sha256=<hex>" form some
// proxies rewrite it to.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" {
		return errVerification
	}
	got, ok := decodeSignature(signature)
	if !ok {
		return errVerification
	}
	if !hmac.Equal(got, digest(body, secret)) {
		return errVerification
	}
	return nil
}

func decodeSignature(signature string) ([]byte, bool) {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if len(signature) != hex.EncodedLen(sha256.Size) {
		return nil, false
	}
	raw, err := hex.DecodeString(signature)
	return raw, err == nil
}

func digest(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
