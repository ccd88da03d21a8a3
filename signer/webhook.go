package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Xumm-Request-Signature"
	HeaderTimestamp = "X-Xumm-Request-Timestamp"
)

// SignWebhook computes the callback signature: hex HMAC-SHA1 of timestamp
// followed by body, keyed with the API secret without dashes.
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(strings.ReplaceAll(secret, "-", "")))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook reports whether signature matches the callback.
func VerifyWebhook(secret, timestamp string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want := SignWebhook(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}
