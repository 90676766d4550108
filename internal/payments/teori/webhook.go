package teori

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"drivingschool-backend/pkg/logger"
)

const signaturePrefix = "sha256="

// VerifyWebhookSignature checks a lowercase hex HMAC-SHA256 of body keyed
// with secret. The signature may carry a "sha256=" prefix. An empty secret
// never verifies.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}

	signature = strings.TrimSpace(signature)
	if len(signature) >= len(signaturePrefix) && strings.EqualFold(signature[:len(signaturePrefix)], signaturePrefix) {
		signature = signature[len(signaturePrefix):]
	}
	if signature == "" {
		return false
	}

	return hmac.Equal([]byte(signature), []byte(SignWebhookPayload(body, secret)))
}

// SignWebhookPayload returns the hex signature VerifyWebhookSignature expects.
func SignWebhookPayload(body []byte, secret string) string {
	return hex.EncodeToString(computeHMACSHA256(body, []byte(secret)))
}

func computeHMACSHA256(message, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// WebhookVerifier validates inbound callbacks with the configured webhook secret.
type WebhookVerifier struct {
	resolver *Resolver
}

func NewWebhookVerifier(resolver *Resolver) *WebhookVerifier {
	return &WebhookVerifier{resolver: resolver}
}

// Verify never fails: unresolvable settings, a missing secret or a bad
// signature all yield false.
func (v *WebhookVerifier) Verify(ctx context.Context, signature string, body []byte) bool {
	if v == nil || v.resolver == nil {
		return false
	}

	settings, err := v.resolver.Resolve(ctx, false)
	if err != nil {
		logger.ErrorContext(ctx, err, "Cannot verify Teori webhook without settings", nil)
		return false
	}
	if settings.WebhookSecret == "" {
		logger.WarnContext(ctx, "Teori webhook secret is not configured, rejecting callback", nil)
		return false
	}

	if !VerifyWebhookSignature(body, signature, settings.WebhookSecret) {
		logger.WarnContext(ctx, "Teori webhook signature mismatch", map[string]interface{}{
			"signature_present": strings.TrimSpace(signature) != "",
			"body_bytes":        len(body),
		})
		return false
	}
	return true
}
