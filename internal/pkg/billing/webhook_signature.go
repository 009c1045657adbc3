package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

const (
	WebhookProvider        = "gateway"
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
	WebhookSignatureHeader = "X-Payment-Signature"
)

// VerifyWebhookSignature checks a hex HMAC-SHA256 of payload. The header may
// carry a "sha256=" prefix.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, "sha256=")
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// SignWebhook returns the signature header value for payload.
func SignWebhook(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Type = strings.ToLower(strings.TrimSpace(ev.Type))
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	if ev.ID == "" {
		return nil, errors.New("webhook payload missing event id")
	}
	if ev.OrderID == "" {
		return nil, errors.New("webhook payload missing order id")
	}
	return &ev, nil
}
