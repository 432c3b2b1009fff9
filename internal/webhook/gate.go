// Package webhook receives code-forge webhooks: it verifies HMAC
// signatures, suppresses replays, routes events, and drives the
// reconciliation engine and linkage resolver.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tickmirror/tickmirror/internal/debug"
	"github.com/tickmirror/tickmirror/internal/telemetry"
)

// Security gate event kinds, recorded through telemetry.
const (
	eventSignatureVerified  = "signature_verified"
	eventMissingSignature   = "missing_signature"
	eventMalformedSignature = "malformed_signature"
	eventInvalidSignature   = "invalid_signature"
	eventInvalidPayload     = "invalid_payload"
	eventSecretMissing      = "webhook_secret_not_configured"
	eventDeliveryIDMissing  = "delivery_id_missing"
	eventDeliveryReplayed   = "delivery_replayed"
)

// verifySignature checks an HMAC-SHA256 signature of the form
// "sha256=<hex-digest>" against the raw body using a constant-time
// comparison. The returned event kind distinguishes malformed encoding
// from a wrong digest.
func verifySignature(secret, body []byte, signature string) (ok bool, event string) {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false, eventMalformedSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, prefix))
	if err != nil || len(provided) != sha256.Size {
		return false, eventMalformedSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return false, eventInvalidSignature
	}
	return true, eventSignatureVerified
}

// ProcessWebhook is the security gate and router entry point. It
// returns the HTTP status and JSON body for the delivery. No state is
// mutated before signature verification succeeds; the delivery-id
// record is the first write and the primary replay guard.
func (s *Server) ProcessWebhook(ctx context.Context, body []byte, signature, eventKind, deliveryID string) (int, map[string]interface{}) {
	// Fail closed: without a shared secret nothing can be trusted.
	if len(s.secret) == 0 {
		return http.StatusInternalServerError, errBody("webhook_secret_not_configured")
	}

	if signature == "" {
		telemetry.RecordSecurityEvent(ctx, eventMissingSignature)
		return http.StatusUnauthorized, errBody("missing_signature")
	}

	ok, event := verifySignature(s.secret, body, signature)
	if !ok {
		telemetry.RecordSecurityEvent(ctx, event)
		debug.Logf("webhook: signature rejected (%s) for delivery %s\n", event, deliveryID)
		return http.StatusUnauthorized, errBody("invalid_signature")
	}

	if deliveryID != "" {
		fresh, err := s.store.RecordDelivery(ctx, deliveryID)
		if err != nil {
			return http.StatusInternalServerError, errBody("delivery_record_failed")
		}
		if !fresh {
			telemetry.RecordSecurityEvent(ctx, eventDeliveryReplayed)
			return http.StatusOK, map[string]interface{}{
				"ok": true, "deduped": true, "dedupeReason": "delivery_id",
			}
		}
	} else {
		// Forges do not always guarantee delivery ids; note it and
		// keep processing.
		telemetry.RecordSecurityEvent(ctx, eventDeliveryIDMissing)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		telemetry.RecordSecurityEvent(ctx, eventInvalidPayload)
		return http.StatusBadRequest, errBody("invalid_payload")
	}

	telemetry.RecordSecurityEvent(ctx, eventSignatureVerified)

	return s.route(ctx, eventKind, body)
}

// route dispatches a verified payload by event kind. Unknown kinds are
// acknowledged, never rejected — the forge will grow new event kinds.
func (s *Server) route(ctx context.Context, eventKind string, body []byte) (int, map[string]interface{}) {
	switch eventKind {
	case "push":
		return s.handlePush(ctx, body)
	case "pull_request":
		return s.handlePullRequest(ctx, body)
	case "check_run", "check_suite":
		return s.handleCheck(ctx, eventKind, body)
	default:
		return http.StatusOK, map[string]interface{}{
			"ok": true, "message": "Ignored " + eventKind,
		}
	}
}

func errBody(code string) map[string]interface{} {
	return map[string]interface{}{"ok": false, "error": code}
}
