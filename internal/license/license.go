// Package license verifies the gateway's license key: a base64-encoded
// JSON envelope {payload, signature} where the Ed25519 signature covers
// the payload object's exact bytes as they appear in the envelope.
// Verification deliberately checks the raw transmitted bytes rather
// than a re-serialization of the parsed struct, since any re-encode
// could reorder keys or drop whitespace and invalidate the signature.
package license

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/qoreforge/dbgateway/internal/value"
)

// Tier is a license tier; higher tiers are supersets of lower ones'
// capabilities. Core is the unlicensed default and never appears in a
// signed license.
type Tier string

const (
	TierCore       Tier = "core"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

var tierCapabilities = map[Tier]map[string]bool{
	TierCore:       {},
	TierPro:        {"federation": true, "ai_assist": true},
	TierTeam:       {"federation": true, "ai_assist": true},
	TierEnterprise: {"federation": true, "ai_assist": true},
}

// Allows reports whether t grants capability.
func (t Tier) Allows(capability string) bool {
	caps, ok := tierCapabilities[t]
	return ok && caps[capability]
}

// Payload is the signed content of a license.
type Payload struct {
	Tier      Tier       `json:"tier"`
	Email     string     `json:"email"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	PaymentID string     `json:"payment_id"`
}

// envelope is the decoded wire form; Payload stays raw so the verified
// bytes are exactly the transmitted ones.
type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Verification failure reasons, stable strings the UI keys off.
const (
	ReasonInvalidEnvelope  = "invalid_envelope"
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonUnsupportedTier  = "unsupported_tier"
	ReasonExpired          = "expired"
)

// Status is the result of verifying a license key.
type Status struct {
	Valid   bool     `json:"valid"`
	Tier    Tier     `json:"tier"`
	Payload *Payload `json:"payload,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Decode parses a license key without verifying its signature,
// returning the embedded payload. Callers that need a trust decision
// use Verify; Decode exists for display purposes (show the tier and
// expiry of a key that failed verification).
func Decode(key string) (*Payload, error) {
	env, _, err := decodeEnvelope(key)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, value.WrapError(value.ErrValidation, "license payload is not valid JSON", err)
	}
	return &payload, nil
}

func decodeEnvelope(key string) (*envelope, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return nil, nil, value.WrapError(value.ErrValidation, "license key is not valid base64", err)
	}
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return nil, nil, value.WrapError(value.ErrValidation, "license envelope is not valid JSON", err)
	}
	if len(env.Payload) == 0 || env.Signature == "" {
		return nil, nil, value.NewError(value.ErrValidation, "license envelope is missing payload or signature")
	}
	return &env, []byte(env.Payload), nil
}

// Verifier checks license keys against a compiled-in public key and
// caches verification results so repeated capability checks on the same
// key never redo the signature math.
type Verifier struct {
	publicKey ed25519.PublicKey

	mu    sync.Mutex
	cache map[string]Status
}

func NewVerifier(publicKey ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey, cache: make(map[string]Status)}
}

// Verify decodes and checks key, returning a Status describing whether
// the license is currently valid and why not otherwise.
func (v *Verifier) Verify(key string) Status {
	key = strings.TrimSpace(key)

	v.mu.Lock()
	if cached, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return cached
	}
	v.mu.Unlock()

	status := v.verifyKey(key)

	v.mu.Lock()
	v.cache[key] = status
	v.mu.Unlock()
	return status
}

func (v *Verifier) verifyKey(key string) Status {
	env, payloadBytes, err := decodeEnvelope(key)
	if err != nil {
		return Status{Tier: TierCore, Reason: ReasonInvalidEnvelope, Detail: err.Error()}
	}

	sigBytes, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return Status{Tier: TierCore, Reason: ReasonInvalidSignature, Detail: "signature is not a valid ed25519 signature"}
	}
	if len(v.publicKey) != ed25519.PublicKeySize {
		return Status{Tier: TierCore, Reason: ReasonInvalidSignature, Detail: "verifier public key is misconfigured"}
	}
	if !ed25519.Verify(v.publicKey, payloadBytes, sigBytes) {
		return Status{Tier: TierCore, Reason: ReasonInvalidSignature, Detail: "signature does not match payload"}
	}

	var payload Payload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Status{Tier: TierCore, Reason: ReasonInvalidPayload, Detail: err.Error()}
	}
	if payload.Email == "" || payload.PaymentID == "" {
		return Status{Tier: TierCore, Reason: ReasonInvalidPayload, Detail: "email and payment_id are required"}
	}
	if payload.IssuedAt.IsZero() {
		return Status{Tier: TierCore, Reason: ReasonInvalidPayload, Detail: "issued_at is required"}
	}
	switch payload.Tier {
	case TierPro, TierTeam, TierEnterprise:
	default:
		// Core (or anything unrecognized) inside a signed license is a
		// generation bug upstream, not a valid entitlement.
		return Status{Tier: TierCore, Payload: &payload, Reason: ReasonUnsupportedTier,
			Detail: "tier " + string(payload.Tier) + " is not issuable"}
	}
	if payload.ExpiresAt != nil && time.Now().After(*payload.ExpiresAt) {
		return Status{Tier: payload.Tier, Payload: &payload, Reason: ReasonExpired, Detail: "license has expired"}
	}

	return Status{Valid: true, Tier: payload.Tier, Payload: &payload}
}

// InvalidateCache clears cached verification results, used after a
// license file hot-reload.
func (v *Verifier) InvalidateCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]Status)
}
