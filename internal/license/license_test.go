package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// signKey builds a full license key the way the issuing service does:
// payload JSON inline in the envelope, signature over those exact
// bytes, whole envelope base64-encoded.
func signKey(t *testing.T, priv ed25519.PrivateKey, payload Payload) string {
	t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, payloadJSON)
	env, err := json.Marshal(map[string]json.RawMessage{
		"payload":   payloadJSON,
		"signature": mustJSON(t, base64.StdEncoding.EncodeToString(sig)),
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(env)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func validPayload(tier Tier) Payload {
	expires := time.Now().Add(24 * time.Hour).UTC()
	return Payload{
		Tier:      tier,
		Email:     "dev@example.com",
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: &expires,
		PaymentID: "pay_123",
	}
}

func TestVerifyValidLicense(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key := signKey(t, priv, validPayload(TierPro))
	v := NewVerifier(pub)
	status := v.Verify(key)
	require.True(t, status.Valid)
	require.Equal(t, TierPro, status.Tier)
	require.Equal(t, "dev@example.com", status.Payload.Email)
}

func TestVerifyPerpetualLicense(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := validPayload(TierEnterprise)
	payload.ExpiresAt = nil
	status := NewVerifier(pub).Verify(signKey(t, priv, payload))
	require.True(t, status.Valid)
	require.Equal(t, TierEnterprise, status.Tier)
}

func TestVerifyExpiredLicense(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := validPayload(TierTeam)
	past := time.Now().Add(-24 * time.Hour).UTC()
	payload.ExpiresAt = &past

	key := signKey(t, priv, payload)
	status := NewVerifier(pub).Verify(key)
	require.False(t, status.Valid)
	require.Equal(t, ReasonExpired, status.Reason)
	// The payload still decodes even though verification failed.
	decoded, err := Decode(key)
	require.NoError(t, err)
	require.Equal(t, TierTeam, decoded.Tier)
}

func TestVerifyCoreTierUnsupported(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	status := NewVerifier(pub).Verify(signKey(t, priv, validPayload(TierCore)))
	require.False(t, status.Valid)
	require.Equal(t, ReasonUnsupportedTier, status.Reason)
}

func TestVerifyTamperedPayloadFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key := signKey(t, priv, validPayload(TierPro))
	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)

	var env struct {
		Payload   json.RawMessage `json:"payload"`
		Signature string          `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))

	tampered, err := json.Marshal(validPayload(TierEnterprise))
	require.NoError(t, err)
	env.Payload = tampered
	forged, err := json.Marshal(env)
	require.NoError(t, err)

	status := NewVerifier(pub).Verify(base64.StdEncoding.EncodeToString(forged))
	require.False(t, status.Valid)
	require.Equal(t, ReasonInvalidSignature, status.Reason)
}

func TestVerifyWrongKeyFails(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	status := NewVerifier(otherPub).Verify(signKey(t, priv, validPayload(TierPro)))
	require.False(t, status.Valid)
	require.Equal(t, ReasonInvalidSignature, status.Reason)
}

func TestVerifyMissingEmailRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := validPayload(TierPro)
	payload.Email = ""
	status := NewVerifier(pub).Verify(signKey(t, priv, payload))
	require.False(t, status.Valid)
	require.Equal(t, ReasonInvalidPayload, status.Reason)
}

func TestVerifyGarbageKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	status := NewVerifier(pub).Verify("not a license")
	require.False(t, status.Valid)
	require.Equal(t, ReasonInvalidEnvelope, status.Reason)
}

func TestVerifyIsCachedAndStable(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key := signKey(t, priv, validPayload(TierPro))
	v := NewVerifier(pub)
	first := v.Verify(key)
	second := v.Verify(key)
	require.Equal(t, first, second)
}

func TestTierCapabilities(t *testing.T) {
	require.False(t, TierCore.Allows("federation"))
	require.True(t, TierPro.Allows("federation"))
	require.True(t, TierPro.Allows("ai_assist"))
	require.True(t, TierTeam.Allows("ai_assist"))
	require.True(t, TierEnterprise.Allows("federation"))
}
