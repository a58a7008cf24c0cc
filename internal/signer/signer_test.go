package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSign(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "basic payload",
			payload: []byte(`{"event":"call.completed","data":{"id":"123"}}`),
			secret:  "my-secret-key",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "empty secret",
			payload: []byte(`{"test":true}`),
			secret:  "",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"name":"café","price":"€10"}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Sign(tt.secret, tt.payload)

			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}

			// HMAC-SHA256 always produces 32 bytes (64 hex chars)
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			expected := hex.EncodeToString(mac.Sum(nil))

			if sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}
		})
	}
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "test-secret"

	if Sign(secret, payload) != Sign(secret, payload) {
		t.Error("identical inputs should produce identical signatures")
	}
}

func TestSign_PayloadTamperChangesSignature(t *testing.T) {
	secret := "my-secret"
	payload := []byte(`{"amount":100}`)

	original := Sign(secret, payload)

	for i := range payload {
		tampered := make([]byte, len(payload))
		copy(tampered, payload)
		tampered[i] ^= 0x01

		if Sign(secret, tampered) == original {
			t.Errorf("flipping byte %d did not change the signature", i)
		}
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"event":"test"}`)

	if Sign("secret-1", payload) == Sign("secret-2", payload) {
		t.Error("different secrets should produce different signatures")
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"event":"form.submitted","event_id":"evt_1"}`)
	secret := "verify-secret"

	sig := Sign(secret, payload)

	if !Verify(secret, payload, sig) {
		t.Error("valid signature should verify")
	}
	if Verify("wrong-secret", payload, sig) {
		t.Error("verification with the wrong secret should fail")
	}
	if Verify(secret, []byte(`{"event":"form.submitted","event_id":"evt_2"}`), sig) {
		t.Error("verification of a different payload should fail")
	}
	if Verify(secret, payload, "not-hex") {
		t.Error("malformed signature should fail verification")
	}
}
