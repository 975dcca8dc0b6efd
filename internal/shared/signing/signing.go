// Package signing provides HMAC-SHA256 command signing and verification.
// Every command dispatched to an endpoint agent is signed; the agent
// verifies the signature before executing it. This prevents a
// man-in-the-middle from injecting or altering commands in flight.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer creates and verifies HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes HMAC-SHA256 over commandID|json(payload).
func (s *Signer) Sign(commandID string, payload any) (string, error) {
	canonical, err := canonicalize(commandID, payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature matches the payload.
func (s *Signer) Verify(commandID string, payload any, signature string) error {
	expected, err := s.Sign(commandID, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func canonicalize(commandID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical := make([]byte, 0, len(commandID)+1+len(data))
	canonical = append(canonical, []byte(commandID)...)
	canonical = append(canonical, '|')
	canonical = append(canonical, data...)
	return canonical, nil
}

// DeriveAgentKey derives a per-agent signing key from a tenant master key,
// so that compromising one agent's key never exposes another's.
func DeriveAgentKey(masterKey []byte, agentID string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("sentryctl-agent-signing|" + agentID))
	return mac.Sum(nil)
}
