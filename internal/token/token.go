// Package token issues short-lived signed credentials that let workers read
// and write run artifacts in blob storage.
//
// The token is payload.signature: a base64url JSON claim set over the run ID,
// its input path, and an expiry, signed with HMAC-SHA256 under the
// orchestrator's secret key. The storage adapter verifying tokens only needs
// the same key; no state is shared.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims is the signed payload.
type Claims struct {
	RunID     string `json:"runId"`
	InputPath string `json:"inputPath"`
	ExpiresAt int64  `json:"exp"`
}

// Issuer signs and verifies storage tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// New returns an Issuer signing with key; tokens expire after ttl.
func New(key string, ttl time.Duration) *Issuer {
	return &Issuer{key: []byte(key), ttl: ttl}
}

// Issue returns a signed token for the run.
func (i *Issuer) Issue(runID, inputPath string) (string, error) {
	claims := Claims{
		RunID:     runID,
		InputPath: inputPath,
		ExpiresAt: time.Now().Add(i.ttl).Unix(),
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encoding token claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + i.sign(payload), nil
}

// Verify checks the signature and expiry and returns the claims.
func (i *Issuer) Verify(tok string) (*Claims, error) {
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return nil, fmt.Errorf("token: malformed")
	}
	if !hmac.Equal([]byte(sig), []byte(i.sign(payload))) {
		return nil, fmt.Errorf("token: bad signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if time.Now().Unix() >= claims.ExpiresAt {
		return nil, fmt.Errorf("token: expired")
	}
	return &claims, nil
}

func (i *Issuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
