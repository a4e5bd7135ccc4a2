package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// codeHashLen is the hex-prefix length of the content digest stored as a
// task's code hash.
const codeHashLen = 16

// canonicalTaskConfig is the serialization layout the code hash is computed
// over. Field order is part of the compatibility contract: reordering or
// renaming fields would change every task's hash and bump every code version
// on the next registration.
type canonicalTaskConfig struct {
	ID                  string   `json:"id"`
	AllowedNext         []string `json:"allowedNext"`
	TimeoutSec          int      `json:"timeoutSec"`
	MaxRetries          int      `json:"maxRetries"`
	RetryBackoff        string   `json:"retryBackoff"`
	RetryDelayMs        int      `json:"retryDelayMs"`
	MaxRetryDelayMs     int      `json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int      `json:"heartbeatIntervalMs"`
	Concurrency         int      `json:"concurrency"`
	Priority            int      `json:"priority"`
	IdempotencyTTLSec   int      `json:"idempotencyTtlSec"`
	Description         string   `json:"description"`
}

// CodeHash computes the 16-hex-char content hash of a task's configuration.
//
// Determinism rules:
//   - the canonical form is JSON with a fixed field order
//   - AllowedNext keeps its declared order (routing order is meaningful)
//   - a nil AllowedNext serializes identically to an empty one
func CodeHash(spec TaskSpec) string {
	next := spec.AllowedNext
	if next == nil {
		next = []string{}
	}
	canonical := canonicalTaskConfig{
		ID:                  spec.ID,
		AllowedNext:         next,
		TimeoutSec:          spec.TimeoutSec,
		MaxRetries:          spec.MaxRetries,
		RetryBackoff:        string(spec.RetryBackoff),
		RetryDelayMs:        spec.RetryDelayMs,
		MaxRetryDelayMs:     spec.MaxRetryDelayMs,
		HeartbeatIntervalMs: spec.HeartbeatIntervalMs,
		Concurrency:         spec.Concurrency,
		Priority:            spec.Priority,
		IdempotencyTTLSec:   spec.IdempotencyTTLSec,
		Description:         spec.Description,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Marshalling a struct of plain values cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:codeHashLen]
}
