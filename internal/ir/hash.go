package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashes.
// The version suffix leaves room for algorithm migration.
const (
	DomainFingerprint = "warden/fingerprint/v1"
	DomainIdempotency = "warden/idempotency/v1"
	DomainLawbook     = "warden/lawbook/v1"
	DomainPhrase      = "warden/phrase/v1"
	DomainContext     = "warden/approval-context/v1"
	DomainEvent       = "warden/event/v1"
	DomainDecision    = "warden/decision/v1"
	DomainApproval    = "warden/approval/v1"
)

// GenesisHash is the prev_hash of the first record in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashBytes computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator removes any ambiguity at the domain/data boundary.
func HashBytes(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under domain.
func Hash(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashBytes(domain, data), nil
}

// MustHash is like Hash but panics on error.
// Use only when inputs are known to be canonicalizable.
func MustHash(domain string, v any) string {
	h, err := Hash(domain, v)
	if err != nil {
		panic(err)
	}
	return h
}
