package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash domains. The version suffix allows the encoding to change later
// without colliding with stored hashes.
const (
	DomainEntity  = "govern/entity/v1"
	DomainPayload = "govern/payload/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes an entity's type, ID and fields. Version is excluded,
// so two snapshots with the same content hash are interchangeable for
// change detection.
func ContentHash(e Entity) (string, error) {
	obj := Object{
		"type":   String(e.Type),
		"id":     String(e.ID),
		"fields": e.Fields,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("content hash %s: %w", e.ID, err)
	}
	return hashWithDomain(DomainEntity, data), nil
}

// PayloadHash hashes a job payload. Used as an idempotency key for
// scheduled firings and in the job ledger.
func PayloadHash(payload Object) (string, error) {
	data, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	return hashWithDomain(DomainPayload, data), nil
}
