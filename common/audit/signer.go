// Package audit signs audit trail entries so tampering with stored rows is
// detectable.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Signer computes HMAC-SHA256 signatures over audit entries.
type Signer struct {
	secretKey []byte
}

func NewSigner(secretKey string) *Signer {
	return &Signer{secretKey: []byte(secretKey)}
}

// Sign covers the entry identity, verb, target, timestamp, payload version and payload.
func (s *Signer) Sign(entryID, verb, targetID string, createdAt time.Time, version int, payload []byte) string {
	h := hmac.New(sha256.New, s.secretKey)
	for _, part := range []string{entryID, verb, targetID, createdAt.UTC().Format(time.RFC3339Nano), strconv.Itoa(version)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches the entry.
func (s *Signer) Verify(entryID, verb, targetID string, createdAt time.Time, version int, payload []byte, signature string) bool {
	expected := s.Sign(entryID, verb, targetID, createdAt, version, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
