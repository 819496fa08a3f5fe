package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only trail record. TargetCaseID is cleared, not
// the row deleted, when a draft case is removed.
type AuditEntry struct {
	ID             uuid.UUID       `json:"id"`
	Verb           string          `json:"verb"`
	ActorID        *uuid.UUID      `json:"actor_id,omitempty"`
	TargetCaseID   *uuid.UUID      `json:"target_case_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	PayloadVersion int             `json:"payload_version"`
	CreatedAt      time.Time       `json:"created_at"`
	Signature      string          `json:"signature"`
}
