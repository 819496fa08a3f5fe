package models

import (
	"time"

	"github.com/google/uuid"
)

// RoutingRule places cases in a team's queue when its criteria match.
// Criteria left empty do not constrain the match.
type RoutingRule struct {
	ID             uuid.UUID   `json:"id"`
	TeamID         uuid.UUID   `json:"team_id"`
	TeamName       string      `json:"team_name"`
	QueueID        uuid.UUID   `json:"queue_id"`
	Status         CaseStatus  `json:"status"`
	Tier           int         `json:"tier"`
	Active         bool        `json:"active"`
	UserID         *uuid.UUID  `json:"user_id,omitempty"`
	CaseTypeIDs    []uuid.UUID `json:"case_types,omitempty"`
	FlagsToInclude []uuid.UUID `json:"flags_to_include,omitempty"`
	FlagsToExclude []uuid.UUID `json:"flags_to_exclude,omitempty"`
	Country        string      `json:"country,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
