package models

import (
	"time"

	"github.com/google/uuid"
)

// CaseSubType selects the SLA target for a case.
type CaseSubType string

const (
	SubTypeStandard   CaseSubType = "standard"
	SubTypeOpen       CaseSubType = "open"
	SubTypeHMRC       CaseSubType = "hmrc"
	SubTypeExhibition CaseSubType = "exhibition"
	SubTypeF680       CaseSubType = "f680_clearance"
	SubTypeGifting    CaseSubType = "gifting"
	SubTypeOther      CaseSubType = "other"
)

// CaseType identifies the kind of application, e.g. siel/standard.
type CaseType struct {
	ID        uuid.UUID   `json:"id"`
	Reference string      `json:"reference"`
	Type      string      `json:"type"`
	SubType   CaseSubType `json:"sub_type"`
}

// Case is an application or query moving through review.
type Case struct {
	ID               uuid.UUID  `json:"id"`
	Reference        string     `json:"reference_code"`
	Status           CaseStatus `json:"status"`
	SubStatusID      *string    `json:"sub_status_id,omitempty"`
	CaseType         CaseType   `json:"case_type"`
	OrganisationID   uuid.UUID  `json:"organisation_id"`
	CaseOfficerID    *uuid.UUID `json:"case_officer_id,omitempty"`
	SLADays          int        `json:"sla_days"`
	SLARemainingDays *int       `json:"sla_remaining_days,omitempty"`
	SLAUpdatedAt     *time.Time `json:"sla_updated_at,omitempty"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	LastClosedAt     *time.Time `json:"last_closed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsDraft reports whether the case has not been submitted.
func (c *Case) IsDraft() bool {
	return c.Status == StatusDraft
}

// Clone returns a copy that shares no pointers with c.
func (c *Case) Clone() *Case {
	out := *c
	if c.SubStatusID != nil {
		v := *c.SubStatusID
		out.SubStatusID = &v
	}
	if c.CaseOfficerID != nil {
		v := *c.CaseOfficerID
		out.CaseOfficerID = &v
	}
	if c.SLARemainingDays != nil {
		v := *c.SLARemainingDays
		out.SLARemainingDays = &v
	}
	out.SLAUpdatedAt = cloneTime(c.SLAUpdatedAt)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	out.LastClosedAt = cloneTime(c.LastClosedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Flag levels.
const (
	FlagLevelCase         = "case"
	FlagLevelGood         = "good"
	FlagLevelDestination  = "destination"
	FlagLevelOrganisation = "organisation"
)

// Flag marks a case, good, destination or organisation.
type Flag struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Level  string    `json:"level"`
	Active bool      `json:"active"`
	// RemoveOnFinalisation strips the flag when the case is finalised, withdrawn or closed.
	RemoveOnFinalisation bool `json:"remove_on_finalisation"`
	// CountersignOrder is the countersigning level the flag demands, 0 for none.
	CountersignOrder int `json:"countersign_order"`
}

// Department groups teams for SLA reporting.
type Department struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Team owns queues and routing rules.
type Team struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
}

// Queue is a work list owned by a team.
type Queue struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	TeamID uuid.UUID `json:"team_id"`
	// CountersigningQueueID receives the case once this queue is done with it.
	CountersigningQueueID *uuid.UUID `json:"countersigning_queue_id,omitempty"`
}

// User is a caseworker.
type User struct {
	ID     uuid.UUID `json:"id"`
	Email  string    `json:"email"`
	TeamID uuid.UUID `json:"team_id"`
	Active bool      `json:"active"`
}

// CaseAssignment places a user on a case within a queue.
type CaseAssignment struct {
	ID        uuid.UUID `json:"id"`
	CaseID    uuid.UUID `json:"case_id"`
	UserID    uuid.UUID `json:"user_id"`
	QueueID   uuid.UUID `json:"queue_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CaseQueueMovement records a case's stay on a queue.
type CaseQueueMovement struct {
	ID        uuid.UUID  `json:"id"`
	CaseID    uuid.UUID  `json:"case_id"`
	QueueID   uuid.UUID  `json:"queue_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExitDate  *time.Time `json:"exit_date,omitempty"`
}

// Party is a destination on an application.
type Party struct {
	ID           uuid.UUID `json:"id"`
	Type         string    `json:"type"`
	CountryCode  string    `json:"country"`
	Deleted      bool      `json:"deleted"`
	Flags        []Flag    `json:"flags"`
	CountryFlags []Flag    `json:"country_flags"`
}

// Good is a product on an application.
type Good struct {
	ID    uuid.UUID `json:"id"`
	Flags []Flag    `json:"flags"`
}

// RoutingSubject is everything routing needs to know about a case.
type RoutingSubject struct {
	Case              *Case   `json:"case"`
	CaseFlags         []Flag  `json:"case_flags"`
	OrganisationFlags []Flag  `json:"organisation_flags"`
	Parties           []Party `json:"parties"`
	Goods             []Good  `json:"goods"`
}

// EcjuQuery is an information request sent to the applicant.
type EcjuQuery struct {
	ID           uuid.UUID  `json:"id"`
	CaseID       uuid.UUID  `json:"case_id"`
	Question     string     `json:"question"`
	CreatedAt    time.Time  `json:"created_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
	ChaserSentOn *time.Time `json:"chaser_sent_on,omitempty"`
}

// CaseQueueSLA counts the working days a case has spent on a queue.
type CaseQueueSLA struct {
	CaseID  uuid.UUID `json:"case_id"`
	QueueID uuid.UUID `json:"queue_id"`
	SLADays int       `json:"sla_days"`
}

// DepartmentSLA counts the working days a case has been with a department.
type DepartmentSLA struct {
	CaseID       uuid.UUID `json:"case_id"`
	DepartmentID uuid.UUID `json:"department_id"`
	SLADays      int       `json:"sla_days"`
}
