package models

// CaseStatus is the workflow state of a case.
type CaseStatus string

const (
	StatusDraft                        CaseStatus = "draft"
	StatusSubmitted                    CaseStatus = "submitted"
	StatusApplicantEditing             CaseStatus = "applicant_editing"
	StatusResubmitted                  CaseStatus = "resubmitted"
	StatusInitialChecks                CaseStatus = "initial_checks"
	StatusUnderReview                  CaseStatus = "under_review"
	StatusOGDAdvice                    CaseStatus = "ogd_advice"
	StatusOGDConsolidation             CaseStatus = "ogd_consolidation"
	StatusUnderFinalReview             CaseStatus = "under_final_review"
	StatusFinalReviewCountersign       CaseStatus = "final_review_countersign"
	StatusFinalReviewSecondCountersign CaseStatus = "final_review_second_countersign"
	StatusReopenedForChanges           CaseStatus = "reopened_for_changes"
	StatusUnderAppeal                  CaseStatus = "under_appeal"
	StatusSuspended                    CaseStatus = "suspended"
	StatusFinalised                    CaseStatus = "finalised"
	StatusClosed                       CaseStatus = "closed"
	StatusDeregistered                 CaseStatus = "deregistered"
	StatusRegistered                   CaseStatus = "registered"
	StatusRevoked                      CaseStatus = "revoked"
	StatusSurrendered                  CaseStatus = "surrendered"
	StatusWithdrawn                    CaseStatus = "withdrawn"
)

var terminalStatuses = map[CaseStatus]bool{
	StatusClosed:       true,
	StatusDeregistered: true,
	StatusFinalised:    true,
	StatusRegistered:   true,
	StatusRevoked:      true,
	StatusSurrendered:  true,
	StatusWithdrawn:    true,
}

var knownStatuses = map[CaseStatus]bool{
	StatusDraft: true, StatusSubmitted: true, StatusApplicantEditing: true, StatusResubmitted: true,
	StatusInitialChecks: true, StatusUnderReview: true, StatusOGDAdvice: true, StatusOGDConsolidation: true,
	StatusUnderFinalReview: true, StatusFinalReviewCountersign: true, StatusFinalReviewSecondCountersign: true,
	StatusReopenedForChanges: true, StatusUnderAppeal: true, StatusSuspended: true,
	StatusFinalised: true, StatusClosed: true, StatusDeregistered: true, StatusRegistered: true,
	StatusRevoked: true, StatusSurrendered: true, StatusWithdrawn: true,
}

// IsTerminal reports whether s ends the case's active life.
func (s CaseStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	return knownStatuses[s]
}

// RemovesFinalisationFlags reports whether entering s strips flags marked
// remove-on-finalisation.
func (s CaseStatus) RemovesFinalisationFlags() bool {
	return s == StatusWithdrawn || s == StatusClosed || s == StatusFinalised
}

// SubStatus refines a status. A case's sub-status must belong to its status.
type SubStatus struct {
	ID     string     `json:"id"`
	Parent CaseStatus `json:"parent_status"`
	Name   string     `json:"name"`
}

// Well-known finalised sub-status names.
const (
	SubStatusApproved = "Approved"
	SubStatusRefused  = "Refused"
)

// TerminalStatuses lists every terminal status.
func TerminalStatuses() []CaseStatus {
	return []CaseStatus{
		StatusClosed, StatusDeregistered, StatusFinalised, StatusRegistered,
		StatusRevoked, StatusSurrendered, StatusWithdrawn,
	}
}
