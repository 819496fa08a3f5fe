package status

import "github.com/exportcontrol/caseflow/workflow/internal/models"

// workflowSequence is the status a case advances to when routing finds no
// queue for it at its current status.
var workflowSequence = map[models.CaseStatus]models.CaseStatus{
	models.StatusSubmitted:                    models.StatusInitialChecks,
	models.StatusResubmitted:                  models.StatusInitialChecks,
	models.StatusInitialChecks:                models.StatusUnderReview,
	models.StatusUnderReview:                  models.StatusOGDAdvice,
	models.StatusOGDAdvice:                    models.StatusUnderFinalReview,
	models.StatusOGDConsolidation:             models.StatusUnderFinalReview,
	models.StatusUnderFinalReview:             models.StatusFinalReviewCountersign,
	models.StatusFinalReviewCountersign:       models.StatusFinalReviewSecondCountersign,
	models.StatusFinalReviewSecondCountersign: models.StatusFinalised,
	models.StatusReopenedForChanges:           models.StatusInitialChecks,
	models.StatusUnderAppeal:                  models.StatusUnderReview,
}

// NextStatus returns the status after s in the workflow sequence. Draft,
// applicant-editing, suspended and terminal statuses have none.
func NextStatus(s models.CaseStatus) (models.CaseStatus, bool) {
	next, ok := workflowSequence[s]
	return next, ok
}
