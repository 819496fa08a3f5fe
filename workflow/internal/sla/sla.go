// Package sla advances the working-day counters of open cases once per
// working day and chases unanswered information requests.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/exportcontrol/caseflow/workflow/internal/calendar"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// Target days per case sub-type.
const (
	StandardTargetDays     = 20
	OpenTargetDays         = 60
	HMRCTargetDays         = 2
	MODClearanceTargetDays = 30
)

// DefaultCutoff is the local time after which a submission counts from the
// next working day.
var DefaultCutoff = calendar.Clock{Hour: 18}

// TargetDays returns the SLA target for a case sub-type. Sub-types
// without a target report false.
func TargetDays(sub models.CaseSubType) (int, bool) {
	switch sub {
	case models.SubTypeStandard:
		return StandardTargetDays, true
	case models.SubTypeOpen:
		return OpenTargetDays, true
	case models.SubTypeHMRC:
		return HMRCTargetDays, true
	case models.SubTypeExhibition, models.SubTypeF680, models.SubTypeGifting:
		return MODClearanceTargetDays, true
	}
	return 0, false
}

// Window holds the instants one run is judged against.
type Window struct {
	// RunDate is local midnight of the run's day.
	RunDate time.Time
	// Cutoff is today's cutoff. Only cases submitted before it count.
	Cutoff time.Time
	// PreviousCutoff is the cutoff on the previous working day.
	PreviousCutoff time.Time
}

// NewWindow computes the window for a run at now.
func NewWindow(ctx context.Context, cal *calendar.Calendar, now time.Time, cutoff calendar.Clock) (Window, error) {
	prev, err := cal.PreviousWorkingDay(ctx, now)
	if err != nil {
		return Window{}, fmt.Errorf("failed to find previous working day: %w", err)
	}
	return Window{
		RunDate:        cal.Date(now),
		Cutoff:         cal.At(now, cutoff),
		PreviousCutoff: cal.At(prev, cutoff),
	}, nil
}

// Blocks reports whether an information request stops its case's clock
// for this run: still open and raised before today's cutoff, or answered
// after the previous working day's cutoff.
func (w Window) Blocks(q models.EcjuQuery) bool {
	if q.RespondedAt == nil {
		return q.CreatedAt.Before(w.Cutoff)
	}
	return q.RespondedAt.After(w.PreviousCutoff)
}

// Eligible reports whether a case's counters may advance in this run,
// ignoring information requests.
func (w Window) Eligible(cal *calendar.Calendar, c *models.Case) bool {
	switch {
	case c.SubmittedAt == nil || !c.SubmittedAt.Before(w.Cutoff):
		return false
	case c.LastClosedAt != nil, c.SLARemainingDays == nil:
		return false
	case c.Status.IsTerminal():
		return false
	case c.SLAUpdatedAt != nil && cal.SameDay(*c.SLAUpdatedAt, w.RunDate):
		return false
	}
	return true
}
