// Package advice collates reviewers' advice into team and final decisions.
package advice

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// Separator joins the distinct wording of merged advice.
const Separator = "\n-------\n"

type identity struct {
	adviceType models.AdviceType
	text       string
	note       string
	proviso    string
	pvGrading  string
	denials    string
}

func identityOf(a models.Advice) identity {
	denials := slices.Clone(a.DenialReasons)
	slices.Sort(denials)
	denials = slices.Compact(denials)
	return identity{
		adviceType: a.Type,
		text:       a.Text,
		note:       a.Note,
		proviso:    a.Proviso,
		pvGrading:  a.PVGrading,
		denials:    strings.Join(denials, "\x00"),
	}
}

// Deduplicate drops every row identical to an earlier one in type, text,
// note, proviso, PV grading and denial reason set. Order is preserved.
func Deduplicate(rows []models.Advice) []models.Advice {
	seen := make(map[identity]bool, len(rows))
	out := make([]models.Advice, 0, len(rows))
	for _, a := range rows {
		id := identityOf(a)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, a)
	}
	return out
}

type joiner struct {
	seen   map[string]bool
	values []string
}

func (j *joiner) add(s string) {
	if s == "" || j.seen[s] {
		return
	}
	if j.seen == nil {
		j.seen = make(map[string]bool)
	}
	j.seen[s] = true
	j.values = append(j.values, s)
}

func (j *joiner) String() string {
	return strings.Join(j.values, Separator)
}

// Merge collapses rows about one entity into a single unsaved row. Text
// fields join their distinct non-empty values in row order and the type
// is resolved across all rows. Identity, level and authorship are left
// for the caller.
func Merge(rows []models.Advice) models.Advice {
	var text, note, proviso, footnote, grading joiner
	var denials []string
	types := make([]models.AdviceType, 0, len(rows))
	merged := models.Advice{}

	for _, a := range rows {
		text.add(a.Text)
		note.add(a.Note)
		proviso.add(a.Proviso)
		footnote.add(a.Footnote)
		if a.PVGrading != "" {
			grading.add(a.PVGrading)
		} else {
			grading.add(a.CollatedPVGrading)
		}
		if a.Footnote != "" {
			merged.FootnoteRequired = true
		}
		denials = append(denials, a.DenialReasons...)
		types = append(types, a.Type)
	}
	if len(rows) > 0 {
		merged.CaseID = rows[0].CaseID
		merged.Entity = rows[0].Entity
	}

	slices.Sort(denials)
	merged.DenialReasons = slices.Compact(denials)
	merged.Text = text.String()
	merged.Note = note.String()
	merged.Proviso = proviso.String()
	merged.Footnote = footnote.String()
	merged.CollatedPVGrading = grading.String()
	merged.Type = ResolveType(types)
	ClearProviso(&merged)
	return merged
}

// ClearProviso drops proviso wording from advice whose type cannot carry
// one.
func ClearProviso(a *models.Advice) {
	if a.Type != models.AdviceProviso && a.Type != models.AdviceConflicting {
		a.Proviso = ""
	}
}

// sameContent reports whether b would leave a's stored wording, grading
// and denial reasons as they are.
func sameContent(a, b models.Advice) bool {
	return identityOf(a) == identityOf(b) &&
		a.Footnote == b.Footnote &&
		a.FootnoteRequired == b.FootnoteRequired &&
		a.CollatedPVGrading == b.CollatedPVGrading
}

// ResolveType picks the single type a set of advice agrees on. Approval
// gives way to NLR or a proviso; any other disagreement is a conflict.
func ResolveType(types []models.AdviceType) models.AdviceType {
	distinct := slices.Clone(types)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)

	switch len(distinct) {
	case 0:
		return ""
	case 1:
		return distinct[0]
	case 2:
		if slices.Contains(distinct, models.AdviceApprove) {
			if slices.Contains(distinct, models.AdviceNoLicenceRequired) {
				return models.AdviceNoLicenceRequired
			}
			if slices.Contains(distinct, models.AdviceProviso) {
				return models.AdviceProviso
			}
		}
	}
	return models.AdviceConflicting
}

// Superseded is the outcome of replacing an aggregate slot.
type Superseded struct {
	// Advice is the row to persist.
	Advice *models.Advice
	// Replaced is the prior occupant of the slot, nil for a fresh slot.
	Replaced *models.Advice
	// DenialReasons is the relation set carried onto the new row.
	DenialReasons []string
	// Unchanged is set when the replacement matches the prior row, which
	// is then kept as it stands.
	Unchanged bool
}

// Supersede places next into the slot prior occupies. The slot keeps its
// identity and creation time so references to it stay valid; everything
// else comes from next, except that prior's denial reasons survive a
// replacement that brings none.
func Supersede(prior *models.Advice, next models.Advice, now time.Time) Superseded {
	row := next.Clone()
	row.UpdatedAt = now
	if prior == nil {
		row.ID = uuid.Must(uuid.NewV7())
		row.CreatedAt = now
		return Superseded{Advice: row, DenialReasons: slices.Clone(row.DenialReasons)}
	}

	row.ID = prior.ID
	row.CreatedAt = prior.CreatedAt
	if len(row.DenialReasons) == 0 {
		row.DenialReasons = slices.Clone(prior.DenialReasons)
	}
	if sameContent(*prior, *row) {
		return Superseded{
			Advice:        prior.Clone(),
			Replaced:      prior,
			DenialReasons: slices.Clone(prior.DenialReasons),
			Unchanged:     true,
		}
	}
	return Superseded{
		Advice:        row,
		Replaced:      prior,
		DenialReasons: slices.Clone(row.DenialReasons),
	}
}
