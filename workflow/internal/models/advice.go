package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdviceLevel is the review level an advice row belongs to.
type AdviceLevel string

const (
	AdviceLevelUser  AdviceLevel = "user"
	AdviceLevelTeam  AdviceLevel = "team"
	AdviceLevelFinal AdviceLevel = "final"
)

// AdviceType is a recommendation.
type AdviceType string

const (
	AdviceApprove           AdviceType = "approve"
	AdviceRefuse            AdviceType = "refuse"
	AdviceProviso           AdviceType = "proviso"
	AdviceNoLicenceRequired AdviceType = "no_licence_required"
	AdviceConflicting       AdviceType = "conflicting"
	AdviceInform            AdviceType = "inform"
)

// Valid reports whether t is a known advice type.
func (t AdviceType) Valid() bool {
	switch t {
	case AdviceApprove, AdviceRefuse, AdviceProviso, AdviceNoLicenceRequired, AdviceConflicting, AdviceInform:
		return true
	}
	return false
}

// EntityKind enumerates what a piece of advice can be about. The numeric
// order is the canonical ordering of grouped advice.
type EntityKind int

const (
	EntityGood EntityKind = iota + 1
	EntityCountry
	EntityEndUser
	EntityUltimateEndUser
	EntityConsignee
	EntityThirdParty
)

var entityKindNames = map[EntityKind]string{
	EntityGood:            "good",
	EntityCountry:         "country",
	EntityEndUser:         "end_user",
	EntityUltimateEndUser: "ultimate_end_user",
	EntityConsignee:       "consignee",
	EntityThirdParty:      "third_party",
}

func (k EntityKind) String() string {
	if name, ok := entityKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EntityKind(%d)", int(k))
}

// ParseEntityKind maps a stored name back to its kind.
func ParseEntityKind(s string) (EntityKind, error) {
	for k, name := range entityKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// ErrInvalidEntity is returned when an entity reference cannot be built.
var ErrInvalidEntity = errors.New("invalid entity reference")

// EntityRef references exactly one advised-on entity. The zero value
// references nothing and is rejected wherever advice is validated.
type EntityRef struct {
	kind EntityKind
	id   string
}

func GoodRef(id uuid.UUID) EntityRef            { return EntityRef{EntityGood, id.String()} }
func CountryRef(code string) EntityRef          { return EntityRef{EntityCountry, code} }
func EndUserRef(id uuid.UUID) EntityRef         { return EntityRef{EntityEndUser, id.String()} }
func UltimateEndUserRef(id uuid.UUID) EntityRef { return EntityRef{EntityUltimateEndUser, id.String()} }
func ConsigneeRef(id uuid.UUID) EntityRef       { return EntityRef{EntityConsignee, id.String()} }
func ThirdPartyRef(id uuid.UUID) EntityRef      { return EntityRef{EntityThirdParty, id.String()} }

// NewEntityRef builds a reference from its stored form.
func NewEntityRef(kind EntityKind, id string) (EntityRef, error) {
	if _, ok := entityKindNames[kind]; !ok {
		return EntityRef{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidEntity, kind)
	}
	if id == "" {
		return EntityRef{}, fmt.Errorf("%w: empty %s id", ErrInvalidEntity, kind)
	}
	if kind != EntityCountry {
		if _, err := uuid.Parse(id); err != nil {
			return EntityRef{}, fmt.Errorf("%w: %s id %q: %v", ErrInvalidEntity, kind, id, err)
		}
	}
	return EntityRef{kind: kind, id: id}, nil
}

func (e EntityRef) Kind() EntityKind { return e.kind }
func (e EntityRef) ID() string       { return e.id }
func (e EntityRef) IsZero() bool     { return e.kind == 0 }

func (e EntityRef) String() string {
	if e.IsZero() {
		return "<none>"
	}
	return e.kind.String() + ":" + e.id
}

// Less orders references by kind, then id.
func (e EntityRef) Less(o EntityRef) bool {
	if e.kind != o.kind {
		return e.kind < o.kind
	}
	return e.id < o.id
}

type entityRefJSON struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (e EntityRef) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(entityRefJSON{Kind: e.kind.String(), ID: e.id})
}

func (e *EntityRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = EntityRef{}
		return nil
	}
	var raw entityRefJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := ParseEntityKind(raw.Kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	ref, err := NewEntityRef(kind, raw.ID)
	if err != nil {
		return err
	}
	*e = ref
	return nil
}

// Advice is one recommendation about one entity on a case.
type Advice struct {
	ID                uuid.UUID   `json:"id"`
	CaseID            uuid.UUID   `json:"case_id"`
	Level             AdviceLevel `json:"level"`
	Type              AdviceType  `json:"type"`
	Entity            EntityRef   `json:"entity"`
	Text              string      `json:"text"`
	Note              string      `json:"note"`
	Proviso           string      `json:"proviso"`
	Footnote          string      `json:"footnote"`
	FootnoteRequired  bool        `json:"footnote_required"`
	PVGrading         string      `json:"pv_grading"`
	CollatedPVGrading string      `json:"collated_pv_grading"`
	DenialReasons     []string    `json:"denial_reasons"`
	TeamID            *uuid.UUID  `json:"team_id,omitempty"`
	UserID            uuid.UUID   `json:"user_id"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Clone returns a deep copy.
func (a *Advice) Clone() *Advice {
	out := *a
	if a.TeamID != nil {
		v := *a.TeamID
		out.TeamID = &v
	}
	if a.DenialReasons != nil {
		out.DenialReasons = append([]string(nil), a.DenialReasons...)
	}
	return &out
}

// AdviceKey identifies the slot an advice row occupies. USER rows are keyed
// by user and team, TEAM rows by team, FINAL rows by case and entity only.
type AdviceKey struct {
	CaseID uuid.UUID
	Level  AdviceLevel
	TeamID uuid.UUID
	UserID uuid.UUID
	Entity EntityRef
}

// Key returns the slot a occupies.
func (a *Advice) Key() AdviceKey {
	k := AdviceKey{CaseID: a.CaseID, Level: a.Level, Entity: a.Entity}
	switch a.Level {
	case AdviceLevelUser:
		k.UserID = a.UserID
		if a.TeamID != nil {
			k.TeamID = *a.TeamID
		}
	case AdviceLevelTeam:
		if a.TeamID != nil {
			k.TeamID = *a.TeamID
		}
	}
	return k
}

// CountersignAdvice is a countersigner's verdict on an advice row.
type CountersignAdvice struct {
	ID                  uuid.UUID `json:"id"`
	CaseID              uuid.UUID `json:"case_id"`
	AdviceID            uuid.UUID `json:"advice_id"`
	Order               int       `json:"order"`
	OutcomeAccepted     bool      `json:"outcome_accepted"`
	Reasons             string    `json:"reasons"`
	CountersignedUserID uuid.UUID `json:"countersigned_user_id"`
	Valid               bool      `json:"valid"`
	CreatedAt           time.Time `json:"created_at"`
}
