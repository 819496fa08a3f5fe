package routing

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// ParamKind tags a routing parameter.
type ParamKind uint8

const (
	ParamFlag ParamKind = iota + 1
	ParamCountry
	ParamCaseType
)

func (k ParamKind) String() string {
	switch k {
	case ParamFlag:
		return "flag"
	case ParamCountry:
		return "country"
	case ParamCaseType:
		return "case_type"
	}
	return "unknown"
}

// Param is one element of a parameter set.
type Param struct {
	Kind  ParamKind
	Value string
}

func FlagParam(id uuid.UUID) Param     { return Param{ParamFlag, id.String()} }
func CountryParam(code string) Param   { return Param{ParamCountry, strings.ToUpper(code)} }
func CaseTypeParam(id uuid.UUID) Param { return Param{ParamCaseType, id.String()} }

func (p Param) String() string {
	return p.Kind.String() + ":" + p.Value
}

// ParamSet is a set of routing parameters.
type ParamSet map[Param]struct{}

func NewParamSet(params ...Param) ParamSet {
	s := make(ParamSet, len(params))
	for _, p := range params {
		s[p] = struct{}{}
	}
	return s
}

func (s ParamSet) Add(p Param) { s[p] = struct{}{} }

func (s ParamSet) Has(p Param) bool {
	_, ok := s[p]
	return ok
}

// SubsetOf reports whether every element of s is in o.
func (s ParamSet) SubsetOf(o ParamSet) bool {
	for p := range s {
		if !o.Has(p) {
			return false
		}
	}
	return true
}

// Sorted lists the elements in a stable order for logs and tests.
func (s ParamSet) Sorted() []Param {
	out := make([]Param, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Param) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return strings.Compare(a.Value, b.Value)
	})
	return out
}

func addFlags(s ParamSet, flags []models.Flag) {
	for _, f := range flags {
		if f.Active {
			s.Add(FlagParam(f.ID))
		}
	}
}

// BuildParameterSet collects the parameters a case offers to routing:
// active case and organisation flags, the case type, and for every
// non-deleted party its country with the party's and the country's flags,
// plus every good's flags.
func BuildParameterSet(subject *models.RoutingSubject) ParamSet {
	s := make(ParamSet)
	addFlags(s, subject.CaseFlags)
	addFlags(s, subject.OrganisationFlags)
	if subject.Case != nil {
		s.Add(CaseTypeParam(subject.Case.CaseType.ID))
	}
	for _, p := range subject.Parties {
		if p.Deleted {
			continue
		}
		if p.CountryCode != "" {
			s.Add(CountryParam(p.CountryCode))
		}
		addFlags(s, p.Flags)
		addFlags(s, p.CountryFlags)
	}
	for _, g := range subject.Goods {
		addFlags(s, g.Flags)
	}
	return s
}

// RuleSubsets returns the parameter sets a rule can be satisfied by: one
// per listed case type, or a single generic set when none are listed.
func RuleSubsets(rule models.RoutingRule) []ParamSet {
	base := make(ParamSet)
	for _, id := range rule.FlagsToInclude {
		base.Add(FlagParam(id))
	}
	if rule.Country != "" {
		base.Add(CountryParam(rule.Country))
	}
	if len(rule.CaseTypeIDs) == 0 {
		return []ParamSet{base}
	}

	out := make([]ParamSet, 0, len(rule.CaseTypeIDs))
	for _, ct := range rule.CaseTypeIDs {
		s := make(ParamSet, len(base)+1)
		for p := range base {
			s.Add(p)
		}
		s.Add(CaseTypeParam(ct))
		out = append(out, s)
	}
	return out
}

// Match reports whether rule applies to a case offering params: one of its
// subsets is contained in params and none of its excluded flags is present.
func Match(rule models.RoutingRule, params ParamSet) bool {
	for _, id := range rule.FlagsToExclude {
		if params.Has(FlagParam(id)) {
			return false
		}
	}
	for _, sub := range RuleSubsets(rule) {
		if sub.SubsetOf(params) {
			return true
		}
	}
	return false
}

// referencedFlags lists every flag a rule mentions.
func referencedFlags(rule models.RoutingRule) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(rule.FlagsToInclude)+len(rule.FlagsToExclude))
	out = append(out, rule.FlagsToInclude...)
	return append(out, rule.FlagsToExclude...)
}
