// Package rules loads routing rules from YAML files.
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
	"github.com/exportcontrol/caseflow/workflow/internal/repository"
)

var ErrInvalidRule = errors.New("invalid routing rule")

// ruleNamespace seeds deterministic rule ids so re-importing a file
// produces the same rows.
var ruleNamespace = uuid.MustParse("3f1c2a6e-8d4b-5e0f-9a7c-1b2d3e4f5a6b")

// File is the on-disk shape of a rules file.
type File struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec names its team, queue and user rather than using ids so files
// can be shared between environments. Flags and case types are ids.
type RuleSpec struct {
	Team           string   `yaml:"team"`
	Queue          string   `yaml:"queue"`
	Status         string   `yaml:"status"`
	Tier           int      `yaml:"tier"`
	Active         *bool    `yaml:"active"`
	User           string   `yaml:"user"`
	CaseTypes      []string `yaml:"case_types"`
	FlagsToInclude []string `yaml:"flags_to_include"`
	FlagsToExclude []string `yaml:"flags_to_exclude"`
	Country        string   `yaml:"country"`
}

// Parse decodes a rules file. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return &f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Result counts what an import did.
type Result struct {
	Created int
	Skipped int
}

// Importer writes parsed rules through a transaction.
type Importer struct {
	logger *logging.Logger
	now    func() time.Time
}

func NewImporter(logger *logging.Logger) *Importer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Importer{logger: logger, now: time.Now}
}

// Import validates every rule and creates the ones not already present.
// Any invalid rule fails the whole import.
func (imp *Importer) Import(ctx context.Context, tx repository.Tx, f *File) (Result, error) {
	var res Result
	for i, rs := range f.Rules {
		rule, err := imp.resolve(ctx, tx, rs)
		if err != nil {
			return Result{}, fmt.Errorf("rule %d: %w", i+1, err)
		}
		err = tx.CreateRoutingRule(ctx, rule)
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			res.Skipped++
			imp.logger.InfoContext(ctx, "routing rule already present",
				logging.QueueID(rule.QueueID.String()),
				logging.Status(string(rule.Status)))
		case err != nil:
			return Result{}, fmt.Errorf("rule %d: %w", i+1, err)
		default:
			res.Created++
		}
	}
	imp.logger.InfoContext(ctx, "routing rules imported",
		logging.Count(res.Created), slog.Int("skipped", res.Skipped))
	return res, nil
}

func (imp *Importer) resolve(ctx context.Context, tx repository.Tx, rs RuleSpec) (*models.RoutingRule, error) {
	status := models.CaseStatus(rs.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRule, rs.Status)
	}
	if status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot route on terminal status %q", ErrInvalidRule, rs.Status)
	}
	if rs.Tier < 1 {
		return nil, fmt.Errorf("%w: tier must be at least 1", ErrInvalidRule)
	}

	team, err := tx.GetTeamByName(ctx, rs.Team)
	if err != nil {
		return nil, fmt.Errorf("%w: team %q: %v", ErrInvalidRule, rs.Team, err)
	}
	queue, err := tx.GetQueueByName(ctx, rs.Queue)
	if err != nil {
		return nil, fmt.Errorf("%w: queue %q: %v", ErrInvalidRule, rs.Queue, err)
	}
	if queue.TeamID != team.ID {
		return nil, fmt.Errorf("%w: queue %q does not belong to team %q", ErrInvalidRule, rs.Queue, rs.Team)
	}

	rule := &models.RoutingRule{
		ID:        uuid.NewSHA1(ruleNamespace, []byte(fmt.Sprintf("%s/%s/%d", team.ID, status, rs.Tier))),
		TeamID:    team.ID,
		TeamName:  team.Name,
		QueueID:   queue.ID,
		Status:    status,
		Tier:      rs.Tier,
		Active:    rs.Active == nil || *rs.Active,
		Country:   strings.ToUpper(strings.TrimSpace(rs.Country)),
		CreatedAt: imp.now().UTC(),
	}

	if rs.User != "" {
		id, err := uuid.Parse(rs.User)
		if err != nil {
			return nil, fmt.Errorf("%w: user %q: %v", ErrInvalidRule, rs.User, err)
		}
		user, err := tx.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: user %s: %v", ErrInvalidRule, id, err)
		}
		if user.TeamID != team.ID {
			return nil, fmt.Errorf("%w: user %s is not in team %q", ErrInvalidRule, id, rs.Team)
		}
		rule.UserID = &id
	}

	if rule.CaseTypeIDs, err = parseIDs("case type", rs.CaseTypes); err != nil {
		return nil, err
	}
	if rule.FlagsToInclude, err = parseIDs("flag", rs.FlagsToInclude); err != nil {
		return nil, err
	}
	if rule.FlagsToExclude, err = parseIDs("flag", rs.FlagsToExclude); err != nil {
		return nil, err
	}
	flagIDs := append(append([]uuid.UUID{}, rule.FlagsToInclude...), rule.FlagsToExclude...)
	if len(flagIDs) > 0 {
		known, err := tx.ListFlags(ctx, flagIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to look up flags: %w", err)
		}
		found := make(map[uuid.UUID]bool, len(known))
		for _, f := range known {
			found[f.ID] = true
		}
		for _, id := range flagIDs {
			if !found[id] {
				return nil, fmt.Errorf("%w: flag %s: %v", ErrInvalidRule, id, repository.ErrFlagNotFound)
			}
		}
	}
	return rule, nil
}

func parseIDs(kind string, raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidRule, kind, s, err)
		}
		out = append(out, id)
	}
	return out, nil
}
