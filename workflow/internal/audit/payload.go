package audit

import "github.com/exportcontrol/caseflow/workflow/internal/models"

// Verb names the action an audit entry records.
type Verb string

const (
	VerbUpdatedStatus              Verb = "updated_status"
	VerbUpdatedSubStatus           Verb = "updated_sub_status"
	VerbMoveCase                   Verb = "move_case"
	VerbRemoveCase                 Verb = "remove_case"
	VerbCreatedFinalRecommendation Verb = "created_final_recommendation"
	VerbAssignUserToCase           Verb = "assign_user_to_case"
	VerbRemoveUserFromCase         Verb = "remove_user_from_case"
	VerbCountersignedAdvice        Verb = "countersigned_advice"
	VerbUnassignedQueues           Verb = "unassigned_queues"
	VerbCreatedUserAdvice          Verb = "created_user_advice"
	VerbEcjuChaserSent             Verb = "ecju_chaser_sent"
)

// Payload is the typed body of an audit entry. Version is bumped whenever
// the JSON shape of a payload changes.
type Payload interface {
	Verb() Verb
	Version() int
}

// StatusChange is the old and new status pair.
type StatusChange struct {
	New models.CaseStatus `json:"new"`
	Old models.CaseStatus `json:"old"`
}

type UpdatedStatus struct {
	Status         StatusChange `json:"status"`
	AdditionalText string       `json:"additional_text,omitempty"`
}

func (UpdatedStatus) Verb() Verb   { return VerbUpdatedStatus }
func (UpdatedStatus) Version() int { return 1 }

// UpdatedSubStatus records a sub-status change. An empty SubStatus means
// the sub-status was cleared.
type UpdatedSubStatus struct {
	SubStatus string            `json:"sub_status"`
	Status    models.CaseStatus `json:"status"`
}

func (UpdatedSubStatus) Verb() Verb   { return VerbUpdatedSubStatus }
func (UpdatedSubStatus) Version() int { return 1 }

// QueueSet lists queues by name and id in matching order.
type QueueSet struct {
	Queues     []string          `json:"queues"`
	QueueIDs   []string          `json:"queue_ids"`
	CaseStatus models.CaseStatus `json:"case_status"`
}

// NewQueueSet builds a QueueSet from queue rows.
func NewQueueSet(queues []models.Queue, status models.CaseStatus) QueueSet {
	qs := QueueSet{
		Queues:     make([]string, 0, len(queues)),
		QueueIDs:   make([]string, 0, len(queues)),
		CaseStatus: status,
	}
	for _, q := range queues {
		qs.Queues = append(qs.Queues, q.Name)
		qs.QueueIDs = append(qs.QueueIDs, q.ID.String())
	}
	return qs
}

type MoveCase struct{ QueueSet }

func (MoveCase) Verb() Verb   { return VerbMoveCase }
func (MoveCase) Version() int { return 2 }

type RemoveCase struct{ QueueSet }

func (RemoveCase) Verb() Verb   { return VerbRemoveCase }
func (RemoveCase) Version() int { return 2 }

type UnassignedQueues struct{ QueueSet }

func (UnassignedQueues) Verb() Verb   { return VerbUnassignedQueues }
func (UnassignedQueues) Version() int { return 1 }

type CreatedFinalRecommendation struct {
	Decision  models.AdviceType `json:"decision"`
	Entity    models.EntityRef  `json:"entity"`
	LicenceID string            `json:"licence_id,omitempty"`
}

func (CreatedFinalRecommendation) Verb() Verb   { return VerbCreatedFinalRecommendation }
func (CreatedFinalRecommendation) Version() int { return 1 }

type AssignUserToCase struct {
	User    string `json:"user"`
	UserID  string `json:"user_id"`
	Queue   string `json:"queue"`
	QueueID string `json:"queue_id"`
}

func (AssignUserToCase) Verb() Verb   { return VerbAssignUserToCase }
func (AssignUserToCase) Version() int { return 1 }

type RemoveUserFromCase struct {
	User    string `json:"user"`
	UserID  string `json:"user_id"`
	Queue   string `json:"queue"`
	QueueID string `json:"queue_id"`
}

func (RemoveUserFromCase) Verb() Verb   { return VerbRemoveUserFromCase }
func (RemoveUserFromCase) Version() int { return 1 }

type CreatedUserAdvice struct {
	AdviceID   string             `json:"advice_id"`
	Level      models.AdviceLevel `json:"level"`
	AdviceType models.AdviceType  `json:"advice_type"`
	Entity     models.EntityRef   `json:"entity"`
	Superseded bool               `json:"superseded"`
}

func (CreatedUserAdvice) Verb() Verb   { return VerbCreatedUserAdvice }
func (CreatedUserAdvice) Version() int { return 1 }

type CountersignedAdvice struct {
	AdviceID string `json:"advice_id"`
	Order    int    `json:"order"`
	Accepted bool   `json:"accepted"`
}

func (CountersignedAdvice) Verb() Verb   { return VerbCountersignedAdvice }
func (CountersignedAdvice) Version() int { return 1 }

type EcjuChaserSent struct {
	QueryID string `json:"query_id"`
}

func (EcjuChaserSent) Verb() Verb   { return VerbEcjuChaserSent }
func (EcjuChaserSent) Version() int { return 1 }
