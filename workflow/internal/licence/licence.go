// Package licence talks to the licence lifecycle service over request/reply.
package licence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// ErrRejected is returned when the lifecycle service answers with a failure.
var ErrRejected = errors.New("licence service rejected request")

const DefaultTimeout = 10 * time.Second

// Service is the licence lifecycle collaborator.
type Service interface {
	// Sync aligns the licence linked to a case with its new status.
	Sync(ctx context.Context, caseID uuid.UUID, status models.CaseStatus) error
	// Issue issues the draft licence and returns its id.
	Issue(ctx context.Context, caseID uuid.UUID, decisions []models.Advice) (string, error)
	// Refuse records that no licence will be issued.
	Refuse(ctx context.Context, caseID uuid.UUID) error
}

// Request is the wire body of every lifecycle request.
type Request struct {
	CaseID    string         `json:"case_id"`
	Status    string         `json:"status,omitempty"`
	Decisions []DecisionLine `json:"decisions,omitempty"`
}

// DecisionLine summarises one final decision.
type DecisionLine struct {
	Entity models.EntityRef  `json:"entity"`
	Type   models.AdviceType `json:"type"`
}

// Reply is the wire body of every lifecycle reply.
type Reply struct {
	OK        bool   `json:"ok"`
	LicenceID string `json:"licence_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client implements Service over the message broker.
type Client struct {
	publisher messaging.Publisher
	timeout   time.Duration
	logger    *logging.Logger
}

func NewClient(publisher messaging.Publisher, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{publisher: publisher, timeout: timeout, logger: logger}
}

func (c *Client) Sync(ctx context.Context, caseID uuid.UUID, status models.CaseStatus) error {
	_, err := c.call(ctx, "sync", messaging.SubjectLicenceSync, Request{CaseID: caseID.String(), Status: string(status)})
	return err
}

func (c *Client) Issue(ctx context.Context, caseID uuid.UUID, decisions []models.Advice) (string, error) {
	req := Request{CaseID: caseID.String(), Decisions: make([]DecisionLine, 0, len(decisions))}
	for _, d := range decisions {
		req.Decisions = append(req.Decisions, DecisionLine{Entity: d.Entity, Type: d.Type})
	}
	reply, err := c.call(ctx, "issue", messaging.SubjectLicenceIssue, req)
	if err != nil {
		return "", err
	}
	return reply.LicenceID, nil
}

func (c *Client) Refuse(ctx context.Context, caseID uuid.UUID) error {
	_, err := c.call(ctx, "refuse", messaging.SubjectLicenceRefuse, Request{CaseID: caseID.String()})
	return err
}

func (c *Client) call(ctx context.Context, action, subject string, req Request) (*Reply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal licence %s request: %w", action, err)
	}

	msg, err := c.publisher.Request(ctx, subject, data, c.timeout)
	if err != nil {
		metrics.LicenceRequests.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("licence %s request failed: %w", action, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		metrics.LicenceRequests.WithLabelValues(action, "error").Inc()
		return nil, fmt.Errorf("failed to decode licence %s reply: %w", action, err)
	}
	if !reply.OK {
		metrics.LicenceRequests.WithLabelValues(action, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, action, reply.Error)
	}

	metrics.LicenceRequests.WithLabelValues(action, "ok").Inc()
	c.logger.DebugContext(ctx, "licence request completed",
		logging.CaseID(req.CaseID), slog.String("action", action))
	return &reply, nil
}
