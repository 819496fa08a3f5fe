// Package notify publishes fire-and-forget notification requests and
// consumes delivery callbacks from the notifier service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// Dispatcher sends notifications. Failures are logged, never returned to
// the workflow operation that triggered them.
type Dispatcher interface {
	EcjuChaser(ctx context.Context, q models.EcjuQuery, openDays int)
	CaseFinalised(ctx context.Context, c *models.Case, licenceID string)
}

type EcjuChaserEvent struct {
	QueryID     string    `json:"query_id"`
	CaseID      string    `json:"case_id"`
	Question    string    `json:"question"`
	CreatedAt   time.Time `json:"created_at"`
	WorkingDays int       `json:"working_days_open"`
}

type CaseFinalisedEvent struct {
	CaseID    string `json:"case_id"`
	Reference string `json:"reference_code"`
	SubStatus string `json:"sub_status,omitempty"`
	LicenceID string `json:"licence_id,omitempty"`
}

// ChaserSentEvent is the notifier's callback once a chaser was delivered.
type ChaserSentEvent struct {
	QueryID string    `json:"query_id"`
	SentAt  time.Time `json:"sent_at"`
}

// Publisher implements Dispatcher on the message broker.
type Publisher struct {
	publisher messaging.Publisher
	logger    *logging.Logger
}

func NewPublisher(publisher messaging.Publisher, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{publisher: publisher, logger: logger}
}

func (p *Publisher) EcjuChaser(ctx context.Context, q models.EcjuQuery, openDays int) {
	p.send(ctx, messaging.SubjectNotifyEcjuChaser, q.CaseID, EcjuChaserEvent{
		QueryID:     q.ID.String(),
		CaseID:      q.CaseID.String(),
		Question:    q.Question,
		CreatedAt:   q.CreatedAt,
		WorkingDays: openDays,
	})
}

func (p *Publisher) CaseFinalised(ctx context.Context, c *models.Case, licenceID string) {
	ev := CaseFinalisedEvent{CaseID: c.ID.String(), Reference: c.Reference, LicenceID: licenceID}
	if c.SubStatusID != nil {
		ev.SubStatus = *c.SubStatusID
	}
	p.send(ctx, messaging.SubjectNotifyCaseFinalised, c.ID, ev)
}

func (p *Publisher) send(ctx context.Context, subject string, caseID uuid.UUID, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal notification", logging.Error(err))
		return
	}
	if err := p.publisher.Publish(ctx, subject, data); err != nil {
		metrics.NotificationsPublished.WithLabelValues(subject, "error").Inc()
		p.logger.WarnContext(ctx, "failed to publish notification",
			logging.CaseID(caseID.String()),
			logging.Error(err))
		return
	}
	metrics.NotificationsPublished.WithLabelValues(subject, "ok").Inc()
}

// ChaserSentFunc handles one delivered-chaser callback.
type ChaserSentFunc func(ctx context.Context, queryID uuid.UUID, sentAt time.Time) error

// SubscribeChaserSent wires the notifier's callback into fn. Workers share
// a queue group so each callback is applied once.
func SubscribeChaserSent(sub messaging.Subscriber, logger *logging.Logger, fn ChaserSentFunc) (messaging.Subscription, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	return sub.QueueSubscribe(messaging.SubjectNotifyEcjuChaserSent, messaging.QueueWorkflowWorkers,
		func(ctx context.Context, msg *messaging.Message) error {
			var ev ChaserSentEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				logger.WarnContext(ctx, "malformed chaser callback", logging.Error(err))
				return fmt.Errorf("failed to decode chaser callback: %w", err)
			}
			id, err := uuid.Parse(ev.QueryID)
			if err != nil {
				logger.WarnContext(ctx, "chaser callback with invalid query id", logging.Error(err))
				return fmt.Errorf("invalid query id %q: %w", ev.QueryID, err)
			}
			sentAt := ev.SentAt
			if sentAt.IsZero() {
				sentAt = msg.Timestamp
			}
			if err := fn(ctx, id, sentAt); err != nil {
				logger.ErrorContext(ctx, "failed to apply chaser callback",
					logging.Error(err))
				return err
			}
			return nil
		})
}
