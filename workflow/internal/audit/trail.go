// Package audit writes the case audit trail. Entries are inserted inside
// the caller's transaction and fanned out to the broker after commit.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	auditsig "github.com/exportcontrol/caseflow/common/audit"
	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/common/messaging"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
	"github.com/exportcontrol/caseflow/workflow/internal/models"
)

// Store is the slice of a transaction the trail writes through.
type Store interface {
	InsertAudit(ctx context.Context, e *models.AuditEntry) error
	OnCommit(fn func(ctx context.Context))
}

// Recorder records audit entries. Components depend on this rather than
// on *Trail so tests can capture entries.
type Recorder interface {
	Record(ctx context.Context, tx Store, actor *uuid.UUID, c *models.Case, p Payload) error
}

// Trail is the production Recorder.
type Trail struct {
	signer        *auditsig.Signer
	publisher     messaging.Publisher
	logger        *logging.Logger
	includeDrafts bool
	now           func() time.Time
}

type Option func(*Trail)

// WithPublisher fans committed entries out on the broker.
func WithPublisher(p messaging.Publisher) Option {
	return func(t *Trail) { t.publisher = p }
}

// WithDrafts records entries for draft cases too.
func WithDrafts(include bool) Option {
	return func(t *Trail) { t.includeDrafts = include }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

func NewTrail(signer *auditsig.Signer, logger *logging.Logger, opts ...Option) *Trail {
	t := &Trail{
		signer: signer,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.Discard()
	}
	return t
}

// Record writes one entry for c. Draft cases are skipped unless the trail
// was built WithDrafts. An insert failure is returned so the caller's
// transaction rolls back with it.
func (t *Trail) Record(ctx context.Context, tx Store, actor *uuid.UUID, c *models.Case, p Payload) error {
	if c == nil {
		return fmt.Errorf("audit %s: no target case", p.Verb())
	}
	if c.IsDraft() && !t.includeDrafts {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", p.Verb(), err)
	}

	target := c.ID
	entry := &models.AuditEntry{
		ID:             uuid.Must(uuid.NewV7()),
		Verb:           string(p.Verb()),
		ActorID:        actor,
		TargetCaseID:   &target,
		Payload:        body,
		PayloadVersion: p.Version(),
		CreatedAt:      t.now().UTC().Truncate(time.Microsecond),
	}
	if t.signer != nil {
		entry.Signature = t.signer.Sign(entry.ID.String(), entry.Verb, target.String(),
			entry.CreatedAt, entry.PayloadVersion, entry.Payload)
	}

	if err := tx.InsertAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to record %s: %w", p.Verb(), err)
	}
	metrics.AuditEntries.WithLabelValues(entry.Verb).Inc()

	if t.publisher != nil {
		tx.OnCommit(func(ctx context.Context) { t.publish(ctx, entry) })
	}
	return nil
}

// Verify checks an entry's signature. Without a signer every entry passes.
func (t *Trail) Verify(e *models.AuditEntry) bool {
	if t.signer == nil {
		return true
	}
	target := ""
	if e.TargetCaseID != nil {
		target = e.TargetCaseID.String()
	}
	return t.signer.Verify(e.ID.String(), e.Verb, target, e.CreatedAt, e.PayloadVersion, e.Payload, e.Signature)
}

func (t *Trail) publish(ctx context.Context, e *models.AuditEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to marshal audit event", logging.Error(err))
		return
	}
	if err := t.publisher.Publish(ctx, messaging.AuditCaseSubject(e.TargetCaseID.String()), data); err != nil {
		metrics.AuditPublishErrors.Inc()
		t.logger.WarnContext(ctx, "failed to publish audit event",
			logging.Verb(e.Verb),
			logging.CaseID(e.TargetCaseID.String()),
			logging.Error(err))
	}
}
