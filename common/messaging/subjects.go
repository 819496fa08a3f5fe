package messaging

// Subjects follow {domain}.{resource}.{action}.
const (
	// Audit entries, published after the owning transaction commits.
	SubjectAuditRecorded = "caseflow.audit.recorded"

	// Outbound notification requests; delivery is owned by the notifier service.
	SubjectNotifyEcjuChaser    = "caseflow.notify.ecju_chaser"
	SubjectNotifyCaseFinalised = "caseflow.notify.case_finalised"

	// Callback from the notifier once a chaser has been delivered.
	SubjectNotifyEcjuChaserSent = "caseflow.notify.ecju_chaser_sent"

	// Licence lifecycle request/reply.
	SubjectLicenceSync   = "caseflow.licence.sync"
	SubjectLicenceIssue  = "caseflow.licence.issue"
	SubjectLicenceRefuse = "caseflow.licence.refuse"

	// SLA run summaries.
	SubjectSLARunCompleted = "caseflow.sla.run_completed"
)

// Queue groups for load-balanced consumers.
const (
	QueueWorkflowWorkers = "workflow-workers"
)

// AuditCaseSubject returns the per-case audit subject, e.g.
// caseflow.audit.recorded.3f0c...
func AuditCaseSubject(caseID string) string {
	return SubjectAuditRecorded + "." + caseID
}
