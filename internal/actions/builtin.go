package actions

import (
	"context"
	"log"

	"github.com/lumenlabs/autorun/internal/audit"
)

// AuditAction appends the job payload to the audit trail. It is the one
// built-in handler with a real side effect; the production handlers
// (portal_message, unlock, mode_set, ...) live outside this module and
// register themselves at startup.
type AuditAction struct {
	recorder *audit.Recorder
}

// NewAuditAction creates the audit step handler.
func NewAuditAction(r *audit.Recorder) *AuditAction {
	return &AuditAction{recorder: r}
}

// StepKey returns "audit".
func (a *AuditAction) StepKey() string {
	return "audit"
}

// Execute writes one audit entry correlated to the run.
func (a *AuditAction) Execute(ctx context.Context, req *Request) *Result {
	payload := map[string]interface{}{
		"run_id":   req.Run.ID,
		"rule_key": req.Run.RuleKey,
	}
	for k, v := range req.Job.Payload {
		payload[k] = v
	}

	entry := a.recorder.Record(audit.ActorEngine, "automation_audit_step", "subject", req.Run.SubjectID, payload)
	if entry == nil {
		return &Result{Success: false, Error: "audit write failed"}
	}
	return &Result{Success: true, Output: map[string]interface{}{"audit_id": entry.ID}}
}

// LogAction writes the job payload to the process log. Useful as a rule's
// visible no-op while the real handler is still external.
type LogAction struct{}

// NewLogAction creates the log step handler.
func NewLogAction() *LogAction {
	return &LogAction{}
}

// StepKey returns "log".
func (l *LogAction) StepKey() string {
	return "log"
}

// Execute logs the job and succeeds.
func (l *LogAction) Execute(ctx context.Context, req *Request) *Result {
	log.Printf("action log: run=%s job=%s payload=%v", req.Run.ID, req.Job.ID, req.Job.Payload)
	return &Result{Success: true}
}
