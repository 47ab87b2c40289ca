// Package models defines the core domain types for autorun.
package models

import "time"

// RuleStatus represents the rollout state of a rule.
type RuleStatus string

const (
	RuleStatusOff  RuleStatus = "off"
	RuleStatusBeta RuleStatus = "beta"
	RuleStatusOn   RuleStatus = "on"
)

// TriggerType selects which matcher interprets a rule's trigger definition.
type TriggerType string

const (
	TriggerTypeEvent TriggerType = "event"
	TriggerTypeState TriggerType = "state"
)

// Guard is one declarative condition gating a matched trigger.
// Either Operator/Path/Value describe a direct check, or Operator is "not"
// and Guard holds the condition to negate.
type Guard struct {
	Operator string      `json:"operator" yaml:"operator"`
	Path     string      `json:"path,omitempty" yaml:"path,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Negate   bool        `json:"negate,omitempty" yaml:"negate,omitempty"`
	Guard    *Guard      `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// ActionSpec is one configured action of a rule. StepKey selects a handler
// from the action registry at execution time.
type ActionSpec struct {
	StepKey      string                 `json:"step_key" yaml:"step_key"`
	Payload      map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	DelaySeconds int                    `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// Rule is a declarative automation definition: trigger + guards + actions.
type Rule struct {
	ID           string                 `json:"id"`
	Key          string                 `json:"key" yaml:"key"`
	Status       RuleStatus             `json:"status" yaml:"status"`
	TriggerType  TriggerType            `json:"trigger_type" yaml:"trigger_type"`
	TriggerDef   map[string]interface{} `json:"trigger_def" yaml:"trigger_def"`
	Guards       []Guard                `json:"guards,omitempty" yaml:"guards,omitempty"`
	Actions      []ActionSpec           `json:"actions" yaml:"actions"`
	CooldownDays int                    `json:"cooldown_days,omitempty" yaml:"cooldown_days,omitempty"`
	Priority     int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Enabled reports whether the rule participates in trigger evaluation.
func (r *Rule) Enabled() bool {
	return r.Status == RuleStatusOn || r.Status == RuleStatusBeta
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPlanned RunStatus = "planned"
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// ContextSnapshot is the decision-relevant slice of subject state captured
// at plan time. The scheduler re-executes from this, never from live state.
type ContextSnapshot struct {
	Level      int       `json:"level"`
	Streak     int       `json:"streak"`
	Paused     bool      `json:"paused"`
	CapturedAt time.Time `json:"captured_at"`
}

// Run is one materialized firing of a rule for one subject.
type Run struct {
	ID         string           `json:"id"`
	RuleID     string           `json:"rule_id"`
	RuleKey    string           `json:"rule_key,omitempty"`
	SubjectID  string           `json:"subject_id"`
	Status     RunStatus        `json:"status"`
	Snapshot   *ContextSnapshot `json:"context_snapshot,omitempty"`
	Reason     string           `json:"reason"`
	Jobs       []Job            `json:"jobs,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one unit of action work belonging to a run.
type Job struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	StepKey   string                 `json:"step_key"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ExecuteAt time.Time              `json:"execute_at"`
	Status    JobStatus              `json:"status"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Lock is a time-boxed mutual-exclusion record for one (subject, rule) pair.
type Lock struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	RuleID    string    `json:"rule_id"`
	LockKey   string    `json:"lock_key"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Subject is the learner entity whose state and events drive rules.
type Subject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	Streak    int       `json:"streak"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pattern is an externally detected behavioural pattern attached to a
// subject. The engine only reads these; the detection pipeline owns them.
type Pattern struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id"`
	Key        string    `json:"key"`
	DetectedAt time.Time `json:"detected_at"`
}

// Event is an incoming occurrence that event-triggered rules match against.
type Event struct {
	Name      string                 `json:"name"`
	SubjectID string                 `json:"subject_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// AuditEntry is one structured record in the audit trail.
type AuditEntry struct {
	ID         string                 `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
