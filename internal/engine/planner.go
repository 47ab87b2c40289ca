package engine

import (
	"log"
	"time"

	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// Planner turns a matched rule into a persisted run plus one queued job per
// configured action.
type Planner struct {
	store    *store.Store
	recorder *audit.Recorder
}

// NewPlanner creates a planner.
func NewPlanner(s *store.Store, r *audit.Recorder) *Planner {
	return &Planner{store: s, recorder: r}
}

// Plan persists the run and its jobs. Returns nil when the run insert
// itself fails; a failed job insert is logged and skipped without aborting
// the run or the remaining jobs.
func (p *Planner) Plan(rule *models.Rule, subjectID string, evalCtx map[string]interface{}, reason string, triggerData map[string]interface{}) *models.Run {
	now := time.Now().UTC()
	snapshot := SnapshotFromContext(evalCtx, now)

	run, err := p.store.CreateRun(rule.ID, subjectID, reason, snapshot)
	if err != nil {
		log.Printf("planner: run insert failed for rule %s subject %s: %v", rule.Key, subjectID, err)
		return nil
	}
	run.RuleKey = rule.Key

	p.recorder.Record(audit.ActorEngine, "run_started", "automation_run", run.ID, map[string]interface{}{
		"rule_key":   rule.Key,
		"subject_id": subjectID,
		"reason":     reason,
		"trigger":    triggerData,
	})

	for i, action := range rule.Actions {
		executeAt := now
		if action.DelaySeconds > 0 {
			executeAt = now.Add(time.Duration(action.DelaySeconds) * time.Second)
		}

		job, err := p.store.CreateJob(run.ID, action.StepKey, action.Payload, executeAt)
		if err != nil {
			log.Printf("planner: job insert failed for run %s action %d (%s): %v", run.ID, i, action.StepKey, err)
			continue
		}
		run.Jobs = append(run.Jobs, *job)
	}

	return run
}
