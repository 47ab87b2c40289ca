// Package engine evaluates declarative automation rules and plans the
// resulting work as durable runs and jobs.
package engine

import (
	"context"
	"log"

	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// Engine is the synchronous entry point: load candidate rules, evaluate
// triggers and guards, plan runs. Execution happens later, on the
// scheduler's clock — the two paths only meet through persisted state.
type Engine struct {
	store     *store.Store
	recorder  *audit.Recorder
	evaluator *Evaluator
	planner   *Planner
}

// New creates an engine.
func New(s *store.Store, r *audit.Recorder) *Engine {
	return &Engine{
		store:     s,
		recorder:  r,
		evaluator: NewEvaluator(s),
		planner:   NewPlanner(s, r),
	}
}

// RuleDecision records the evaluation outcome for one candidate rule.
type RuleDecision struct {
	RuleKey string `json:"rule_key"`
	Fired   bool   `json:"fired"`
	Reason  string `json:"reason,omitempty"`
}

// Summary is the aggregate result returned to callers. Internal failures
// never propagate beyond OK=false; detail lives in the audit trail and the
// run/job status fields.
type Summary struct {
	OK        bool           `json:"ok"`
	Runs      []*models.Run  `json:"runs"`
	Decisions []RuleDecision `json:"decisions,omitempty"`
}

// RunForSubject evaluates every enabled rule for the subject and plans a
// run for each one that fires. It never returns an error to the caller: any
// internal failure yields {OK: false, Runs: []}.
func (e *Engine) RunForSubject(ctx context.Context, subjectID, reason string, event *models.Event) *Summary {
	return e.run(ctx, subjectID, reason, event, false)
}

// DryRunForSubject evaluates rules without planning runs, reporting what
// would fire.
func (e *Engine) DryRunForSubject(ctx context.Context, subjectID, reason string, event *models.Event) *Summary {
	return e.run(ctx, subjectID, reason, event, true)
}

func (e *Engine) run(ctx context.Context, subjectID, reason string, event *models.Event, dryRun bool) (summary *Summary) {
	summary = &Summary{OK: true, Runs: []*models.Run{}}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: panic evaluating subject %s: %v", subjectID, r)
			summary = &Summary{OK: false, Runs: []*models.Run{}}
		}
	}()

	rules, err := e.store.ListEnabledRules()
	if err != nil {
		log.Printf("engine: loading rules failed for subject %s: %v", subjectID, err)
		return &Summary{OK: false, Runs: []*models.Run{}}
	}
	if len(rules) == 0 {
		return summary
	}

	evalCtx, err := BuildContext(e.store, subjectID)
	if err != nil {
		log.Printf("engine: building context failed for subject %s: %v", subjectID, err)
		return &Summary{OK: false, Runs: []*models.Run{}}
	}

	for i := range rules {
		rule := &rules[i]
		if ctx.Err() != nil {
			break
		}

		evaluation := e.evaluator.Evaluate(rule, subjectID, evalCtx, event)
		summary.Decisions = append(summary.Decisions, RuleDecision{
			RuleKey: rule.Key,
			Fired:   evaluation.Fired,
			Reason:  evaluation.Reason,
		})
		if !evaluation.Fired {
			continue
		}

		log.Printf("engine: rule %s fired for subject %s (reason=%s)", rule.Key, subjectID, reason)
		if dryRun {
			continue
		}

		run := e.planner.Plan(rule, subjectID, evalCtx, reason, evaluation.Data)
		if run == nil {
			// Planner already logged; skip this rule, keep evaluating the rest.
			continue
		}
		summary.Runs = append(summary.Runs, run)
	}

	return summary
}
