package engine

import (
	"log"
	"time"

	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// Evaluator composes trigger matching, guard evaluation and the cooldown
// check into one fire/no-fire decision per rule.
type Evaluator struct {
	store    *store.Store
	matchers map[models.TriggerType]TriggerMatcher
}

// NewEvaluator creates an evaluator with the default matcher registry.
func NewEvaluator(s *store.Store) *Evaluator {
	return &Evaluator{
		store:    s,
		matchers: NewMatcherRegistry(),
	}
}

// Evaluation is the decision for one rule, with the matched trigger data
// for the run's audit trail.
type Evaluation struct {
	Fired  bool
	Reason string
	Data   map[string]interface{}
}

// Evaluate decides whether a rule fires for a subject. A rule fires iff its
// trigger matches, its guards pass, and it is not on cooldown — checked in
// that order, cheapest first.
func (e *Evaluator) Evaluate(rule *models.Rule, subjectID string, evalCtx map[string]interface{}, event *models.Event) Evaluation {
	matcher, ok := e.matchers[rule.TriggerType]
	if !ok {
		// Unknown trigger type is a data error; fail closed like the matchers.
		log.Printf("engine: no matcher for trigger_type %q on rule %s", rule.TriggerType, rule.Key)
		return Evaluation{Reason: "unknown_trigger_type"}
	}

	match := matcher.Matches(rule, evalCtx, event)
	if !match.Matched {
		return Evaluation{Reason: "trigger_not_matched"}
	}

	guards := EvaluateGuards(rule.Guards, evalCtx)
	if !guards.Passed {
		return Evaluation{Reason: guards.Reason}
	}

	if e.isOnCooldown(rule, subjectID) {
		return Evaluation{Reason: "on_cooldown"}
	}

	return Evaluation{Fired: true, Data: match.Data}
}

// isOnCooldown reports whether a done run for (rule, subject) exists inside
// the rule's cooldown window. A failed read is fail-open: blocking every
// automation on a transient read failure is worse than an occasional extra
// firing.
func (e *Evaluator) isOnCooldown(rule *models.Rule, subjectID string) bool {
	if rule.CooldownDays <= 0 {
		return false
	}

	since := time.Now().UTC().AddDate(0, 0, -rule.CooldownDays)
	onCooldown, err := e.store.HasCompletedRunSince(rule.ID, subjectID, since)
	if err != nil {
		log.Printf("engine: cooldown check failed for rule %s, failing open: %v", rule.Key, err)
		return false
	}
	return onCooldown
}
