package engine

import (
	"log"

	"github.com/lumenlabs/autorun/internal/models"
)

// TriggerMatch is the outcome of matching one rule's trigger. Data carries
// match details into the run's audit trail.
type TriggerMatch struct {
	Matched bool
	Data    map[string]interface{}
}

// TriggerMatcher decides whether an incoming event or the subject's current
// state satisfies a rule's trigger definition. Matchers are pure and must
// not panic their caller: any internal failure is reported as no-match.
// Trigger matching fails closed so ambiguous signals never fire side effects.
type TriggerMatcher interface {
	Matches(rule *models.Rule, evalCtx map[string]interface{}, event *models.Event) TriggerMatch
}

// EventMatcher matches rules with trigger_type event against an incoming
// event. No event means no match; state changes never satisfy event rules.
type EventMatcher struct{}

// Matches implements TriggerMatcher.
func (m *EventMatcher) Matches(rule *models.Rule, evalCtx map[string]interface{}, event *models.Event) (match TriggerMatch) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: event matcher panicked for rule %s, failing closed: %v", rule.Key, r)
			match = TriggerMatch{}
		}
	}()

	if event == nil {
		return TriggerMatch{}
	}

	wantEvent, _ := rule.TriggerDef["event"].(string)
	if wantEvent == "" || event.Name != wantEvent {
		return TriggerMatch{}
	}

	// An event that names a subject must name this subject.
	if event.SubjectID != "" {
		subjectID, _ := evalCtx["subject_id"].(string)
		if event.SubjectID != subjectID {
			return TriggerMatch{}
		}
	}

	return TriggerMatch{
		Matched: true,
		Data: map[string]interface{}{
			"event":   event.Name,
			"payload": event.Payload,
		},
	}
}

// StateMatcher matches rules with trigger_type state against the subject's
// current state in the evaluation context.
type StateMatcher struct{}

// Matches implements TriggerMatcher. The only recognized state_type today is
// level_reached; unrecognized types are logged and never match.
func (m *StateMatcher) Matches(rule *models.Rule, evalCtx map[string]interface{}, event *models.Event) (match TriggerMatch) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: state matcher panicked for rule %s, failing closed: %v", rule.Key, r)
			match = TriggerMatch{}
		}
	}()

	stateType, _ := rule.TriggerDef["state_type"].(string)
	switch stateType {
	case "level_reached":
		target, ok := toFloat64(rule.TriggerDef["level"])
		if !ok {
			return TriggerMatch{}
		}

		level := float64(1)
		if v, ok := toFloat64(lookupPath(evalCtx, "progress.level")); ok {
			level = v
		}

		if level < target {
			return TriggerMatch{}
		}
		return TriggerMatch{
			Matched: true,
			Data: map[string]interface{}{
				"state_type":   "level_reached",
				"level":        level,
				"target_level": target,
			},
		}
	default:
		log.Printf("engine: unrecognized state_type %q on rule %s", stateType, rule.Key)
		return TriggerMatch{}
	}
}

// NewMatcherRegistry returns the trigger matchers keyed by trigger type,
// populated at startup and looked up at dispatch time.
func NewMatcherRegistry() map[models.TriggerType]TriggerMatcher {
	return map[models.TriggerType]TriggerMatcher{
		models.TriggerTypeEvent: &EventMatcher{},
		models.TriggerTypeState: &StateMatcher{},
	}
}
