// Package rules loads and validates declarative rule definitions from YAML.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumenlabs/autorun/internal/models"
)

// File is the on-disk shape of a rule definitions file.
type File struct {
	Rules []models.Rule `yaml:"rules"`
}

// LoadFile reads and validates a YAML rule definitions file. Validation is
// all-or-nothing: one invalid rule rejects the whole file so a partial load
// can never leave the rule set half-updated.
func LoadFile(path string) ([]models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}

	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		if err := Validate(&f.Rules[i]); err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, f.Rules[i].Key, err)
		}
		if seen[f.Rules[i].Key] {
			return nil, fmt.Errorf("rule %d: duplicate key %q", i, f.Rules[i].Key)
		}
		seen[f.Rules[i].Key] = true
	}

	return f.Rules, nil
}

// Validate checks a single rule definition before it is saved. Definitions
// are the one input the engine trusts at evaluation time, so everything is
// checked here, hard.
func Validate(rule *models.Rule) error {
	if rule.Key == "" {
		return fmt.Errorf("key is required")
	}

	switch rule.Status {
	case models.RuleStatusOff, models.RuleStatusBeta, models.RuleStatusOn:
	case "":
		rule.Status = models.RuleStatusOff
	default:
		return fmt.Errorf("unknown status %q (want off, beta, or on)", rule.Status)
	}

	switch rule.TriggerType {
	case models.TriggerTypeEvent:
		if name, _ := rule.TriggerDef["event"].(string); name == "" {
			return fmt.Errorf("event trigger requires trigger_def.event")
		}
	case models.TriggerTypeState:
		if st, _ := rule.TriggerDef["state_type"].(string); st == "" {
			return fmt.Errorf("state trigger requires trigger_def.state_type")
		}
	default:
		return fmt.Errorf("unknown trigger_type %q (want event or state)", rule.TriggerType)
	}

	if len(rule.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for i, action := range rule.Actions {
		if action.StepKey == "" {
			return fmt.Errorf("actions[%d]: step_key is required", i)
		}
		if action.DelaySeconds < 0 {
			return fmt.Errorf("actions[%d]: delay_seconds must not be negative", i)
		}
	}

	if rule.CooldownDays < 0 {
		return fmt.Errorf("cooldown_days must not be negative")
	}

	for i := range rule.Guards {
		if err := validateGuard(&rule.Guards[i]); err != nil {
			return fmt.Errorf("guards[%d]: %w", i, err)
		}
	}

	return nil
}

func validateGuard(g *models.Guard) error {
	if g.Operator == "" {
		return fmt.Errorf("operator is required")
	}
	if g.Operator == "not" {
		if g.Guard == nil {
			return fmt.Errorf("not operator requires a nested guard")
		}
		return validateGuard(g.Guard)
	}
	return nil
}
