package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenlabs/autorun/internal/actions"
	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/config"
	"github.com/lumenlabs/autorun/internal/engine"
	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/scheduler"
	"github.com/lumenlabs/autorun/internal/store"
)

var (
	fireReason  string
	fireEvent   string
	firePayload string
	fireDryRun  bool
	fireTick    bool
)

var fireCmd = &cobra.Command{
	Use:   "fire [subject-id]",
	Short: "Evaluate rules for a subject",
	Long:  `Evaluates every enabled rule for the subject and plans runs for the ones that fire. With --event the evaluation carries an incoming event for event-triggered rules; with --dry-run nothing is persisted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runFire,
}

func init() {
	fireCmd.Flags().StringVar(&fireReason, "reason", "manual", "Reason recorded on planned runs")
	fireCmd.Flags().StringVar(&fireEvent, "event", "", "Event name to evaluate event-triggered rules against")
	fireCmd.Flags().StringVar(&firePayload, "payload", "", "Event payload as JSON")
	fireCmd.Flags().BoolVar(&fireDryRun, "dry-run", false, "Report what would fire without planning runs")
	fireCmd.Flags().BoolVar(&fireTick, "tick", false, "Run one scheduler tick after planning, executing due jobs immediately")
}

func runFire(cmd *cobra.Command, args []string) error {
	subjectID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	var event *models.Event
	if fireEvent != "" {
		event = &models.Event{Name: fireEvent, SubjectID: subjectID}
		if firePayload != "" {
			if err := json.Unmarshal([]byte(firePayload), &event.Payload); err != nil {
				return fmt.Errorf("parse event payload: %w", err)
			}
		}
	}

	recorder := audit.NewRecorder(s)
	eng := engine.New(s, recorder)

	var summary *engine.Summary
	if fireDryRun {
		summary = eng.DryRunForSubject(context.Background(), subjectID, fireReason, event)
	} else {
		summary = eng.RunForSubject(context.Background(), subjectID, fireReason, event)
	}

	if !summary.OK {
		return fmt.Errorf("evaluation failed for subject %s (see logs)", subjectID)
	}

	for _, d := range summary.Decisions {
		verdict := "skipped"
		if d.Fired {
			verdict = "fired"
		}
		if d.Reason != "" {
			fmt.Printf("%-8s %s (%s)\n", verdict, d.RuleKey, d.Reason)
		} else {
			fmt.Printf("%-8s %s\n", verdict, d.RuleKey)
		}
	}

	if fireDryRun {
		fmt.Printf("Dry run: %d rules would fire\n", countFired(summary))
		return nil
	}

	fmt.Printf("Planned %d runs\n", len(summary.Runs))
	for _, run := range summary.Runs {
		fmt.Printf("  run %s rule=%s jobs=%d\n", run.ID, run.RuleKey, len(run.Jobs))
	}

	if fireTick {
		tickOnce(s, recorder, cfg)
	}
	return nil
}

// tickOnce drives a single scheduler pass so fired rules with immediate
// actions execute before the command returns.
func tickOnce(s *store.Store, recorder *audit.Recorder, cfg *config.Config) {
	registry := actions.NewRegistry()
	registry.Register(actions.NewAuditAction(recorder))
	registry.Register(actions.NewLogAction())

	executor := scheduler.NewExecutor(s, recorder, registry)
	sched := scheduler.New(s, recorder, executor, &cfg.Scheduler, nil)
	sched.Tick()
}

func countFired(summary *engine.Summary) int {
	n := 0
	for _, d := range summary.Decisions {
		if d.Fired {
			n++
		}
	}
	return n
}
