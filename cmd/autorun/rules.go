package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lumenlabs/autorun/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Load rule definitions from a YAML file",
	Long:  `Validates and upserts every rule in the file, keyed by rule key. Reloading the same file is a no-op apart from updated timestamps.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesLoad,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	RunE:  runRulesList,
}

var rulesShowCmd = &cobra.Command{
	Use:   "show [rule-key]",
	Short: "Show rule details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesShow,
}

func init() {
	rulesCmd.AddCommand(rulesLoadCmd, rulesListCmd, rulesShowCmd)
}

func runRulesLoad(cmd *cobra.Command, args []string) error {
	defs, err := rules.LoadFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	for i := range defs {
		saved, err := s.UpsertRule(&defs[i])
		if err != nil {
			return fmt.Errorf("saving rule %q: %w", defs[i].Key, err)
		}
		fmt.Printf("Loaded rule %s (%s, status=%s)\n", saved.Key, saved.ID, saved.Status)
	}
	fmt.Printf("%d rules loaded\n", len(defs))
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.ListRules()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No rules found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tTRIGGER\tPRIORITY\tCOOLDOWN\tACTIONS")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dd\t%d\n",
			r.Key, r.Status, r.TriggerType, r.Priority, r.CooldownDays, len(r.Actions))
	}
	w.Flush()
	return nil
}

func runRulesShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	rule, err := s.GetRuleByKey(args[0])
	if err != nil {
		return err
	}
	if rule == nil {
		return fmt.Errorf("rule %q not found", args[0])
	}

	fmt.Printf("Key:       %s\n", rule.Key)
	fmt.Printf("ID:        %s\n", rule.ID)
	fmt.Printf("Status:    %s\n", rule.Status)
	fmt.Printf("Trigger:   %s %v\n", rule.TriggerType, rule.TriggerDef)
	fmt.Printf("Priority:  %d\n", rule.Priority)
	fmt.Printf("Cooldown:  %d days\n", rule.CooldownDays)
	fmt.Printf("Guards:    %d\n", len(rule.Guards))
	for _, a := range rule.Actions {
		if a.DelaySeconds > 0 {
			fmt.Printf("Action:    %s (delay %ds)\n", a.StepKey, a.DelaySeconds)
		} else {
			fmt.Printf("Action:    %s\n", a.StepKey)
		}
	}
	fmt.Printf("Updated:   %s\n", rule.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}
