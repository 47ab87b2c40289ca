package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect automation runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list [subject-id]",
	Short: "List runs for a subject",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run with its jobs and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRunsForSubject(args[0])
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRULE\tSTATUS\tREASON\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.RuleID, r.Status, r.Reason, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.GetRun(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %q not found", args[0])
	}

	fmt.Printf("ID:       %s\n", run.ID)
	fmt.Printf("Rule:     %s\n", run.RuleID)
	fmt.Printf("Subject:  %s\n", run.SubjectID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Reason:   %s\n", run.Reason)
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", run.FinishedAt.Format("2006-01-02 15:04:05"))
	}

	jobs, err := s.ListJobsForRun(run.ID)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		fmt.Println("\nJobs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTEP\tSTATUS\tATTEMPTS\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", j.ID, j.StepKey, j.Status, j.Attempts, j.LastError)
		}
		w.Flush()
	}

	entries, err := s.ListAuditForEntity("automation_run", run.ID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Println("\nAudit:")
		for _, e := range entries {
			fmt.Printf("  %s %s by %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Actor)
		}
	}
	return nil
}
