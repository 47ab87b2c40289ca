package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var subjectsCmd = &cobra.Command{
	Use:   "subjects",
	Short: "Manage subjects",
}

var subjectsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new subject",
	RunE:  runSubjectsAdd,
}

var subjectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subjects",
	RunE:  runSubjectsList,
}

var subjectsSetCmd = &cobra.Command{
	Use:   "set [subject-id]",
	Short: "Update a subject's progress state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectsSet,
}

var subjectsPatternCmd = &cobra.Command{
	Use:   "pattern [subject-id] [pattern-key]",
	Short: "Attach a detected pattern to a subject",
	Args:  cobra.ExactArgs(2),
	RunE:  runSubjectsPattern,
}

var (
	subjectName   string
	subjectLevel  int
	subjectStreak int
	subjectPaused bool
)

func init() {
	subjectsCmd.AddCommand(subjectsAddCmd, subjectsListCmd, subjectsSetCmd, subjectsPatternCmd)

	subjectsAddCmd.Flags().StringVar(&subjectName, "name", "", "Subject name (required)")
	subjectsAddCmd.Flags().IntVar(&subjectLevel, "level", 1, "Initial level")
	subjectsAddCmd.MarkFlagRequired("name")

	subjectsSetCmd.Flags().IntVar(&subjectLevel, "level", 1, "Level")
	subjectsSetCmd.Flags().IntVar(&subjectStreak, "streak", 0, "Streak")
	subjectsSetCmd.Flags().BoolVar(&subjectPaused, "paused", false, "Paused")
}

func runSubjectsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	subject, err := s.CreateSubject(subjectName, subjectLevel)
	if err != nil {
		return err
	}
	fmt.Printf("Created subject: %s\n", subject.ID)
	return nil
}

func runSubjectsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	subjects, err := s.ListSubjects()
	if err != nil {
		return err
	}
	if len(subjects) == 0 {
		fmt.Println("No subjects found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLEVEL\tSTREAK\tPAUSED")
	for _, sub := range subjects {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\n", sub.ID, sub.Name, sub.Level, sub.Streak, sub.Paused)
	}
	w.Flush()
	return nil
}

func runSubjectsSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.UpdateSubjectProgress(args[0], subjectLevel, subjectStreak, subjectPaused); err != nil {
		return err
	}
	fmt.Printf("Updated subject %s (level=%d streak=%d paused=%v)\n", args[0], subjectLevel, subjectStreak, subjectPaused)
	return nil
}

func runSubjectsPattern(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pattern, err := s.AddPattern(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Attached pattern %s to subject %s\n", pattern.Key, pattern.SubjectID)
	return nil
}
