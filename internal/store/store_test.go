package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumenlabs/autorun/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestUpsertRule(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule := testRule("welcome", models.RuleStatusOn)
	saved, err := s.UpsertRule(rule)
	if err != nil {
		t.Fatalf("UpsertRule failed: %v", err)
	}
	if saved.ID == "" {
		t.Error("Rule ID should not be empty")
	}

	// Upsert with the same key updates in place
	rule2 := testRule("welcome", models.RuleStatusOff)
	rule2.Priority = 7
	saved2, err := s.UpsertRule(rule2)
	if err != nil {
		t.Fatalf("Second UpsertRule failed: %v", err)
	}
	if saved2.ID != saved.ID {
		t.Errorf("Expected same ID after upsert, got %s vs %s", saved2.ID, saved.ID)
	}

	got, err := s.GetRuleByKey("welcome")
	if err != nil {
		t.Fatalf("GetRuleByKey failed: %v", err)
	}
	if got.Status != models.RuleStatusOff {
		t.Errorf("Expected status off after upsert, got %s", got.Status)
	}
	if got.Priority != 7 {
		t.Errorf("Expected priority 7, got %d", got.Priority)
	}

	all, err := s.ListRules()
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 rule, got %d", len(all))
	}
}

func TestListEnabledRules(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	off := testRule("rule-off", models.RuleStatusOff)
	beta := testRule("rule-beta", models.RuleStatusBeta)
	beta.Priority = 1
	on := testRule("rule-on", models.RuleStatusOn)
	on.Priority = 10

	for _, r := range []*models.Rule{off, beta, on} {
		if _, err := s.UpsertRule(r); err != nil {
			t.Fatalf("UpsertRule failed: %v", err)
		}
	}

	enabled, err := s.ListEnabledRules()
	if err != nil {
		t.Fatalf("ListEnabledRules failed: %v", err)
	}
	if len(enabled) != 2 {
		t.Fatalf("Expected 2 enabled rules, got %d", len(enabled))
	}
	// Highest priority first
	if enabled[0].Key != "rule-on" || enabled[1].Key != "rule-beta" {
		t.Errorf("Unexpected order: %s, %s", enabled[0].Key, enabled[1].Key)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 3)

	snap := &models.ContextSnapshot{Level: 3, Streak: 5, CapturedAt: time.Now().UTC()}
	run, err := s.CreateRun(rule.ID, subject.ID, "event:practice", snap)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != models.RunStatusPlanned {
		t.Errorf("Expected status planned, got %s", run.Status)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Snapshot == nil || got.Snapshot.Level != 3 || got.Snapshot.Streak != 5 {
		t.Errorf("Snapshot did not survive round trip: %+v", got.Snapshot)
	}
	if got.Reason != "event:practice" {
		t.Errorf("Unexpected reason: %s", got.Reason)
	}

	if err := s.FinishRun(run.ID, models.RunStatusDone); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	got, _ = s.GetRun(run.ID)
	if got.Status != models.RunStatusDone {
		t.Errorf("Expected status done, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}

	runs, err := s.ListRunsForSubject(subject.ID)
	if err != nil {
		t.Fatalf("ListRunsForSubject failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected 1 run, got %d", len(runs))
	}
}

func TestHasCompletedRunSince(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 1)
	since := time.Now().UTC().Add(-time.Hour)

	// No runs at all
	ok, err := s.HasCompletedRunSince(rule.ID, subject.ID, since)
	if err != nil {
		t.Fatalf("HasCompletedRunSince failed: %v", err)
	}
	if ok {
		t.Error("Expected no completed run")
	}

	// A failed run does not count
	run, _ := s.CreateRun(rule.ID, subject.ID, "test", nil)
	s.FinishRun(run.ID, models.RunStatusFailed)
	ok, _ = s.HasCompletedRunSince(rule.ID, subject.ID, since)
	if ok {
		t.Error("Failed run should not count as completed")
	}

	// A done run does
	run2, _ := s.CreateRun(rule.ID, subject.ID, "test", nil)
	s.FinishRun(run2.ID, models.RunStatusDone)
	ok, _ = s.HasCompletedRunSince(rule.ID, subject.ID, since)
	if !ok {
		t.Error("Expected completed run to be found")
	}

	// Outside the window
	ok, _ = s.HasCompletedRunSince(rule.ID, subject.ID, time.Now().UTC().Add(time.Hour))
	if ok {
		t.Error("Run before the window should not count")
	}

	// Different subject
	ok, _ = s.HasCompletedRunSince(rule.ID, "other-subject", since)
	if ok {
		t.Error("Run for another subject should not count")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 1)
	run, _ := s.CreateRun(rule.ID, subject.ID, "test", nil)

	job, err := s.CreateJob(run.ID, "log", map[string]interface{}{"message": "hi"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("Expected queued, got %s", job.Status)
	}

	if err := s.MarkJobRunning(job.ID); err != nil {
		t.Fatalf("MarkJobRunning failed: %v", err)
	}
	got, _ := s.GetJob(job.ID)
	if got.Status != models.JobStatusRunning {
		t.Errorf("Expected running, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", got.Attempts)
	}

	if err := s.MarkJobFailed(job.ID, "boom"); err != nil {
		t.Fatalf("MarkJobFailed failed: %v", err)
	}
	got, _ = s.GetJob(job.ID)
	if got.Status != models.JobStatusFailed || got.LastError != "boom" {
		t.Errorf("Unexpected state after failure: %s %q", got.Status, got.LastError)
	}

	if err := s.MarkJobDone(job.ID); err != nil {
		t.Fatalf("MarkJobDone failed: %v", err)
	}
	got, _ = s.GetJob(job.ID)
	if got.Status != models.JobStatusDone {
		t.Errorf("Expected done, got %s", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("Expected last_error cleared, got %q", got.LastError)
	}
}

func TestDueJobs(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 2)
	snap := &models.ContextSnapshot{Level: 2, CapturedAt: time.Now().UTC()}
	run, _ := s.CreateRun(rule.ID, subject.ID, "test", snap)

	now := time.Now().UTC()
	past, _ := s.CreateJob(run.ID, "log", nil, now.Add(-time.Minute))
	s.CreateJob(run.ID, "log", nil, now.Add(time.Hour))

	due, err := s.DueJobs(now, 10)
	if err != nil {
		t.Fatalf("DueJobs failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(due))
	}
	if due[0].Job.ID != past.ID {
		t.Errorf("Expected job %s, got %s", past.ID, due[0].Job.ID)
	}
	if due[0].RuleID != rule.ID || due[0].SubjectID != subject.ID {
		t.Errorf("Join fields wrong: rule=%s subject=%s", due[0].RuleID, due[0].SubjectID)
	}
	if due[0].SnapshotJSON == "" {
		t.Error("Expected snapshot JSON on due job")
	}

	// Executed jobs drop out
	s.MarkJobRunning(past.ID)
	due, _ = s.DueJobs(now, 10)
	if len(due) != 0 {
		t.Errorf("Expected 0 due jobs after marking running, got %d", len(due))
	}
}

func TestCreateRun_NilSnapshot(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 1)
	run, err := s.CreateRun(rule.ID, subject.ID, "test", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Snapshot != nil {
		t.Errorf("Expected no snapshot, got %+v", got.Snapshot)
	}

	// The nil pointer must not persist as the JSON string "null"; a due job
	// for this run carries an empty snapshot column
	s.CreateJob(run.ID, "log", nil, time.Now().UTC().Add(-time.Second))
	due, err := s.DueJobs(time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("DueJobs failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(due))
	}
	if due[0].SnapshotJSON != "" {
		t.Errorf("Expected empty snapshot JSON, got %q", due[0].SnapshotJSON)
	}
}

func TestDueJobsLimit(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 1)
	run, _ := s.CreateRun(rule.ID, subject.ID, "test", nil)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.CreateJob(run.ID, "log", nil, now.Add(-time.Duration(i+1)*time.Minute))
	}

	due, err := s.DueJobs(now, 3)
	if err != nil {
		t.Fatalf("DueJobs failed: %v", err)
	}
	if len(due) != 3 {
		t.Errorf("Expected 3 due jobs with limit, got %d", len(due))
	}
	// Oldest first
	if !due[0].Job.ExecuteAt.Before(due[1].Job.ExecuteAt) {
		t.Error("Expected due jobs ordered oldest first")
	}
}

func TestJobStatusCounts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 1)
	run, _ := s.CreateRun(rule.ID, subject.ID, "test", nil)

	now := time.Now().UTC()
	j1, _ := s.CreateJob(run.ID, "log", nil, now)
	j2, _ := s.CreateJob(run.ID, "log", nil, now)
	s.CreateJob(run.ID, "log", nil, now)

	s.MarkJobRunning(j1.ID)
	s.MarkJobDone(j1.ID)
	s.MarkJobRunning(j2.ID)
	s.MarkJobFailed(j2.ID, "boom")

	counts, err := s.JobStatusCounts(run.ID)
	if err != nil {
		t.Fatalf("JobStatusCounts failed: %v", err)
	}
	if counts[models.JobStatusDone] != 1 || counts[models.JobStatusFailed] != 1 || counts[models.JobStatusQueued] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestAcquireLock_Race(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	lock1, err := s.AcquireLock("subject-1", "rule-1", "job_a_1", 5*time.Minute)
	if err != nil {
		t.Fatalf("First lock acquisition failed: %v", err)
	}
	if lock1 == nil {
		t.Fatal("Expected first lock to be created")
	}

	// Second attempt for the same pair fails even with a different lock key
	_, err = s.AcquireLock("subject-1", "rule-1", "job_a_2", 5*time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("Expected ErrLockHeld for second lock, got: %v", err)
	}

	// A different pair is independent
	_, err = s.AcquireLock("subject-2", "rule-1", "job_b_1", 5*time.Minute)
	if err != nil {
		t.Errorf("Lock on different subject should succeed, got: %v", err)
	}

	lock, err := s.GetLock("subject-1", "rule-1")
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if lock == nil || lock.LockKey != "job_a_1" {
		t.Errorf("Expected original lock to survive, got %+v", lock)
	}
}

func TestAcquireLock_ConcurrentAttempts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	numWorkers := 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0
	heldCount := 0

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := s.AcquireLock("subject-1", "rule-1", fmt.Sprintf("job_x_%d", n), 5*time.Minute)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successCount++
			} else if errors.Is(err, ErrLockHeld) {
				heldCount++
			} else {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("Expected exactly 1 successful lock, got %d", successCount)
	}
	if heldCount != numWorkers-1 {
		t.Errorf("Expected %d held errors, got %d", numWorkers-1, heldCount)
	}
}

func TestAcquireLock_ExpiredCleanup(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	lock, err := s.AcquireLock("subject-1", "rule-1", "job_a_1", time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if lock == nil {
		t.Fatal("Expected lock to be created")
	}

	// Wait for lock to expire
	time.Sleep(2 * time.Second)

	// Expired lock is purged on the next acquisition
	lock2, err := s.AcquireLock("subject-1", "rule-1", "job_a_2", 5*time.Minute)
	if err != nil {
		t.Fatalf("Second AcquireLock failed: %v", err)
	}
	if lock2 == nil || lock2.LockKey != "job_a_2" {
		t.Errorf("Expected new lock after expiry, got %+v", lock2)
	}
}

func TestReleaseLock(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	lock, err := s.AcquireLock("subject-1", "rule-1", "job_a_1", 5*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if err := s.ReleaseLock(lock.LockKey); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}

	// Releasing an unheld lock is a no-op
	if err := s.ReleaseLock("never-held"); err != nil {
		t.Errorf("Releasing unheld lock should not error, got: %v", err)
	}

	lock2, err := s.AcquireLock("subject-1", "rule-1", "job_a_2", 5*time.Minute)
	if err != nil {
		t.Fatalf("Second AcquireLock failed: %v", err)
	}
	if lock2 == nil {
		t.Error("Expected lock to be acquired after release")
	}
}

func TestSubjects(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	subject, err := s.CreateSubject("Ada", 2)
	if err != nil {
		t.Fatalf("CreateSubject failed: %v", err)
	}
	if subject.ID == "" {
		t.Error("Subject ID should not be empty")
	}

	if err := s.UpdateSubjectProgress(subject.ID, 4, 12, true); err != nil {
		t.Fatalf("UpdateSubjectProgress failed: %v", err)
	}

	got, err := s.GetSubject(subject.ID)
	if err != nil {
		t.Fatalf("GetSubject failed: %v", err)
	}
	if got.Level != 4 || got.Streak != 12 || !got.Paused {
		t.Errorf("Unexpected subject state: %+v", got)
	}

	missing, err := s.GetSubject("nope")
	if err != nil {
		t.Fatalf("GetSubject for missing ID failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing subject")
	}

	subjects, err := s.ListSubjects()
	if err != nil {
		t.Fatalf("ListSubjects failed: %v", err)
	}
	if len(subjects) != 1 {
		t.Errorf("Expected 1 subject, got %d", len(subjects))
	}
}

func TestPatterns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	subject, _ := s.CreateSubject("Ada", 1)

	if _, err := s.AddPattern(subject.ID, "night-owl"); err != nil {
		t.Fatalf("AddPattern failed: %v", err)
	}
	// Duplicate key for the same subject is ignored
	if _, err := s.AddPattern(subject.ID, "night-owl"); err != nil {
		t.Fatalf("Duplicate AddPattern failed: %v", err)
	}
	s.AddPattern(subject.ID, "streak-riser")

	patterns, err := s.ListActivePatterns(subject.ID)
	if err != nil {
		t.Fatalf("ListActivePatterns failed: %v", err)
	}
	if len(patterns) != 2 {
		t.Errorf("Expected 2 patterns, got %d", len(patterns))
	}
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	entry, err := s.WriteAudit("automation_engine", "run_started", "automation_run", "run-1", map[string]interface{}{"rule_key": "welcome"})
	if err != nil {
		t.Fatalf("WriteAudit failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("Audit entry ID should not be empty")
	}

	entries, err := s.ListAuditForEntity("automation_run", "run-1")
	if err != nil {
		t.Fatalf("ListAuditForEntity failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Payload["rule_key"] != "welcome" {
		t.Errorf("Payload did not survive round trip: %v", entries[0].Payload)
	}
}

func TestCountStuckJobs(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rule, _ := s.UpsertRule(testRule("r1", models.RuleStatusOn))
	subject, _ := s.CreateSubject("Ada", 1)
	run, _ := s.CreateRun(rule.ID, subject.ID, "test", nil)
	job, _ := s.CreateJob(run.ID, "log", nil, time.Now().UTC())

	count, err := s.CountStuckJobs()
	if err != nil {
		t.Fatalf("CountStuckJobs failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 stuck jobs, got %d", count)
	}

	s.MarkJobRunning(job.ID)
	count, _ = s.CountStuckJobs()
	if count != 1 {
		t.Errorf("Expected 1 stuck job, got %d", count)
	}
}

func testRule(key string, status models.RuleStatus) *models.Rule {
	return &models.Rule{
		Key:         key,
		Status:      status,
		TriggerType: models.TriggerTypeEvent,
		TriggerDef:  map[string]interface{}{"event": "practice_registered"},
		Actions:     []models.ActionSpec{{StepKey: "log"}},
	}
}

func newTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
