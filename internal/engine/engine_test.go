package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	return New(s, audit.NewRecorder(s)), s
}

func saveRule(t *testing.T, s *store.Store, rule *models.Rule) *models.Rule {
	t.Helper()
	saved, err := s.UpsertRule(rule)
	require.NoError(t, err)
	return saved
}

func practiceRule(key string) *models.Rule {
	return &models.Rule{
		Key:         key,
		Status:      models.RuleStatusOn,
		TriggerType: models.TriggerTypeEvent,
		TriggerDef:  map[string]interface{}{"event": "practice_registered"},
		Actions:     []models.ActionSpec{{StepKey: "log"}},
	}
}

func TestRunForSubject_EventRuleFires(t *testing.T) {
	eng, s := newTestEngine(t)
	saveRule(t, s, practiceRule("welcome"))
	subject, err := s.CreateSubject("Ada", 1)
	require.NoError(t, err)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)

	require.True(t, summary.OK)
	require.Len(t, summary.Runs, 1)
	assert.Equal(t, "welcome", summary.Runs[0].RuleKey)
	assert.Len(t, summary.Runs[0].Jobs, 1)

	// The run and job are durable
	run, err := s.GetRun(summary.Runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPlanned, run.Status)
	require.NotNil(t, run.Snapshot)
	assert.Equal(t, 1, run.Snapshot.Level)
}

func TestRunForSubject_OffRulesNeverEvaluate(t *testing.T) {
	eng, s := newTestEngine(t)
	off := practiceRule("disabled")
	off.Status = models.RuleStatusOff
	saveRule(t, s, off)
	subject, _ := s.CreateSubject("Ada", 1)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)

	require.True(t, summary.OK)
	assert.Empty(t, summary.Runs)
	// Off rules are not even candidates, so no decision is recorded
	assert.Empty(t, summary.Decisions)
}

func TestRunForSubject_GuardBlocks(t *testing.T) {
	eng, s := newTestEngine(t)
	rule := practiceRule("level-gated")
	rule.Guards = []models.Guard{{Operator: OpGte, Path: "progress.level", Value: 3}}
	saveRule(t, s, rule)
	subject, _ := s.CreateSubject("Ada", 2)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)

	require.True(t, summary.OK)
	assert.Empty(t, summary.Runs)
	require.Len(t, summary.Decisions, 1)
	assert.False(t, summary.Decisions[0].Fired)
	assert.Contains(t, summary.Decisions[0].Reason, "guard 0 failed")

	// Leveling up unblocks
	require.NoError(t, s.UpdateSubjectProgress(subject.ID, 3, 0, false))
	summary = eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)
	assert.Len(t, summary.Runs, 1)
}

func TestRunForSubject_StateRule(t *testing.T) {
	eng, s := newTestEngine(t)
	rule := &models.Rule{
		Key:         "level-5-reached",
		Status:      models.RuleStatusOn,
		TriggerType: models.TriggerTypeState,
		TriggerDef:  map[string]interface{}{"state_type": "level_reached", "level": 5},
		Actions:     []models.ActionSpec{{StepKey: "log"}},
	}
	saveRule(t, s, rule)
	subject, _ := s.CreateSubject("Ada", 4)

	// State rules evaluate without an event
	summary := eng.RunForSubject(context.Background(), subject.ID, "state_change", nil)
	require.True(t, summary.OK)
	assert.Empty(t, summary.Runs)

	s.UpdateSubjectProgress(subject.ID, 5, 0, false)
	summary = eng.RunForSubject(context.Background(), subject.ID, "state_change", nil)
	assert.Len(t, summary.Runs, 1)
}

func TestRunForSubject_Cooldown(t *testing.T) {
	eng, s := newTestEngine(t)
	rule := practiceRule("weekly-nudge")
	rule.CooldownDays = 7
	saveRule(t, s, rule)
	subject, _ := s.CreateSubject("Ada", 1)
	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}

	// First firing goes through
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)
	require.Len(t, summary.Runs, 1)

	// A planned run does not start the cooldown; only a done run does
	summary = eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)
	require.Len(t, summary.Runs, 1)

	require.NoError(t, s.FinishRun(summary.Runs[0].ID, models.RunStatusDone))
	summary = eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)
	assert.Empty(t, summary.Runs)
	require.NotEmpty(t, summary.Decisions)
	assert.Equal(t, "on_cooldown", summary.Decisions[0].Reason)
}

func TestRunForSubject_MultipleActions(t *testing.T) {
	eng, s := newTestEngine(t)
	rule := practiceRule("multi-step")
	rule.Actions = []models.ActionSpec{
		{StepKey: "log"},
		{StepKey: "audit", DelaySeconds: 3600},
		{StepKey: "log", Payload: map[string]interface{}{"message": "later"}, DelaySeconds: 7200},
	}
	saveRule(t, s, rule)
	subject, _ := s.CreateSubject("Ada", 1)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)

	require.Len(t, summary.Runs, 1)
	run := summary.Runs[0]
	require.Len(t, run.Jobs, 3)

	jobs, err := s.ListJobsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, models.JobStatusQueued, job.Status)
	}
	// Delayed jobs carry a later execute_at
	assert.True(t, jobs[2].ExecuteAt.After(jobs[0].ExecuteAt))
}

func TestRunForSubject_PriorityOrder(t *testing.T) {
	eng, s := newTestEngine(t)
	low := practiceRule("low")
	low.Priority = 1
	high := practiceRule("high")
	high.Priority = 10
	saveRule(t, s, low)
	saveRule(t, s, high)
	subject, _ := s.CreateSubject("Ada", 1)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)

	require.Len(t, summary.Decisions, 2)
	assert.Equal(t, "high", summary.Decisions[0].RuleKey)
	assert.Equal(t, "low", summary.Decisions[1].RuleKey)
}

func TestRunForSubject_UnknownSubject(t *testing.T) {
	eng, s := newTestEngine(t)
	saveRule(t, s, practiceRule("welcome"))

	summary := eng.RunForSubject(context.Background(), "ghost", "manual", nil)
	assert.False(t, summary.OK)
	assert.Empty(t, summary.Runs)
}

func TestRunForSubject_NoRules(t *testing.T) {
	eng, s := newTestEngine(t)
	subject, _ := s.CreateSubject("Ada", 1)

	summary := eng.RunForSubject(context.Background(), subject.ID, "manual", nil)
	assert.True(t, summary.OK)
	assert.Empty(t, summary.Runs)
}

func TestDryRunForSubject(t *testing.T) {
	eng, s := newTestEngine(t)
	saveRule(t, s, practiceRule("welcome"))
	subject, _ := s.CreateSubject("Ada", 1)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.DryRunForSubject(context.Background(), subject.ID, "event:practice_registered", event)

	require.True(t, summary.OK)
	require.Len(t, summary.Decisions, 1)
	assert.True(t, summary.Decisions[0].Fired)
	assert.Empty(t, summary.Runs)

	// Nothing was persisted
	runs, err := s.ListRunsForSubject(subject.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunForSubject_AuditTrail(t *testing.T) {
	eng, s := newTestEngine(t)
	saveRule(t, s, practiceRule("welcome"))
	subject, _ := s.CreateSubject("Ada", 1)

	event := &models.Event{Name: "practice_registered", SubjectID: subject.ID}
	summary := eng.RunForSubject(context.Background(), subject.ID, "event:practice_registered", event)
	require.Len(t, summary.Runs, 1)

	entries, err := s.ListAuditForEntity("automation_run", summary.Runs[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run_started", entries[0].Action)
	assert.Equal(t, audit.ActorEngine, entries[0].Actor)
	assert.Equal(t, "welcome", entries[0].Payload["rule_key"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := map[string]interface{}{
		"subject_id": "subject-1",
		"progress":   map[string]interface{}{"level": 4, "streak": 9},
		"pause":      map[string]interface{}{"active": true},
	}

	snap := SnapshotFromContext(ctx, time.Now().UTC())
	assert.Equal(t, 4, snap.Level)
	assert.Equal(t, 9, snap.Streak)
	assert.True(t, snap.Paused)

	rebuilt := ContextFromSnapshot("subject-1", snap)
	assert.Equal(t, "subject-1", rebuilt["subject_id"])
	assert.Equal(t, 4, lookupPath(rebuilt, "progress.level"))
	assert.Equal(t, true, lookupPath(rebuilt, "pause.active"))
}

func TestSnapshotFromContext_Defaults(t *testing.T) {
	snap := SnapshotFromContext(map[string]interface{}{}, time.Now().UTC())
	assert.Equal(t, 1, snap.Level)
	assert.Equal(t, 0, snap.Streak)
	assert.False(t, snap.Paused)
}

func TestBuildContext(t *testing.T) {
	_, s := newTestEngine(t)
	subject, err := s.CreateSubject("Ada", 3)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSubjectProgress(subject.ID, 3, 7, false))
	_, err = s.AddPattern(subject.ID, "night-owl")
	require.NoError(t, err)

	ctx, err := BuildContext(s, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, subject.ID, ctx["subject_id"])
	assert.Equal(t, 3, lookupPath(ctx, "progress.level"))
	assert.Equal(t, 7, lookupPath(ctx, "progress.streak"))

	guard := models.Guard{Operator: OpPatternActive, Value: "night-owl"}
	assert.True(t, EvaluateGuards([]models.Guard{guard}, ctx).Passed)
}
