package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/engine"
	"github.com/lumenlabs/autorun/internal/metrics"
	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// Scheduler is the polling loop: find due jobs, acquire the (subject, rule)
// lock, execute, roll job outcomes up into run completion. All shared state
// lives in the store; two scheduler processes only ever meet through the
// lock table.
type Scheduler struct {
	store     *store.Store
	recorder  *audit.Recorder
	executor  *Executor
	config    *Config
	collector *metrics.Collector

	// Re-entrancy guard: overlapping ticks are skipped, not queued.
	mu      sync.Mutex
	ticking bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. A nil config uses defaults; a nil collector
// disables instrumentation.
func New(s *store.Store, r *audit.Recorder, x *Executor, cfg *Config, c *metrics.Collector) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:     s,
		recorder:  r,
		executor:  x,
		config:    cfg,
		collector: c,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the polling loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.loop()
	log.Printf("Scheduler started (tick=%s batch=%d)", sch.config.TickInterval(), sch.config.BatchSize)
}

// Stop gracefully stops the scheduler, waiting for an in-flight tick.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	log.Println("Scheduler stopped")
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.Tick()
		}
	}
}

// Tick processes one batch of due jobs. Exported so tests and the CLI can
// drive the scheduler without waiting on the timer. A tick that overlaps a
// running tick returns immediately.
func (sch *Scheduler) Tick() {
	sch.mu.Lock()
	if sch.ticking {
		sch.mu.Unlock()
		return
	}
	sch.ticking = true
	sch.mu.Unlock()

	defer func() {
		sch.mu.Lock()
		sch.ticking = false
		sch.mu.Unlock()
	}()

	if sch.collector != nil {
		sch.collector.Ticks.Inc()
	}

	due, err := sch.store.DueJobs(time.Now().UTC(), sch.config.BatchSize)
	if err != nil {
		log.Printf("scheduler: querying due jobs failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	log.Printf("scheduler: processing %d due jobs", len(due))
	for i := range due {
		sch.processJob(&due[i])
	}
}

// processJob executes one due job under its lock. Any failure here is
// logged and the loop moves on; one bad job must never halt the scheduler.
func (sch *Scheduler) processJob(due *store.DueJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: panic processing job %s: %v", due.Job.ID, r)
		}
	}()

	lockKey := fmt.Sprintf("job_%s_%d", due.Job.ID, time.Now().UnixNano())
	_, err := sch.store.AcquireLock(due.SubjectID, due.RuleID, lockKey, sch.config.LockTTL())
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			// Held by another in-flight execution; the job stays queued
			// and is retried next tick.
			if sch.collector != nil {
				sch.collector.LockContention.Inc()
			}
			log.Printf("scheduler: lock held for job %s, skipping this tick", due.Job.ID)
			return
		}
		log.Printf("scheduler: lock acquisition failed for job %s: %v", due.Job.ID, err)
		return
	}
	defer func() {
		if err := sch.store.ReleaseLock(lockKey); err != nil {
			log.Printf("scheduler: releasing lock %s failed: %v", lockKey, err)
		}
	}()

	evalCtx := sch.rebuildContext(due)
	if evalCtx == nil {
		log.Printf("scheduler: no context for job %s (subject %s), skipping", due.Job.ID, due.SubjectID)
		return
	}

	run := &models.Run{
		ID:        due.RunID,
		RuleID:    due.RuleID,
		SubjectID: due.SubjectID,
		Reason:    due.Reason,
	}
	if rule, err := sch.store.GetRule(due.RuleID); err == nil && rule != nil {
		run.RuleKey = rule.Key
	}

	outcome := sch.executor.ExecuteJob(sch.ctx, &due.Job, run, evalCtx)
	if sch.collector != nil && outcome.Executed {
		if outcome.Success {
			sch.collector.JobsExecuted.Inc()
		} else {
			sch.collector.JobsFailed.Inc()
		}
	}

	sch.checkRunCompletion(due.RunID)
}

// rebuildContext reconstructs the execution context from the run's
// immutable snapshot. The snapshot is authoritative — staleness is the
// price of resilience against subject mutation between planning and
// execution. Only when the snapshot is unreadable does it fall back to a
// minimal live subject lookup.
func (sch *Scheduler) rebuildContext(due *store.DueJob) map[string]interface{} {
	if due.SnapshotJSON != "" && due.SnapshotJSON != "null" {
		var snap models.ContextSnapshot
		if err := json.Unmarshal([]byte(due.SnapshotJSON), &snap); err == nil && !snap.CapturedAt.IsZero() {
			return engine.ContextFromSnapshot(due.SubjectID, &snap)
		}
		log.Printf("scheduler: unreadable context snapshot on run %s, falling back to subject lookup", due.RunID)
	}

	subject, err := sch.store.GetSubject(due.SubjectID)
	if err != nil || subject == nil {
		return nil
	}
	return engine.ContextFromSnapshot(due.SubjectID, &models.ContextSnapshot{
		Level:      subject.Level,
		Streak:     subject.Streak,
		Paused:     subject.Paused,
		CapturedAt: time.Now().UTC(),
	})
}

// checkRunCompletion rolls job outcomes up into the run status. When no
// jobs remain queued or running, the run is terminal: failed dominates
// done. Re-running on a terminal run repeats the identical write.
func (sch *Scheduler) checkRunCompletion(runID string) {
	counts, err := sch.store.JobStatusCounts(runID)
	if err != nil {
		log.Printf("scheduler: counting jobs for run %s failed: %v", runID, err)
		return
	}

	if counts[models.JobStatusQueued] > 0 || counts[models.JobStatusRunning] > 0 {
		return
	}

	status := models.RunStatusDone
	if counts[models.JobStatusFailed] > 0 {
		status = models.RunStatusFailed
	}

	if err := sch.store.FinishRun(runID, status); err != nil {
		log.Printf("scheduler: finishing run %s failed: %v", runID, err)
		return
	}

	if sch.collector != nil {
		if status == models.RunStatusFailed {
			sch.collector.RunsFailed.Inc()
		} else {
			sch.collector.RunsDone.Inc()
		}
	}

	sch.recorder.Record(audit.ActorEngine, "automation_run_completed", "automation_run", runID, map[string]interface{}{
		"status":      string(status),
		"jobs_done":   counts[models.JobStatusDone],
		"jobs_failed": counts[models.JobStatusFailed],
	})
}
