package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lumenlabs/autorun/internal/actions"
	"github.com/lumenlabs/autorun/internal/audit"
	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// Executor dispatches one job to its registered action handler and records
// the outcome. Every exit path ends in a job status write; the executor
// never propagates a failure to its caller.
type Executor struct {
	store    *store.Store
	recorder *audit.Recorder
	registry *actions.Registry
}

// NewExecutor creates an executor over the given action registry.
func NewExecutor(s *store.Store, r *audit.Recorder, reg *actions.Registry) *Executor {
	return &Executor{store: s, recorder: r, registry: reg}
}

// Outcome reports what happened to one job.
type Outcome struct {
	// Executed is false when the job was rejected without dispatch
	// (wrong status, or not yet due — neither is an error).
	Executed bool
	Success  bool
}

// ExecuteJob runs one job through its handler.
func (x *Executor) ExecuteJob(ctx context.Context, job *models.Job, run *models.Run, evalCtx map[string]interface{}) Outcome {
	if job.Status != models.JobStatusQueued {
		log.Printf("executor: job %s not queued (status=%s), skipping", job.ID, job.Status)
		return Outcome{}
	}
	if job.ExecuteAt.After(time.Now().UTC()) {
		// Not yet time; the scheduler will pick it up on a later tick.
		return Outcome{}
	}

	if err := x.store.MarkJobRunning(job.ID); err != nil {
		log.Printf("executor: marking job %s running failed: %v", job.ID, err)
		return Outcome{}
	}
	job.Status = models.JobStatusRunning
	job.Attempts++

	handler := x.registry.Get(job.StepKey)
	if handler == nil {
		x.failJob(job, run, fmt.Sprintf("unknown step_key %q", job.StepKey))
		return Outcome{Executed: true}
	}

	result := x.dispatch(ctx, handler, job, run, evalCtx)
	if result.Success {
		if err := x.store.MarkJobDone(job.ID); err != nil {
			log.Printf("executor: marking job %s done failed: %v", job.ID, err)
		}
		job.Status = models.JobStatusDone
		x.recorder.Record(audit.ActorEngine, "automation_job_executed", "automation_job", job.ID, map[string]interface{}{
			"run_id":   run.ID,
			"rule_key": run.RuleKey,
			"step_key": job.StepKey,
			"output":   result.Output,
		})
		return Outcome{Executed: true, Success: true}
	}

	msg := result.Error
	if msg == "" {
		msg = "action reported failure"
	}
	x.failJob(job, run, msg)
	return Outcome{Executed: true}
}

// dispatch invokes the handler, converting a panic into a failed result so
// one misbehaving action cannot take down the scheduler.
func (x *Executor) dispatch(ctx context.Context, handler actions.Handler, job *models.Job, run *models.Run, evalCtx map[string]interface{}) (result *actions.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("executor: handler %s panicked on job %s: %v", job.StepKey, job.ID, r)
			result = &actions.Result{Success: false, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	result = handler.Execute(ctx, &actions.Request{Job: job, Run: run, Context: evalCtx})
	if result == nil {
		result = &actions.Result{Success: false, Error: "handler returned no result"}
	}
	return result
}

func (x *Executor) failJob(job *models.Job, run *models.Run, msg string) {
	if err := x.store.MarkJobFailed(job.ID, msg); err != nil {
		log.Printf("executor: marking job %s failed failed: %v", job.ID, err)
	}
	job.Status = models.JobStatusFailed
	job.LastError = msg
	x.recorder.Record(audit.ActorEngine, "automation_job_failed", "automation_job", job.ID, map[string]interface{}{
		"run_id":   run.ID,
		"rule_key": run.RuleKey,
		"step_key": job.StepKey,
		"error":    msg,
	})
}
