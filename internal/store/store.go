// Package store provides SQLite-backed persistence for autorun.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lumenlabs/autorun/internal/models"
)

// Store provides access to the autorun SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS automation_rules (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'off',
		trigger_type TEXT NOT NULL,
		trigger_def TEXT,
		guards TEXT,
		actions TEXT,
		cooldown_days INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planned',
		context_snapshot TEXT,
		reason TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY (rule_id) REFERENCES automation_rules(id)
	);

	CREATE TABLE IF NOT EXISTS automation_jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_key TEXT NOT NULL,
		payload TEXT,
		execute_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES automation_runs(id)
	);

	CREATE TABLE IF NOT EXISTS automation_locks (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		lock_key TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		UNIQUE (subject_id, rule_id)
	);

	CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 1,
		streak INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subject_patterns (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		key TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		UNIQUE (subject_id, key),
		FOREIGN KEY (subject_id) REFERENCES subjects(id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_status ON automation_rules(status);
	CREATE INDEX IF NOT EXISTS idx_runs_rule_subject ON automation_runs(rule_id, subject_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_due ON automation_jobs(status, execute_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON automation_jobs(run_id);
	CREATE INDEX IF NOT EXISTS idx_locks_expires ON automation_locks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_patterns_subject ON subject_patterns(subject_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// marshalJSON renders a value for a nullable TEXT column. A nil value of any
// kind yields "": a typed nil pointer boxed in the interface would otherwise
// marshal to the string "null" and read back as a present, zero-valued record.
func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if string(data) == "null" {
		return ""
	}
	return string(data)
}

// --- Rule Operations ---

// UpsertRule inserts a rule or updates the existing row with the same key.
func (s *Store) UpsertRule(rule *models.Rule) (*models.Rule, error) {
	now := time.Now().UTC()

	existing, err := s.GetRuleByKey(rule.Key)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		rule.ID = uuid.New().String()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		_, err = s.db.Exec(
			`INSERT INTO automation_rules (id, key, status, trigger_type, trigger_def, guards, actions, cooldown_days, priority, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, rule.Key, rule.Status, rule.TriggerType,
			marshalJSON(rule.TriggerDef), marshalJSON(rule.Guards), marshalJSON(rule.Actions),
			rule.CooldownDays, rule.Priority, rule.CreatedAt, rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert rule: %w", err)
		}
		return rule, nil
	}

	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = now
	_, err = s.db.Exec(
		`UPDATE automation_rules SET status = ?, trigger_type = ?, trigger_def = ?, guards = ?, actions = ?, cooldown_days = ?, priority = ?, updated_at = ? WHERE id = ?`,
		rule.Status, rule.TriggerType,
		marshalJSON(rule.TriggerDef), marshalJSON(rule.Guards), marshalJSON(rule.Actions),
		rule.CooldownDays, rule.Priority, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return rule, nil
}

func scanRule(scan func(dest ...interface{}) error) (*models.Rule, error) {
	rule := &models.Rule{}
	var triggerDef, guards, actions sql.NullString

	err := scan(&rule.ID, &rule.Key, &rule.Status, &rule.TriggerType,
		&triggerDef, &guards, &actions,
		&rule.CooldownDays, &rule.Priority, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if triggerDef.Valid && triggerDef.String != "" {
		json.Unmarshal([]byte(triggerDef.String), &rule.TriggerDef)
	}
	if guards.Valid && guards.String != "" {
		json.Unmarshal([]byte(guards.String), &rule.Guards)
	}
	if actions.Valid && actions.String != "" {
		json.Unmarshal([]byte(actions.String), &rule.Actions)
	}
	return rule, nil
}

const ruleColumns = `id, key, status, trigger_type, trigger_def, guards, actions, cooldown_days, priority, created_at, updated_at`

// GetRuleByKey retrieves a rule by its unique key.
func (s *Store) GetRuleByKey(key string) (*models.Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM automation_rules WHERE key = ?`, key)
	rule, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return rule, nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(id string) (*models.Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return rule, nil
}

// ListRules returns all rules ordered by priority descending.
func (s *Store) ListRules() ([]models.Rule, error) {
	return s.listRules(`SELECT ` + ruleColumns + ` FROM automation_rules ORDER BY priority DESC, key ASC`)
}

// ListEnabledRules returns rules with status on or beta, highest priority
// first. These are the candidates for one evaluation pass.
func (s *Store) ListEnabledRules() ([]models.Rule, error) {
	return s.listRules(`SELECT ` + ruleColumns + ` FROM automation_rules WHERE status IN ('on', 'beta') ORDER BY priority DESC, key ASC`)
}

func (s *Store) listRules(query string) ([]models.Rule, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// --- Run Operations ---

// CreateRun inserts a new run in status planned.
func (s *Store) CreateRun(ruleID, subjectID, reason string, snapshot *models.ContextSnapshot) (*models.Run, error) {
	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.New().String(),
		RuleID:    ruleID,
		SubjectID: subjectID,
		Status:    models.RunStatusPlanned,
		Snapshot:  snapshot,
		Reason:    reason,
		CreatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO automation_runs (id, rule_id, subject_id, status, context_snapshot, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RuleID, run.SubjectID, run.Status, marshalJSON(snapshot), run.Reason, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*models.Run, error) {
	run := &models.Run{}
	var snapshot sql.NullString
	var reason sql.NullString
	var finishedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, rule_id, subject_id, status, context_snapshot, reason, created_at, finished_at FROM automation_runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.RuleID, &run.SubjectID, &run.Status, &snapshot, &reason, &run.CreatedAt, &finishedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	if snapshot.Valid && snapshot.String != "" {
		var snap models.ContextSnapshot
		if json.Unmarshal([]byte(snapshot.String), &snap) == nil {
			run.Snapshot = &snap
		}
	}
	if reason.Valid {
		run.Reason = reason.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// HasCompletedRunSince reports whether a done run exists for the
// (rule, subject) pair created at or after the given time. This backs the
// cooldown check.
func (s *Store) HasCompletedRunSince(ruleID, subjectID string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM automation_runs WHERE rule_id = ? AND subject_id = ? AND status = 'done' AND created_at >= ? LIMIT 1`,
		ruleID, subjectID, since,
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query completed runs: %w", err)
	}
	return true, nil
}

// FinishRun marks a run terminal and stamps finished_at. Re-running on an
// already-terminal run repeats the identical write, so the completion check
// stays idempotent.
func (s *Store) FinishRun(runID string, status models.RunStatus) error {
	_, err := s.db.Exec(
		`UPDATE automation_runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), runID,
	)
	return err
}

// ListRunsForSubject returns runs for a subject, newest first.
func (s *Store) ListRunsForSubject(subjectID string) ([]models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, rule_id, subject_id, status, context_snapshot, reason, created_at, finished_at FROM automation_runs WHERE subject_id = ? ORDER BY created_at DESC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var snapshot, reason sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.RuleID, &run.SubjectID, &run.Status, &snapshot, &reason, &run.CreatedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if snapshot.Valid && snapshot.String != "" {
			var snap models.ContextSnapshot
			if json.Unmarshal([]byte(snapshot.String), &snap) == nil {
				run.Snapshot = &snap
			}
		}
		if reason.Valid {
			run.Reason = reason.String
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Job Operations ---

// CreateJob inserts a new queued job for a run.
func (s *Store) CreateJob(runID, stepKey string, payload map[string]interface{}, executeAt time.Time) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New().String(),
		RunID:     runID,
		StepKey:   stepKey,
		Payload:   payload,
		ExecuteAt: executeAt.UTC(),
		Status:    models.JobStatusQueued,
		CreatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO automation_jobs (id, run_id, step_key, payload, execute_at, status, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID, job.RunID, job.StepKey, marshalJSON(payload), job.ExecuteAt, job.Status, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*models.Job, error) {
	job := &models.Job{}
	var payload, lastError sql.NullString

	err := s.db.QueryRow(
		`SELECT id, run_id, step_key, payload, execute_at, status, attempts, last_error, created_at FROM automation_jobs WHERE id = ?`,
		id,
	).Scan(&job.ID, &job.RunID, &job.StepKey, &payload, &job.ExecuteAt, &job.Status, &job.Attempts, &lastError, &job.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	if payload.Valid && payload.String != "" {
		json.Unmarshal([]byte(payload.String), &job.Payload)
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return job, nil
}

// MarkJobRunning transitions a queued job to running and increments attempts.
func (s *Store) MarkJobRunning(jobID string) error {
	_, err := s.db.Exec(
		`UPDATE automation_jobs SET status = ?, attempts = attempts + 1 WHERE id = ?`,
		models.JobStatusRunning, jobID,
	)
	return err
}

// MarkJobDone transitions a job to done and clears last_error.
func (s *Store) MarkJobDone(jobID string) error {
	_, err := s.db.Exec(
		`UPDATE automation_jobs SET status = ?, last_error = NULL WHERE id = ?`,
		models.JobStatusDone, jobID,
	)
	return err
}

// MarkJobFailed transitions a job to failed and records the error message.
func (s *Store) MarkJobFailed(jobID, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE automation_jobs SET status = ?, last_error = ? WHERE id = ?`,
		models.JobStatusFailed, errMsg, jobID,
	)
	return err
}

// DueJob is a queued job joined with the owning run's execution context.
type DueJob struct {
	Job       models.Job
	RunID     string
	RuleID    string
	SubjectID string
	Reason    string
	// SnapshotJSON is the raw context_snapshot column; the scheduler owns
	// decoding so an unreadable snapshot degrades instead of failing the query.
	SnapshotJSON string
}

// DueJobs returns up to limit queued jobs whose execute_at has passed,
// oldest first, joined with run context.
func (s *Store) DueJobs(now time.Time, limit int) ([]DueJob, error) {
	rows, err := s.db.Query(
		`SELECT j.id, j.run_id, j.step_key, j.payload, j.execute_at, j.status, j.attempts, j.created_at,
		        r.rule_id, r.subject_id, COALESCE(r.reason, ''), COALESCE(r.context_snapshot, '')
		 FROM automation_jobs j
		 JOIN automation_runs r ON j.run_id = r.id
		 WHERE j.status = 'queued' AND j.execute_at <= ?
		 ORDER BY j.execute_at ASC
		 LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var due []DueJob
	for rows.Next() {
		var d DueJob
		var payload sql.NullString
		if err := rows.Scan(&d.Job.ID, &d.Job.RunID, &d.Job.StepKey, &payload, &d.Job.ExecuteAt, &d.Job.Status, &d.Job.Attempts, &d.Job.CreatedAt,
			&d.RuleID, &d.SubjectID, &d.Reason, &d.SnapshotJSON); err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &d.Job.Payload)
		}
		d.RunID = d.Job.RunID
		due = append(due, d)
	}
	return due, rows.Err()
}

// JobStatusCounts returns the number of jobs per status for a run.
func (s *Store) JobStatusCounts(runID string) (map[models.JobStatus]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM automation_jobs WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query job counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ListJobsForRun returns a run's jobs ordered by execute_at.
func (s *Store) ListJobsForRun(runID string) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, step_key, payload, execute_at, status, attempts, last_error, created_at FROM automation_jobs WHERE run_id = ? ORDER BY execute_at ASC, created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var payload, lastError sql.NullString
		if err := rows.Scan(&job.ID, &job.RunID, &job.StepKey, &payload, &job.ExecuteAt, &job.Status, &job.Attempts, &lastError, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &job.Payload)
		}
		if lastError.Valid {
			job.LastError = lastError.String
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountStuckJobs counts jobs left in status running. A crashed worker
// orphans its job there; nothing requeues them, so the daemon surfaces the
// count at startup.
func (s *Store) CountStuckJobs() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM automation_jobs WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs: %w", err)
	}
	return count, nil
}

// --- Lock Operations ---

// ErrLockHeld indicates the (subject, rule) pair is already locked by an
// in-flight execution.
var ErrLockHeld = fmt.Errorf("lock already held")

// AcquireLock attempts to acquire the mutual-exclusion lock for a
// (subject, rule) pair. It first purges expired locks, then inserts a new
// row; a UNIQUE violation means another execution holds the lock.
func (s *Store) AcquireLock(subjectID, ruleID, lockKey string, ttl time.Duration) (*models.Lock, error) {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Lazy garbage collection bounds a crashed worker's hold to the TTL.
	if _, err := tx.Exec(`DELETE FROM automation_locks WHERE expires_at < ?`, now); err != nil {
		return nil, fmt.Errorf("purge expired locks: %w", err)
	}

	lock := &models.Lock{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		RuleID:    ruleID,
		LockKey:   lockKey,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	_, err = tx.Exec(
		`INSERT INTO automation_locks (id, subject_id, rule_id, lock_key, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		lock.ID, lock.SubjectID, lock.RuleID, lock.LockKey, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// ReleaseLock deletes a lock by its key. Releasing an unheld lock is a no-op.
func (s *Store) ReleaseLock(lockKey string) error {
	_, err := s.db.Exec(`DELETE FROM automation_locks WHERE lock_key = ?`, lockKey)
	return err
}

// GetLock returns the active lock for a (subject, rule) pair, if any.
func (s *Store) GetLock(subjectID, ruleID string) (*models.Lock, error) {
	lock := &models.Lock{}
	err := s.db.QueryRow(
		`SELECT id, subject_id, rule_id, lock_key, created_at, expires_at FROM automation_locks WHERE subject_id = ? AND rule_id = ? AND expires_at > ?`,
		subjectID, ruleID, time.Now().UTC(),
	).Scan(&lock.ID, &lock.SubjectID, &lock.RuleID, &lock.LockKey, &lock.CreatedAt, &lock.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

// --- Subject Operations ---

// CreateSubject inserts a new subject.
func (s *Store) CreateSubject(name string, level int) (*models.Subject, error) {
	now := time.Now().UTC()
	if level < 1 {
		level = 1
	}
	subject := &models.Subject{
		ID:        uuid.New().String(),
		Name:      name,
		Level:     level,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO subjects (id, name, level, streak, paused, created_at, updated_at) VALUES (?, ?, ?, 0, 0, ?, ?)`,
		subject.ID, subject.Name, subject.Level, subject.CreatedAt, subject.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert subject: %w", err)
	}
	return subject, nil
}

// GetSubject retrieves a subject by ID.
func (s *Store) GetSubject(id string) (*models.Subject, error) {
	subject := &models.Subject{}
	var paused int

	err := s.db.QueryRow(
		`SELECT id, name, level, streak, paused, created_at, updated_at FROM subjects WHERE id = ?`,
		id,
	).Scan(&subject.ID, &subject.Name, &subject.Level, &subject.Streak, &paused, &subject.CreatedAt, &subject.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query subject: %w", err)
	}
	subject.Paused = paused != 0
	return subject, nil
}

// ListSubjects returns all subjects ordered by creation time.
func (s *Store) ListSubjects() ([]models.Subject, error) {
	rows, err := s.db.Query(
		`SELECT id, name, level, streak, paused, created_at, updated_at FROM subjects ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		var sub models.Subject
		var paused int
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Level, &sub.Streak, &paused, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		sub.Paused = paused != 0
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

// UpdateSubjectProgress updates the mutable progress fields of a subject.
func (s *Store) UpdateSubjectProgress(id string, level, streak int, paused bool) error {
	pausedInt := 0
	if paused {
		pausedInt = 1
	}
	_, err := s.db.Exec(
		`UPDATE subjects SET level = ?, streak = ?, paused = ?, updated_at = ? WHERE id = ?`,
		level, streak, pausedInt, time.Now().UTC(), id,
	)
	return err
}

// --- Pattern Operations ---

// AddPattern records a detected pattern for a subject. Duplicate keys for
// the same subject are ignored.
func (s *Store) AddPattern(subjectID, key string) (*models.Pattern, error) {
	now := time.Now().UTC()
	pattern := &models.Pattern{
		ID:         uuid.New().String(),
		SubjectID:  subjectID,
		Key:        key,
		DetectedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO subject_patterns (id, subject_id, key, detected_at) VALUES (?, ?, ?, ?)`,
		pattern.ID, pattern.SubjectID, pattern.Key, pattern.DetectedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pattern: %w", err)
	}
	return pattern, nil
}

// ListActivePatterns returns the active patterns for a subject.
func (s *Store) ListActivePatterns(subjectID string) ([]models.Pattern, error) {
	rows, err := s.db.Query(
		`SELECT id, subject_id, key, detected_at FROM subject_patterns WHERE subject_id = ? ORDER BY detected_at DESC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []models.Pattern
	for rows.Next() {
		var p models.Pattern
		if err := rows.Scan(&p.ID, &p.SubjectID, &p.Key, &p.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// --- Audit Operations ---

// WriteAudit appends a structured audit record.
func (s *Store) WriteAudit(actor, action, entityType, entityID string, payload map[string]interface{}) (*models.AuditEntry, error) {
	now := time.Now().UTC()
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		CreatedAt:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, actor, action, entity_type, entity_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, marshalJSON(payload), entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// ListAuditForEntity returns audit entries for one entity, newest first.
func (s *Store) ListAuditForEntity(entityType, entityID string) ([]models.AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, actor, action, entity_type, entity_id, payload, created_at FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY created_at DESC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
