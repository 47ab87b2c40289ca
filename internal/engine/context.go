package engine

import (
	"fmt"
	"time"

	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// BuildContext assembles the guard-evaluation context for a subject from
// the subject read-model and the externally supplied pattern facts. Paths
// like progress.level and patterns.active resolve into this shape.
func BuildContext(s *store.Store, subjectID string) (map[string]interface{}, error) {
	subject, err := s.GetSubject(subjectID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject == nil {
		return nil, fmt.Errorf("subject %s not found", subjectID)
	}

	patterns, err := s.ListActivePatterns(subjectID)
	if err != nil {
		// Pattern facts are optional enrichment; guards over them simply
		// see an empty list.
		patterns = nil
	}

	active := make([]interface{}, 0, len(patterns))
	for _, p := range patterns {
		active = append(active, map[string]interface{}{"key": p.Key})
	}

	return map[string]interface{}{
		"subject_id": subject.ID,
		"subject": map[string]interface{}{
			"name": subject.Name,
		},
		"progress": map[string]interface{}{
			"level":  subject.Level,
			"streak": subject.Streak,
		},
		"pause": map[string]interface{}{
			"active": subject.Paused,
		},
		"patterns": map[string]interface{}{
			"active": active,
		},
	}, nil
}

// SnapshotFromContext extracts the write-once context snapshot persisted on
// a run: only the fields re-execution needs, never the live context object.
func SnapshotFromContext(evalCtx map[string]interface{}, capturedAt time.Time) *models.ContextSnapshot {
	snap := &models.ContextSnapshot{CapturedAt: capturedAt}
	if v, ok := toFloat64(lookupPath(evalCtx, "progress.level")); ok {
		snap.Level = int(v)
	} else {
		snap.Level = 1
	}
	if v, ok := toFloat64(lookupPath(evalCtx, "progress.streak")); ok {
		snap.Streak = int(v)
	}
	if paused, ok := lookupPath(evalCtx, "pause.active").(bool); ok {
		snap.Paused = paused
	}
	return snap
}

// ContextFromSnapshot rebuilds a minimal evaluation context from a run's
// immutable snapshot. The scheduler uses this instead of live subject state.
func ContextFromSnapshot(subjectID string, snap *models.ContextSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"subject_id": subjectID,
		"progress": map[string]interface{}{
			"level":  snap.Level,
			"streak": snap.Streak,
		},
		"pause": map[string]interface{}{
			"active": snap.Paused,
		},
	}
}
