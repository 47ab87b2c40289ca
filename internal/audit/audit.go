// Package audit provides the structured audit trail for autorun.
package audit

import (
	"log"

	"github.com/lumenlabs/autorun/internal/models"
	"github.com/lumenlabs/autorun/internal/store"
)

// ActorEngine is the actor recorded for engine-originated transitions.
const ActorEngine = "automation_engine"

// Recorder writes audit records for state transitions. Every write is
// fail-open: a failed audit insert is logged and never aborts the
// originating operation.
type Recorder struct {
	store *store.Store
}

// NewRecorder creates a new audit recorder.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes one audit entry. Returns the entry for callers that want
// it; errors are swallowed after logging.
func (r *Recorder) Record(actor, action, entityType, entityID string, payload map[string]interface{}) *models.AuditEntry {
	entry, err := r.store.WriteAudit(actor, action, entityType, entityID, payload)
	if err != nil {
		log.Printf("audit: failed to record %s on %s/%s: %v", action, entityType, entityID, err)
		return nil
	}
	return entry
}
