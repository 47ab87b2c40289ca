// Package actions defines the action handler contract and registry for autorun.
package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/lumenlabs/autorun/internal/models"
)

// Request carries everything a handler receives for one job execution: the
// job payload, the owning run (for correlating rule_key/run_id in the
// handler's own side effects), and the reconstructed subject context.
type Request struct {
	Job     *models.Job
	Run     *models.Run
	Context map[string]interface{}
}

// Result is the uniform outcome of one handler invocation. Handlers report
// failure through Success/Error instead of panicking; the executor treats a
// panic as a failed job either way.
type Result struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Handler executes one kind of automation step, selected by step key.
// Implementations must tolerate at-most-once-in-practice invocation; the
// scheduler does not guarantee exactly-once.
type Handler interface {
	// StepKey returns the key this handler is dispatched under.
	StepKey() string

	// Execute runs the step. It must not panic; errors are reported
	// through the Result.
	Execute(ctx context.Context, req *Request) *Result
}

// Registry maps step keys to handlers. It is populated at startup and read
// at dispatch time; an unknown key is a data error, not a code error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. A later registration for the same key replaces
// the earlier one.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.StepKey()] = h
}

// Get returns the handler for a step key, or nil if none is registered.
func (r *Registry) Get(stepKey string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stepKey]
}

// Keys returns the registered step keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
