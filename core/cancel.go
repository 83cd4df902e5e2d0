/*
Package core provides execution tracking for relayed streams and reasoning runs.

Every long-running request registers under a generated execution id so that
POST /stop can cancel it. Cancelling an execution cancels its context, which
closes the upstream stream session or stops the reasoning loop.
*/
package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution kinds.
const (
	ExecutionRelay = "relay"
	ExecutionThink = "think"
)

type execution struct {
	kind    string
	started time.Time
	cancel  context.CancelFunc
}

// CancelManager tracks running executions and cancels them on request.
type CancelManager struct {
	executions map[string]execution
	mutex      sync.RWMutex
}

// NewCancelManager creates an empty registry.
func NewCancelManager() *CancelManager {
	return &CancelManager{
		executions: make(map[string]execution),
	}
}

// Start registers a new execution derived from parent. The returned release
// function must be called when the execution ends; it removes the entry and
// cancels the context.
//
// Parameters:
//   - parent: Context the execution runs under
//   - kind: ExecutionRelay or ExecutionThink
//
// Returns:
//   - context.Context: Context cancelled by Cancel or release
//   - string: Execution id reported to the client
//   - func(): Release function
func (cm *CancelManager) Start(parent context.Context, kind string) (context.Context, string, func()) {
	ctx, cancel := context.WithCancel(parent)
	id := "exec_" + uuid.NewString()

	cm.mutex.Lock()
	cm.executions[id] = execution{kind: kind, started: time.Now(), cancel: cancel}
	cm.mutex.Unlock()

	return ctx, id, func() {
		cm.remove(id)
		cancel()
	}
}

func (cm *CancelManager) remove(id string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	delete(cm.executions, id)
}

// Cancel stops the execution with the given id. It reports false when the
// execution is unknown or already finished.
func (cm *CancelManager) Cancel(id string) bool {
	cm.mutex.Lock()
	exec, exists := cm.executions[id]
	delete(cm.executions, id)
	cm.mutex.Unlock()

	if exists {
		exec.cancel()
	}
	return exists
}

// CancelAll stops every execution, used on shutdown.
func (cm *CancelManager) CancelAll() int {
	cm.mutex.Lock()
	executions := cm.executions
	cm.executions = make(map[string]execution)
	cm.mutex.Unlock()

	for _, exec := range executions {
		exec.cancel()
	}
	return len(executions)
}

// Active returns the ids of running executions, oldest first.
func (cm *CancelManager) Active() []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	ids := make([]string, 0, len(cm.executions))
	for id := range cm.executions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return cm.executions[ids[i]].started.Before(cm.executions[ids[j]].started)
	})
	return ids
}

// Count returns the number of running executions of kind.
func (cm *CancelManager) Count(kind string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	n := 0
	for _, exec := range cm.executions {
		if exec.kind == kind {
			n++
		}
	}
	return n
}
