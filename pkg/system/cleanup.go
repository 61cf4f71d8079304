package system

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// CleanupManager ensures that process-owned resources are released
// before the main goroutine exits. Callbacks run in reverse
// registration order so dependents shut down before the resources they
// use: the scheduler before the write queue, the queue before the
// store it appends to.
type CleanupManager struct {
	fnsMutex sync.Mutex
	fns      []func() error
	fnsDone  bool
}

// NewCleanupManager returns a new CleanupManager instance.
func NewCleanupManager() *CleanupManager {
	return &CleanupManager{}
}

// RegisterCallback registers a clean-up function.
func (cm *CleanupManager) RegisterCallback(fn func() error) {
	cm.fnsMutex.Lock()
	defer cm.fnsMutex.Unlock()

	if cm.fnsDone {
		log.Error().Msg("CleanupManager: RegisterCallback called after Cleanup")
		return
	}

	cm.fns = append(cm.fns, fn)
}

// Cleanup runs the registered clean-up functions last-in first-out and
// returns once all have completed.
func (cm *CleanupManager) Cleanup() {
	cm.fnsMutex.Lock()
	defer cm.fnsMutex.Unlock()

	if cm.fnsDone {
		log.Warn().Msg("CleanupManager: Cleanup called again after already called")
		return
	}

	for i := len(cm.fns) - 1; i >= 0; i-- {
		if err := cm.fns[i](); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Error during clean-up callback")
			}
		}
	}
	cm.fnsDone = true
}
