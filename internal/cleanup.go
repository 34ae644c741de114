package internal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// CleanupManager tracks resources and releases them in LIFO order.
type CleanupManager struct {
	mu    sync.Mutex
	funcs []cleanupFunc
}

type cleanupFunc struct {
	name string
	fn   func() error
}

// NewCleanupManager creates a new cleanup manager.
func NewCleanupManager() *CleanupManager {
	return &CleanupManager{}
}

// Add registers a cleanup function. Functions run last added, first run.
func (m *CleanupManager) Add(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, cleanupFunc{name, fn})
}

// Execute runs every registered function, newest first, even when some
// fail. Failures are logged before the function that may own the log runs,
// and all of them are returned joined. The manager is empty afterwards.
func (m *CleanupManager) Execute(logger zerolog.Logger) error {
	m.mu.Lock()
	funcs := m.funcs
	m.funcs = nil
	m.mu.Unlock()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		cleanup := funcs[i]
		if err := cleanup.fn(); err != nil {
			logger.Warn().Err(err).Str("resource", cleanup.name).Msg("cleanup failed")
			errs = append(errs, fmt.Errorf("cleanup %s: %w", cleanup.name, err))
		}
	}

	return errors.Join(errs...)
}
